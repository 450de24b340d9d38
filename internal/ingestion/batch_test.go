package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsestream/backend/internal/core"
)

func TestBatchAllSucceed(t *testing.T) {
	svc := newTestService(newStubStore(), &stubLimiter{limit: 100}, &stubQueue{})

	res, err := svc.IngestBatch(context.Background(), testTenant(),
		[]EventRequest{*validRequest(), *validRequest(), *validRequest()})
	require.NoError(t, err)

	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, BatchCompleted, res.Status)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Successful)
	assert.Zero(t, res.Failed)
	for i, item := range res.Results {
		assert.Equal(t, i, item.Index)
		assert.Equal(t, "created", item.Status)
		assert.NotEmpty(t, item.EventID)
	}
}

func TestBatchPartialSuccess(t *testing.T) {
	store := newStubStore()
	queue := &stubQueue{}
	svc := newTestService(store, &stubLimiter{limit: 100}, queue)

	bad := EventRequest{EventType: "nope"}
	res, err := svc.IngestBatch(context.Background(), testTenant(),
		[]EventRequest{*validRequest(), bad, *validRequest()})
	require.NoError(t, err, "the envelope succeeds even when elements fail")

	assert.Equal(t, BatchPartial, res.Status)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Failed)

	failed := res.Results[1]
	assert.Equal(t, "failed", failed.Status)
	assert.Equal(t, core.KindInvalidEvent, failed.ErrorKind)
	assert.NotEmpty(t, failed.Fields, "validation details travel with the element")

	assert.Len(t, store.inserted, 2, "valid elements still landed")
	assert.Len(t, queue.enqueued, 2)
}

func TestBatchAllFail(t *testing.T) {
	svc := newTestService(newStubStore(), &stubLimiter{limit: 100}, &stubQueue{})

	bad := EventRequest{EventType: "nope"}
	res, err := svc.IngestBatch(context.Background(), testTenant(), []EventRequest{bad, bad})
	require.NoError(t, err)
	assert.Equal(t, BatchFailed, res.Status)
	assert.Zero(t, res.Successful)
	assert.Equal(t, 2, res.Failed)
}

func TestBatchDuplicatesCountAsSuccess(t *testing.T) {
	svc := newTestService(newStubStore(), &stubLimiter{limit: 100}, &stubQueue{})
	ctx := context.Background()

	req := *validRequest()
	req.EventID = "client-7"
	res, err := svc.IngestBatch(ctx, testTenant(), []EventRequest{req, req})
	require.NoError(t, err)

	assert.Equal(t, BatchCompleted, res.Status)
	assert.Equal(t, "created", res.Results[0].Status)
	assert.Equal(t, "duplicate", res.Results[1].Status)
	assert.Equal(t, "client-7", res.Results[0].EventID)
	assert.Equal(t, res.Results[0].EventID, res.Results[1].EventID)
}

func TestBatchEmptyRejected(t *testing.T) {
	svc := newTestService(newStubStore(), &stubLimiter{limit: 100}, &stubQueue{})

	_, err := svc.IngestBatch(context.Background(), testTenant(), nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidEvent))
}

func TestBatchOversizeEnvelopeRejected(t *testing.T) {
	store := newStubStore()
	svc := newTestService(store, &stubLimiter{limit: 100}, &stubQueue{})

	reqs := make([]EventRequest, 11) // service built with maxBatchSize 10
	for i := range reqs {
		reqs[i] = *validRequest()
	}
	_, err := svc.IngestBatch(context.Background(), testTenant(), reqs)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidEvent))
	assert.Empty(t, store.inserted, "an oversize envelope rejects wholesale, no element runs")
}

func TestBatchRateLimitedElements(t *testing.T) {
	svc := newTestService(newStubStore(), &stubLimiter{limit: 2}, &stubQueue{})

	res, err := svc.IngestBatch(context.Background(), testTenant(),
		[]EventRequest{*validRequest(), *validRequest(), *validRequest()})
	require.NoError(t, err)

	assert.Equal(t, BatchPartial, res.Status)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, core.KindRateLimited, res.Results[2].ErrorKind)
}
