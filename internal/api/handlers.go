package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/pulsestream/backend/internal/core"
	"github.com/pulsestream/backend/internal/ingestion"
	"github.com/pulsestream/backend/internal/multitenancy"
	"github.com/pulsestream/backend/internal/ratelimit"
)

// maxBodyBytes bounds request bodies before JSON decoding. Slightly above
// the payload cap so the envelope fits around a maximal payload.
const maxBodyBytes = 16 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return core.Wrap(core.KindInvalidEvent, "request body is not valid JSON", err)
	}
	return nil
}

// setRateHeaders exposes the tenant's current window on every ingest
// response, accepted or not.
func setRateHeaders(w http.ResponseWriter, rate *ratelimit.Result) {
	if rate == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rate.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rate.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(rate.ResetAfter/time.Second)))
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	tenant, err := multitenancy.TenantFromContext(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req ingestion.EventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.ingestion.Ingest(r.Context(), tenant, &req)
	if res != nil {
		setRateHeaders(w, res.Rate)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	tenant, err := multitenancy.TenantFromContext(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		Events []ingestion.EventRequest `json:"events"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.ingestion.IngestBatch(r.Context(), tenant, req.Events)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// A batch where every element failed still carries the per-item
	// results, but the envelope as a whole was not accepted.
	status := http.StatusOK
	if res.Status == ingestion.BatchFailed {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	tenant, err := multitenancy.TenantFromContext(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	ev, err := s.query.GetEvent(r.Context(), tenant.ID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleSearchEvents(w http.ResponseWriter, r *http.Request) {
	tenant, err := multitenancy.TenantFromContext(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.query.Search(r.Context(), tenant.ID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenant, err := multitenancy.TenantFromContext(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var window core.StatsWindow
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, core.E(core.KindInvalidEvent, "start is not a valid RFC 3339 time"))
			return
		}
		window.Start = ts
	}
	if v := q.Get("end"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, core.E(core.KindInvalidEvent, "end is not a valid RFC 3339 time"))
			return
		}
		window.End = ts
	}

	stats, err := s.query.Stats(r.Context(), tenant.ID, window)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleIngestionStats(w http.ResponseWriter, r *http.Request) {
	tenant, err := multitenancy.TenantFromContext(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	stats, err := s.query.IngestionStats(r.Context(), tenant.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// filterFromQuery maps search query parameters onto the domain filter.
func filterFromQuery(r *http.Request) (core.EventFilter, error) {
	q := r.URL.Query()
	filter := core.EventFilter{
		Type:     core.EventType(q.Get("event_type")),
		Severity: core.Severity(q.Get("severity")),
		Service:  q.Get("service"),
		Endpoint: q.Get("endpoint"),
		UserID:   q.Get("user_id"),
		Text:     q.Get("q"),
	}

	if filter.Type != "" && !core.ValidEventType(filter.Type) {
		return filter, core.E(core.KindInvalidEvent, "unknown event_type filter")
	}
	if filter.Severity != "" && !core.ValidSeverity(filter.Severity) {
		return filter, core.E(core.KindInvalidEvent, "unknown severity filter")
	}

	if v := q.Get("status_code"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			return filter, core.E(core.KindInvalidEvent, "status_code must be an integer")
		}
		filter.StatusCode = &code
	}
	if v := q.Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, core.E(core.KindInvalidEvent, "start is not a valid RFC 3339 time")
		}
		filter.Start = &ts
	}
	if v := q.Get("end"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, core.E(core.KindInvalidEvent, "end is not a valid RFC 3339 time")
		}
		filter.End = &ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, core.E(core.KindInvalidEvent, "limit must be an integer")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, core.E(core.KindInvalidEvent, "offset must be an integer")
		}
		filter.Offset = n
	}
	filter.Ascending = q.Get("order") == "asc"

	// tag filters arrive as tag.<key>=<value>
	for key, values := range q {
		if len(key) > 4 && key[:4] == "tag." && len(values) > 0 {
			if filter.Tags == nil {
				filter.Tags = make(map[string]string)
			}
			filter.Tags[key[4:]] = values[0]
		}
	}
	return filter, nil
}
