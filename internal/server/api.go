// Package server implements the daybook HTTP API.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/daybook-io/daybook/internal/store"
)

// maxBodyBytes bounds ingest request bodies.
const maxBodyBytes = 16 * 1024 * 1024

// APIHandler handles HTTP API requests.
type APIHandler struct {
	store        store.Store
	tail         *TailHub
	backend      string
	lookbackDays int
	log          *slog.Logger
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(st store.Store, backend string, lookbackDays int, log *slog.Logger) *APIHandler {
	if log == nil {
		log = slog.Default()
	}
	if lookbackDays < 1 {
		lookbackDays = 30
	}
	return &APIHandler{
		store:        st,
		backend:      backend,
		lookbackDays: lookbackDays,
		log:          log,
	}
}

// SetTailHub wires the live-tail broadcaster.
func (h *APIHandler) SetTailHub(tail *TailHub) {
	h.tail = tail
}

// ServeHTTP routes API requests.
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "/records" && r.Method == http.MethodPost:
		h.postRecords(w, r)
	case path == "/records" && r.Method == http.MethodGet:
		h.getRecords(w, r)
	case strings.HasPrefix(path, "/records/"):
		id := strings.TrimPrefix(path, "/records/")
		if r.Method == http.MethodGet {
			h.getRecordByID(w, r, id)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(path, "/stats/") && r.Method == http.MethodGet:
		h.getStats(w, r, strings.TrimPrefix(path, "/stats/"))
	case path == "/health" && r.Method == http.MethodGet:
		h.writeJSON(w, map[string]string{"status": "ok", "backend": h.backend})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Ingest ---

// postRecords accepts one JSON record or an array of them. Records must
// carry actor, verb and object; records without a timestamp are stamped with
// the current UTC time so they stay reachable by range scans.
func (h *APIHandler) postRecords(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	var recs []store.Record
	single := trimmed[0] != '['
	if single {
		var rec store.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		recs = []store.Record{rec}
	} else {
		if err := json.Unmarshal(body, &recs); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}
	if len(recs) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, rec := range recs {
		if err := validateRecord(rec); err != nil {
			http.Error(w, fmt.Sprintf("record %d: %v", i, err), http.StatusBadRequest)
			return
		}
		if _, ok := rec["timestamp"]; !ok {
			rec["timestamp"] = now
		}
	}

	if single {
		res := h.store.AppendOne(r.Context(), recs[0], time.Time{})
		if !res.OK {
			w.WriteHeader(http.StatusInternalServerError)
			h.writeJSON(w, res)
			return
		}
		if h.tail != nil {
			h.tail.Broadcast(recs)
		}
		w.WriteHeader(http.StatusCreated)
		h.writeJSON(w, res)
		return
	}

	res := h.store.AppendBatch(r.Context(), recs)
	switch {
	case res.Failed == 0:
		if h.tail != nil {
			h.tail.Broadcast(recs)
		}
		w.WriteHeader(http.StatusCreated)
	case res.Succeeded > 0:
		w.WriteHeader(http.StatusMultiStatus)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
	h.writeJSON(w, res)
}

// validateRecord enforces the ingest schema. The storage core never looks at
// these fields; this check belongs to the HTTP boundary.
func validateRecord(rec store.Record) error {
	for _, field := range []string{"actor", "verb", "object"} {
		if _, ok := rec[field]; !ok {
			return fmt.Errorf("missing field %q", field)
		}
	}
	if s, ok := rec["timestamp"].(string); ok {
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			return fmt.Errorf("invalid timestamp %q", s)
		}
	}
	return nil
}

// --- Query ---

// getRecords streams a range scan as NDJSON.
func (h *APIHandler) getRecords(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	since, err := parseTimeParam(r.URL.Query().Get("since"), now)
	if err != nil {
		http.Error(w, "invalid since", http.StatusBadRequest)
		return
	}
	until, err := parseTimeParam(r.URL.Query().Get("until"), now)
	if err != nil {
		http.Error(w, "invalid until", http.StatusBadRequest)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	n := 0
	sc := h.store.ScanRange(r.Context(), since, until)
	for sc.Next() {
		if err := enc.Encode(sc.Record()); err != nil {
			return
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		h.log.Error("range scan failed", "error", err)
	}
	if sc.Dropped() > 0 {
		h.log.Debug("scan dropped malformed lines", "count", sc.Dropped())
	}
}

// getRecordByID linearly scans recent days for a record whose "id" field
// matches. Deliberately unindexed; the lookback bounds the cost.
func (h *APIHandler) getRecordByID(w http.ResponseWriter, r *http.Request, id string) {
	today := time.Now().UTC()
	for i := 0; i < h.lookbackDays; i++ {
		d := today.AddDate(0, 0, -i)
		sc := h.store.ScanRange(r.Context(), d, d)
		for sc.Next() {
			rec := sc.Record()
			if rid, ok := rec["id"].(string); ok && rid == id {
				h.writeJSON(w, rec)
				return
			}
		}
		if err := sc.Err(); err != nil {
			h.log.Error("id scan failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	http.Error(w, "record not found", http.StatusNotFound)
}

// getStats reports the shard inventory for one date.
func (h *APIHandler) getStats(w http.ResponseWriter, r *http.Request, dateStr string) {
	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		http.Error(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	stats, err := h.store.DateStats(r.Context(), date)
	if err != nil {
		h.log.Error("date stats failed", "date", dateStr, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if stats.Shards == nil {
		stats.Shards = []store.ShardStat{}
	}
	h.writeJSON(w, stats)
}

// parseTimeParam accepts RFC3339 timestamps or bare dates; empty means now.
func parseTimeParam(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}
