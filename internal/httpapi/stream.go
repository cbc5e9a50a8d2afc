package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/pool"
)

const keepAliveInterval = 15 * time.Second

// Stream serves ledger records as Server-Sent Events. A reconnecting client
// sends Last-Event-ID (or ?since=) and first receives the buffered records
// after that sequence.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	lastID := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastID == "" {
		lastID = r.URL.Query().Get("since")
	}
	var last uint64
	if lastID != "" {
		v, err := strconv.ParseUint(lastID, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "last event id must be a non-negative integer")
			return
		}
		last = v
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading history so nothing committed in between is
	// lost; duplicates are filtered by sequence.
	ch := a.stream.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	for _, rec := range a.stream.Since(last) {
		if writeEvent(w, rec) {
			last = rec.Seq
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case rec, ok := <-ch:
			if !ok {
				return
			}
			obs.StreamDropped.Set(float64(a.stream.Dropped()))
			if rec.Seq <= last {
				continue
			}
			if writeEvent(w, rec) {
				last = rec.Seq
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, rec pool.Record) bool {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", rec.Seq, rec.Event.EventName(), payload)
	return true
}
