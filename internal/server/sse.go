package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/danshapiro/verdict/internal/pipeline/events"
)

// WriteSSE streams bus events to an HTTP response as Server-Sent Events.
// The first event is a status snapshot from snapshot, so late observers
// start from current state instead of replaying history. An event that cannot
// be encoded is logged and skipped.
func WriteSSE(w http.ResponseWriter, r *http.Request, bus *events.Broadcaster, snapshot func() events.Event, logger *log.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)

	// Subscribe before taking the snapshot so nothing published in between
	// is lost; a duplicate is harmless since every event carries the full run.
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	send := func(ev events.Event) bool {
		err := writeEvent(w, ev)
		var enc *encodeError
		if errors.As(err, &enc) {
			if logger != nil {
				logger.Printf("sse: dropping event: %v", err)
			}
			return true
		}
		if err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(snapshot()) {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				// Only emit "done" if the bus actually closed (vs. this
				// client being dropped for slowness).
				select {
				case <-sub.Done:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			if !send(ev) {
				return
			}
		}
	}
}

type encodeError struct {
	ev  events.Event
	err error
}

func (e *encodeError) Error() string {
	return fmt.Sprintf("encode %s event %s: %v", e.ev.Type, e.ev.ID, e.err)
}

func (e *encodeError) Unwrap() error { return e.err }

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return &encodeError{ev: ev, err: err}
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
