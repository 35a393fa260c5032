package socket

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// appliedRetention is how long the outcome of a write is remembered.
// Retries of a sender arrive well within it.
const appliedRetention = 2 * time.Minute

// appliedWrite is the outcome of one write request. done is closed once resp is set.
type appliedWrite struct {
	done chan struct{}
	resp []byte
	at   time.Time
}

// applyOnce runs apply for the first copy of request id. Every later copy, e.g. a
// retry after an acknowledgement arrived too late, waits for that run and gets
// the same response, so a write is applied at most once.
func (t *Transport) applyOnce(id uuid.UUID, apply func() []byte) []byte {
	w, loaded := t.applied.LoadOrCompute(id, func() *appliedWrite {
		return &appliedWrite{done: make(chan struct{})}
	})
	if loaded {
		<-w.done
		log.Debugf("write %s was already applied, repeating its response", id)
		return w.resp
	}

	w.resp = apply()
	w.at = time.Now()
	close(w.done)
	return w.resp
}

// pruneApplied forgets outcomes older than appliedRetention until ctx ends
func (t *Transport) pruneApplied(ctx context.Context) {
	ticker := time.NewTicker(appliedRetention / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.applied.Range(func(id uuid.UUID, w *appliedWrite) bool {
				select {
				case <-w.done:
					if now.Sub(w.at) > appliedRetention {
						t.applied.Delete(id)
					}
				default: // still being applied
				}
				return true
			})
		}
	}
}
