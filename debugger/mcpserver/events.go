// Copyright © 2018 The ELPS authors

package mcpserver

import (
	"sync"

	"github.com/luthersystems/svcdbg/debugger/events"
)

// recordedEvent is one entry of the recent_events result.
type recordedEvent struct {
	Seq   int            `json:"seq"`
	Event events.Name    `json:"event"`
	Data  events.Message `json:"data"`
}

// eventRing keeps the most recent notifications.
type eventRing struct {
	mu    sync.Mutex
	buf   []recordedEvent
	start int
	n     int
	seq   int
}

func newEventRing(size int) *eventRing {
	return &eventRing{buf: make([]recordedEvent, size)}
}

// add records m. It runs on the emitting goroutine.
func (r *eventRing) add(m events.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	rec := recordedEvent{Seq: r.seq, Event: m.EventName(), Data: m}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = rec
		r.n++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

// since returns up to limit events with a sequence number above after,
// oldest first. A limit of zero or less returns every match.
func (r *eventRing) since(after, limit int) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []recordedEvent{}
	for i := 0; i < r.n; i++ {
		rec := r.buf[(r.start+i)%len(r.buf)]
		if rec.Seq > after {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
