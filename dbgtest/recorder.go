// Copyright © 2018 The ELPS authors

package dbgtest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luthersystems/svcdbg/debugger"
	"github.com/luthersystems/svcdbg/debugger/events"
)

// Timeout bounds every wait of the recorder.
var Timeout = 5 * time.Second

// Recorder collects every notification emitted by a debugger.
type Recorder struct {
	mu     sync.Mutex
	msgs   []events.Message
	cancel func()
}

// Record subscribes a new Recorder to d. The subscription ends with the
// test.
func Record(t testing.TB, d *debugger.Debugger) *Recorder {
	r := &Recorder{}
	r.cancel = d.Subscribe(r.add)
	t.Cleanup(r.cancel)
	return r
}

func (r *Recorder) add(m events.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []events.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Message(nil), r.msgs...)
}

// Count returns the number of recorded notifications named name.
func (r *Recorder) Count(name events.Name) int {
	n := 0
	for _, m := range r.Messages() {
		if m.EventName() == name {
			n++
		}
	}
	return n
}

// Suspended returns the recorded stop notifications in order.
func (r *Recorder) Suspended() []events.Suspended {
	var out []events.Suspended
	for _, m := range r.Messages() {
		if s, ok := m.(events.Suspended); ok {
			out = append(out, s)
		}
	}
	return out
}

// Logs returns the recorded log notifications in order.
func (r *Recorder) Logs() []events.Log {
	var out []events.Log
	for _, m := range r.Messages() {
		if l, ok := m.(events.Log); ok {
			out = append(out, l)
		}
	}
	return out
}

// WaitSuspended waits for the n-th stop notification and returns it.
func (r *Recorder) WaitSuspended(t testing.TB, n int) events.Suspended {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.Suspended()) >= n }, Timeout, time.Millisecond,
		"waiting for stop %d", n)
	return r.Suspended()[n-1]
}

// WaitCount waits until at least n notifications named name arrived.
func (r *Recorder) WaitCount(t testing.TB, name events.Name, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Count(name) >= n }, Timeout, time.Millisecond,
		"waiting for %d %s notifications", n, name)
}
