// Copyright © 2018 The ELPS authors

package debugger

import (
	"context"
	"fmt"
	"sync"

	"github.com/luthersystems/svcdbg/debugger/events"
)

// Slot is the per-thread handle a host creates once for each worker
// goroutine. It carries the thread id and the session bound to the
// thread while at least one service runs on it.
type Slot struct {
	id      int
	name    string
	session *Session // guarded by the debugger's registry lock
}

// ThreadID returns the id assigned to the slot's thread.
func (s *Slot) ThreadID() int { return s.id }

// Name returns the thread name.
func (s *Slot) Name() string { return s.name }

// NewSlot registers a new thread. An empty name defaults to "Thread N".
func (d *Debugger) NewSlot(name string) *Slot {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextThreadID++
	if name == "" {
		name = fmt.Sprintf("Thread %d", d.nextThreadID)
	}
	return &Slot{id: d.nextThreadID, name: name}
}

// Enter starts a debuggable service on the slot's thread and returns the
// thread's session with the function that ends the service. The first
// service on a thread makes the thread visible to clients; a fresh
// session is created each time. The release function must run on every
// exit path, typically deferred; calling it more than once is harmless.
func (d *Debugger) Enter(slot *Slot, svc Service) (*Session, func()) {
	d.mu.Lock()
	sess := slot.session
	started := sess == nil
	if started {
		sess = newSession(d, slot.id, slot.name)
		slot.session = sess
		d.sessions = append(d.sessions, sess)
	}
	sess.retain++
	d.mu.Unlock()

	sess.pushService(svc)
	if started {
		sess.log.WithField("service", svc.Name).Debug("thread started")
		d.emit(events.Thread{ThreadID: slot.id, Name: slot.name, Reason: events.ThreadStarted})
	}
	var once sync.Once
	return sess, func() {
		once.Do(func() { d.release(slot, sess) })
	}
}

func (d *Debugger) release(slot *Slot, sess *Session) {
	sess.popService()
	d.mu.Lock()
	sess.retain--
	ended := sess.retain == 0
	if ended {
		for i, s := range d.sessions {
			if s == sess {
				d.sessions = append(d.sessions[:i], d.sessions[i+1:]...)
				break
			}
		}
		if slot.session == sess {
			slot.session = nil
		}
		if len(d.sessions) == 0 {
			d.refs.Clear()
		}
	}
	d.mu.Unlock()
	if ended {
		sess.log.Debug("thread exited")
		d.emit(events.Thread{ThreadID: slot.id, Name: slot.name, Reason: events.ThreadExited})
	}
}

// ActiveSessions returns a snapshot of the sessions of all threads that
// currently run a service.
func (d *Debugger) ActiveSessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	sessions := make([]*Session, len(d.sessions))
	copy(sessions, d.sessions)
	return sessions
}

// SessionForThread returns the active session of thread id.
func (d *Debugger) SessionForThread(id int) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if s.id == id {
			return s, true
		}
	}
	return nil, false
}

// ConnectDebugger records an attached client.
func (d *Debugger) ConnectDebugger() {
	d.mu.Lock()
	n := d.connected.Add(1)
	if n == 1 {
		close(d.attached)
	}
	d.mu.Unlock()
	d.logger.WithField("clients", n).Info("debugger connected")
}

// WaitConnected blocks until a client is attached. It reports false when
// ctx is done first.
func (d *Debugger) WaitConnected(ctx context.Context) bool {
	d.mu.Lock()
	attached := d.attached
	d.mu.Unlock()
	select {
	case <-attached:
		return true
	case <-ctx.Done():
		return false
	}
}

// DisconnectDebugger records a detached client. When the last client
// leaves, every breakpoint is deactivated, break-on-exception is turned
// off and every suspended thread is resumed.
func (d *Debugger) DisconnectDebugger() {
	d.disconnect(false)
}

// DisconnectAll detaches every client at once. The host calls it on
// shutdown so that no thread stays suspended.
func (d *Debugger) DisconnectAll() {
	d.disconnect(true)
}

func (d *Debugger) disconnect(all bool) {
	d.mu.Lock()
	if d.connected.Load() == 0 {
		d.mu.Unlock()
		return
	}
	var n int64
	if all {
		d.connected.Store(0)
	} else {
		n = d.connected.Add(-1)
	}
	var sessions []*Session
	if n == 0 {
		d.attached = make(chan struct{})
		sessions = make([]*Session, len(d.sessions))
		copy(sessions, d.sessions)
	}
	d.mu.Unlock()
	d.logger.WithField("clients", n).Info("debugger disconnected")
	if n > 0 {
		return
	}
	d.breakpoints.DeactivateAll()
	d.breakOnException.Store(false)
	for _, s := range sessions {
		s.forceResume()
	}
}

// Connected returns the number of attached clients.
func (d *Debugger) Connected() int {
	return int(d.connected.Load())
}

func (d *Debugger) nextScopeID() int {
	return int(d.scopeSeq.Add(1))
}

func threadError(id int) error {
	return fmt.Errorf("thread %d: %w", id, ErrThreadNotFound)
}
