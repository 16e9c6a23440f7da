// Copyright © 2018 The ELPS authors

package debugger

import (
	"sync"

	"github.com/luthersystems/svcdbg/debugger/events"
)

// broadcaster fans notifications out to subscribers. Subscribers run on
// the emitting goroutine, usually a worker thread, so they must not block.
type broadcaster struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(events.Message)
}

func (b *broadcaster) subscribe(fn func(events.Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(events.Message))
	}
	id := b.next
	b.next++
	b.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) emit(m events.Message) {
	b.mu.RLock()
	fns := make([]func(events.Message), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}
