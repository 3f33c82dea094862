package engine

import (
	"sync"
	"time"
)

// timerTable schedules at most one pending callback per key, replacing
// any earlier one. Used for both move clocks (key = session id) and
// abandon grace (key = session id + user id).
type timerTable struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimerTable() *timerTable {
	return &timerTable{timers: make(map[string]*time.Timer)}
}

func (t *timerTable) schedule(key string, d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[key]; ok {
		old.Stop()
	}
	t.timers[key] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, key)
		t.mu.Unlock()
		fire()
	})
}

func (t *timerTable) cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[key]; ok {
		old.Stop()
		delete(t.timers, key)
	}
}

func (t *timerTable) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, tm := range t.timers {
		tm.Stop()
		delete(t.timers, k)
	}
}
