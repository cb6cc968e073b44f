package relay

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// flowLimiter caps concurrent deliveries per flow key. A flow's semaphore
// lives while at least one delivery holds it.
type flowLimiter struct {
	mu    sync.Mutex
	flows map[string]*flow
}

type flow struct {
	sem  *semaphore.Weighted
	refs int
}

func newFlowLimiter() *flowLimiter {
	return &flowLimiter{flows: make(map[string]*flow)}
}

// TryAcquire takes a slot of the flow without waiting. It reports false
// when the flow is saturated. The limit of the first holder sizes the flow.
func (l *flowLimiter) TryAcquire(key string, limit int) (func(), bool) {
	if limit <= 0 {
		limit = 1
	}

	l.mu.Lock()
	f, ok := l.flows[key]
	if !ok {
		f = &flow{sem: semaphore.NewWeighted(int64(limit))}
		l.flows[key] = f
	}
	f.refs++
	l.mu.Unlock()

	if !f.sem.TryAcquire(1) {
		l.unref(key, f)
		return nil, false
	}

	return func() {
		f.sem.Release(1)
		l.unref(key, f)
	}, true
}

func (l *flowLimiter) unref(key string, f *flow) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f.refs--
	if f.refs == 0 {
		delete(l.flows, key)
	}
}

// Len returns the number of active flows
func (l *flowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.flows)
}
