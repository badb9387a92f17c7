package service

import (
	"sync"
)

// stampedeTracker counts refreshes in progress per partition. A count above
// one means several requests missed the same bucket at once.
type stampedeTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{
		active: make(map[string]int),
	}
}

// Start records a refresh for key and returns the number now in progress.
// Callers defer Done(key).
func (st *stampedeTracker) Start(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.active[key]++
	return st.active[key]
}

// Done records completion of a refresh for key.
func (st *stampedeTracker) Done(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if count, ok := st.active[key]; ok && count > 0 {
		st.active[key]--
		if st.active[key] == 0 {
			delete(st.active, key)
		}
	}
}

// InProgress returns the refreshes currently running for key.
func (st *stampedeTracker) InProgress(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active[key]
}
