package store

import "sync"

// watcher registry for live event tails. Notifications are best-effort
// signals; a slow consumer misses intermediate seq values but can always
// catch up by reading the log.
type watchers struct {
	mu   sync.Mutex
	byID map[string]map[chan int64]struct{}
}

func newWatchers() *watchers {
	return &watchers{byID: make(map[string]map[chan int64]struct{})}
}

func (w *watchers) add(jobID string) chan int64 {
	ch := make(chan int64, 16)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.byID[jobID] == nil {
		w.byID[jobID] = make(map[chan int64]struct{})
	}
	w.byID[jobID][ch] = struct{}{}
	return ch
}

func (w *watchers) remove(jobID string, ch chan int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if set, ok := w.byID[jobID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(w.byID, jobID)
		}
	}
}

func (w *watchers) notify(jobID string, seq int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.byID[jobID] {
		select {
		case ch <- seq:
		default:
		}
	}
}

// WatchEvents returns a channel that receives the sequence number of each
// event appended to the job after the call, plus a function to stop
// watching. Delivery is best-effort; use ReadEvents to catch up.
func (s *Store) WatchEvents(jobID string) (<-chan int64, func()) {
	ch := s.watch.add(jobID)
	return ch, func() { s.watch.remove(jobID, ch) }
}
