package scheduler

import (
	"sort"
	"sync"
)

// TaskLocks provides per-task mutual exclusion for multi-task updates such as
// a correctness-loop round. Each task ID gets its own mutex, so rounds over
// disjoint tasks proceed concurrently while overlapping rounds serialize.
type TaskLocks struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*lockEntry // Per-task mutexes
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewTaskLocks creates an empty TaskLocks.
func NewTaskLocks() *TaskLocks {
	return &TaskLocks{
		locks: make(map[string]*lockEntry),
	}
}

// Lock acquires the mutexes for every given task ID and returns a function
// that releases them. IDs are deduplicated and locked in sorted order so two
// callers with overlapping sets can never deadlock.
func (l *TaskLocks) Lock(ids ...string) (unlock func()) {
	sorted := uniqueSorted(ids)

	l.mu.Lock()
	entries := make([]*lockEntry, len(sorted))
	for i, id := range sorted {
		e, ok := l.locks[id]
		if !ok {
			e = &lockEntry{}
			l.locks[id] = e
		}
		e.refs++
		entries[i] = e
	}
	l.mu.Unlock()

	// Acquire outside the manager lock to avoid contention
	for _, e := range entries {
		e.mu.Lock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(entries) - 1; i >= 0; i-- {
				entries[i].mu.Unlock()
			}
			l.release(sorted)
		})
	}
}

// release drops map entries nobody holds or waits on any more.
func (l *TaskLocks) release(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		e, ok := l.locks[id]
		if !ok {
			continue
		}
		e.refs--
		if e.refs == 0 {
			delete(l.locks, id)
		}
	}
}

// Len returns the number of task IDs currently locked or awaited.
func (l *TaskLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
