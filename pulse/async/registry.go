package async

import (
	"sync"
	"time"

	"github.com/teranos/reel/pulse/schedule"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100

	// registryPruneThreshold triggers pruning of old terminal entries
	registryPruneThreshold = 1024

	// registryRetention is how long terminal entries survive a prune
	registryRetention = time.Hour
)

// Entry is the latest known state of one job.
type Entry struct {
	TaskID      string          `json:"task_id"`
	Status      schedule.Status `json:"status"`
	FilePath    string          `json:"file_path,omitempty"`
	Diagnostics string          `json:"error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Registry is a process-local map of task id to latest status, used to
// answer status queries without a store round trip. The store stays the
// source of truth; losing the registry on restart is fine.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]Entry
	subscribers map[int]chan Entry
	nextSubID   int
	now         func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries:     make(map[string]Entry),
		subscribers: make(map[int]chan Entry),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Set records e and notifies subscribers.
func (r *Registry) Set(e Entry) {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = r.now()
	}

	r.mu.Lock()
	r.entries[e.TaskID] = e
	if len(r.entries) > registryPruneThreshold {
		r.pruneLocked(e.UpdatedAt.Add(-registryRetention))
	}
	r.notifyLocked(e)
	r.mu.Unlock()
}

// Get returns the entry for taskID.
func (r *Registry) Get(taskID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[taskID]
	return e, ok
}

// Delete forgets taskID.
func (r *Registry) Delete(taskID string) {
	r.mu.Lock()
	delete(r.entries, taskID)
	r.mu.Unlock()
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Subscribe returns a channel receiving every subsequent Set, and a cancel
// function that closes it. Slow subscribers miss updates rather than block
// workers.
func (r *Registry) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, SubscriberChannelBufferSize)

	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscribers, id)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *Registry) notifyLocked(e Entry) {
	for _, ch := range r.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// pruneLocked drops terminal entries last updated before cutoff.
func (r *Registry) pruneLocked(cutoff time.Time) {
	for id, e := range r.entries {
		if e.Status.IsTerminal() && e.UpdatedAt.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}
