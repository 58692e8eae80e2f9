package taskpool

import (
	"container/list"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

type sessionEntry struct {
	key        string
	workerID   int64
	lastAccess time.Time
}

// SessionRouter maps an opaque session key to a worker id, LRU-bounded at
// capacity and invalidated when the target worker dies. Implemented as a
// doubly-linked LRU (container/list) guarded by a single mutex, matching
// the teacher's pattern of a small self-contained registry type.
type SessionRouter struct {
	mu       sync.Mutex
	capacity int
	clock    clockz.Clock
	order    *list.List
	index    map[string]*list.Element
}

// NewSessionRouter builds an empty SessionRouter bounded at capacity entries.
func NewSessionRouter(capacity int, clock clockz.Clock) *SessionRouter {
	if capacity < 1 {
		capacity = 1
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &SessionRouter{
		capacity: capacity,
		clock:    clock,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Lookup returns the worker id mapped to key, if any, marking it as most
// recently used.
func (r *SessionRouter) Lookup(key string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.index[key]
	if !ok {
		return 0, false
	}
	entry := el.Value.(*sessionEntry)
	entry.lastAccess = r.clock.Now()
	r.order.MoveToFront(el)
	return entry.workerID, true
}

// Assign inserts or updates key's mapping to workerID, evicting the least
// recently used entry if the table is at capacity.
func (r *SessionRouter) Assign(key string, workerID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.index[key]; ok {
		entry := el.Value.(*sessionEntry)
		entry.workerID = workerID
		entry.lastAccess = r.clock.Now()
		r.order.MoveToFront(el)
		return
	}

	if r.order.Len() >= r.capacity {
		oldest := r.order.Back()
		if oldest != nil {
			r.order.Remove(oldest)
			delete(r.index, oldest.Value.(*sessionEntry).key)
		}
	}

	entry := &sessionEntry{key: key, workerID: workerID, lastAccess: r.clock.Now()}
	el := r.order.PushFront(entry)
	r.index[key] = el
}

// WorkerDied evicts every session mapped to workerID, used when the
// Supervisor marks a worker Dead so stale mappings never route a future
// task to a worker that no longer exists.
func (r *SessionRouter) WorkerDied(workerID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var toRemove []*list.Element
	for el := r.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*sessionEntry).workerID == workerID {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		r.order.Remove(el)
		delete(r.index, el.Value.(*sessionEntry).key)
	}
}

// Len reports the number of live session mappings.
func (r *SessionRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
