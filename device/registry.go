package device

import (
	"sync"
	"time"

	"s9_miner/job"
)

const (
	// WorkIDCount is the size of the hardware work id space
	WorkIDCount = 128
	// Storing an id expires the entry this far ahead of it in the ring
	workIDExpireOffset = WorkIDCount / 2
)

// HWWork is a work item as it was sent to a chain.
type HWWork struct {
	ID     uint32
	Work   *job.MiningWork
	SentAt time.Time
	seen   map[uint64]struct{}
}

func solutionKey(sol *job.MiningWorkSolution) uint64 {
	return uint64(sol.Nonce)<<8 | uint64(sol.MidstateIdx&0xff)
}

// MarkSeen records the solution and reports whether it was seen before.
func (my *HWWork) MarkSeen(sol *job.MiningWorkSolution) bool {
	key := solutionKey(sol)
	if _, ok := my.seen[key]; ok {
		return true
	}
	my.seen[key] = struct{}{}
	return false
}

// WorkRegistry maps hardware work ids back to the work sent under them.
// Ids wrap around; storing id N drops id N+64 so solutions for work still
// in flight resolve while old ones become stale.
type WorkRegistry struct {
	mx   sync.Mutex
	ring [WorkIDCount]*HWWork
}

func NewWorkRegistry() *WorkRegistry {
	return &WorkRegistry{}
}

func (my *WorkRegistry) Store(id uint32, w *job.MiningWork) {
	my.mx.Lock()
	defer my.mx.Unlock()

	id %= WorkIDCount
	my.ring[(id+workIDExpireOffset)%WorkIDCount] = nil
	my.ring[id] = &HWWork{
		ID:     id,
		Work:   w,
		SentAt: time.Now(),
		seen:   make(map[uint64]struct{}),
	}
}

// Find returns the work stored under id, nil when it expired.
func (my *WorkRegistry) Find(id uint32) *HWWork {
	my.mx.Lock()
	defer my.mx.Unlock()

	return my.ring[id%WorkIDCount]
}

// CheckDuplicate marks the solution seen on its work entry and reports
// whether it was seen before.
func (my *WorkRegistry) CheckDuplicate(w *HWWork, sol *job.MiningWorkSolution) bool {
	my.mx.Lock()
	defer my.mx.Unlock()

	return w.MarkSeen(sol)
}

// Len returns the number of live entries.
func (my *WorkRegistry) Len() int {
	my.mx.Lock()
	defer my.mx.Unlock()

	n := 0
	for _, w := range my.ring {
		if w != nil {
			n++
		}
	}
	return n
}

func (my *WorkRegistry) Clear() int {
	my.mx.Lock()
	defer my.mx.Unlock()

	n := 0
	for i, w := range my.ring {
		if w != nil {
			my.ring[i] = nil
			n++
		}
	}
	return n
}
