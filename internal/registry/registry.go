// Package registry tracks the workers known to one coordinator: those
// connected to it directly and the rosters reported by peer coordinators.
package registry

import (
	"maps"
	"slices"
	"sync"
	"time"

	"coordinator/internal/protocol"
)

// DefaultLivenessWindow is the maximum silence before a worker is presumed lost.
const DefaultLivenessWindow = 30 * time.Second

// Worker is a worker connected to this coordinator.
type Worker struct {
	Registration protocol.WorkerRegistration
	ConnID       string    // transport connection carrying the worker
	LastSeen     time.Time // last registration received
}

type roster struct {
	workers map[string]protocol.WorkerRegistration
	lease   time.Time
}

// Registry tracks local workers and peer rosters.
// Thread-safe: All methods are safe for concurrent access.
type Registry struct {
	mu     sync.RWMutex
	window time.Duration
	local  map[string]*Worker // by worker id
	remote map[string]roster  // by peer instance id
}

// New creates a registry. A non-positive window selects DefaultLivenessWindow.
func New(window time.Duration) *Registry {
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	return &Registry{
		window: window,
		local:  make(map[string]*Worker),
		remote: make(map[string]roster),
	}
}

// Window returns the liveness window.
func (r *Registry) Window() time.Duration {
	return r.window
}

// Register records or refreshes a local worker. It reports whether the
// worker was previously unknown.
func (r *Registry) Register(connID string, reg protocol.WorkerRegistration, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.local[reg.ID]
	r.local[reg.ID] = &Worker{Registration: reg, ConnID: connID, LastSeen: now}
	return !existed
}

// Unregister drops every worker carried by the closed connection and returns
// their ids.
func (r *Registry) Unregister(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, w := range r.local {
		if w.ConnID == connID {
			delete(r.local, id)
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	return removed
}

// ReplaceRemote replaces a peer's roster wholesale.
func (r *Registry) ReplaceRemote(peer string, workers []protocol.WorkerRegistration, lease time.Time) {
	byID := make(map[string]protocol.WorkerRegistration, len(workers))
	for _, w := range workers {
		byID[w.ID] = w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote[peer] = roster{workers: byID, lease: lease}
}

// Sweep drops local workers whose heartbeat is older than the liveness
// window and peer rosters whose lease has expired. It returns the ids of the
// dropped local workers.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for id, w := range r.local {
		if now.Sub(w.LastSeen) >= r.window {
			delete(r.local, id)
			stale = append(stale, id)
		}
	}
	for peer, ro := range r.remote {
		if !now.Before(ro.lease) {
			delete(r.remote, peer)
		}
	}
	slices.Sort(stale)
	return stale
}

// Live reports whether workerID appears in the local roster or in a peer
// roster whose lease has not expired.
func (r *Registry) Live(workerID string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.local[workerID]; ok {
		return true
	}
	for _, ro := range r.remote {
		if _, ok := ro.workers[workerID]; ok && now.Before(ro.lease) {
			return true
		}
	}
	return false
}

// Local returns the local worker with the given id.
func (r *Registry) Local(workerID string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.local[workerID]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// LocalRoster returns the registrations of local workers sorted by id.
func (r *Registry) LocalRoster() []protocol.WorkerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.WorkerRegistration, 0, len(r.local))
	for _, id := range slices.Sorted(maps.Keys(r.local)) {
		out = append(out, r.local[id].Registration)
	}
	return out
}

// Roster returns the union of local and unexpired peer rosters sorted by id.
func (r *Registry) Roster(now time.Time) []protocol.WorkerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	union := make(map[string]protocol.WorkerRegistration, len(r.local))
	for _, ro := range r.remote {
		if !now.Before(ro.lease) {
			continue
		}
		maps.Copy(union, ro.workers)
	}
	for id, w := range r.local {
		union[id] = w.Registration
	}

	out := make([]protocol.WorkerRegistration, 0, len(union))
	for _, id := range slices.Sorted(maps.Keys(union)) {
		out = append(out, union[id])
	}
	return out
}

// LocalCount returns the number of local workers.
func (r *Registry) LocalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local)
}
