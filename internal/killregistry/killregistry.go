// Package killregistry implements the kill registry (C6): a process-wide,
// in-memory map from an in-flight execution id to the one-shot handle that
// cancels it.
//
// Adapted from the teacher's escrow.KillSwitch — the same single-mutex,
// map-of-records shape — reshaped from named agent/tenant bans into
// per-execution one-shot cancellation, matching the original source's
// `kill_senders: Arc<Mutex<HashMap<ExecutionId, oneshot::Sender<()>>>>`.
package killregistry

import (
	"log/slog"
	"sync"

	"github.com/systeminit/veritech/internal/core"
)

// handle is the registered cancellation channel for one execution, plus a
// guard so Kill only ever closes it once even under concurrent callers.
type handle struct {
	cancel chan struct{}
	once   sync.Once
}

// Registry is the process-wide kill registry. The zero value is not ready
// to use; construct with New.
type Registry struct {
	mu      sync.Mutex
	entries map[core.ExecutionId]*handle
	logger  *slog.Logger
}

// New returns an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[core.ExecutionId]*handle),
		logger:  logger,
	}
}

// Register installs a fresh cancellation channel for id and returns it to
// the caller, who should select on it alongside the session and the
// timeout. Registering the same id twice silently replaces the previous
// entry — the prior handle is left dangling for whoever still holds it,
// matching the "collision replaces silently" behavior of the source this
// registry is modeled on.
func (r *Registry) Register(id core.ExecutionId) <-chan struct{} {
	h := &handle{cancel: make(chan struct{})}
	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.logger.Warn("kill registry collision, replacing existing entry", "execution_id", id.String())
	}
	r.entries[id] = h
	r.mu.Unlock()
	return h.cancel
}

// Kill signals cancellation for id, if it is currently registered. Kill is
// idempotent: repeated calls for the same id, or a call after the
// execution has already finished and deregistered, are both safe no-ops.
// A Kill that arrives before the matching Register is dropped — there is
// nothing to cancel yet and the registry does not buffer kill intents.
func (r *Registry) Kill(id core.ExecutionId) bool {
	r.mu.Lock()
	h, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.once.Do(func() { close(h.cancel) })
	return true
}

// Deregister removes id's entry, whether or not it was ever killed. Callers
// must deregister on every terminal path — success, failure, or kill — so
// the map never grows unbounded and a stale id can't later collide with a
// reused one.
func (r *Registry) Deregister(id core.ExecutionId) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Contains reports whether id currently has a registered handle. Exposed
// for the admin surface and tests; not used on the dispatch hot path.
func (r *Registry) Contains(id core.ExecutionId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Len reports the number of currently registered executions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
