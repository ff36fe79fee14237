// Package pool implements the executor pool (C3): it lends and returns
// leases on sandboxed executors, enforces a maximum concurrency, and
// health-checks leases on acquire.
//
// Adapted from the teacher's ghostpool.PoolManager — the same pre-warm /
// acquire / scrub-or-destroy / replace lifecycle, generalized from Docker
// "ghost containers" to generic sandboxed Executors and given a
// generation-tagged slab so a lease from a torn-down executor can never be
// returned into a freshly created one's slot (see the "Arena/index" design
// note).
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Executor is a sandboxed process the dispatcher runs sessions against. It
// is a black box beyond this narrow surface — the pool never looks inside
// the protocol the dispatcher speaks to it.
type Executor interface {
	// Conn returns the full-duplex socket the session protocol runs over.
	Conn() SessionConn
	// Healthy reports whether the executor is still usable: its socket is
	// writable and it has not signaled shutdown.
	Healthy(ctx context.Context) bool
	// Close tears the executor down irrecoverably.
	Close() error
	// ID is a human-readable identifier for logs/metrics.
	ID() string
}

// SessionConn is the minimal full-duplex socket surface the session
// protocol needs from a leased executor.
type SessionConn interface {
	ReadLine(ctx context.Context) ([]byte, error)
	WriteLine(ctx context.Context, line []byte) error
	CloseWrite() error
	Close() error
}

// Factory creates a new Executor instance, e.g. by starting a sandboxed
// container and dialing its socket.
type Factory func(ctx context.Context) (Executor, error)

// slot is one slab entry: an executor plus the generation it was created
// under, so a Lease minted before a recycle can never be mistaken for one
// on the executor that replaced it.
type slot struct {
	executor   Executor
	generation uint64
}

// Lease is an exclusive, returnable permit to run one session against an
// executor. At most one session may be in flight per lease, and the lease
// must be resolved — returned or discarded — on every exit path of the
// caller.
type Lease struct {
	slot     slot
	pool     *Pool
	resolved bool
	mu       sync.Mutex
}

// Conn exposes the underlying executor's session socket.
func (l *Lease) Conn() SessionConn {
	return l.slot.executor.Conn()
}

// ID returns the leased executor's identifier, for logging.
func (l *Lease) ID() string {
	return l.slot.executor.ID()
}

// markResolved is idempotent so Release can be called more than once
// defensively from cleanup paths without double-counting.
func (l *Lease) markResolved() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolved {
		return false
	}
	l.resolved = true
	return true
}

// Pool lends and returns Leases on a bounded set of Executors.
type Pool struct {
	mu          sync.Mutex
	factory     Factory
	capacity    int
	minIdle     int
	available   chan slot
	outstanding int
	generation  uint64
	closed      bool
	logger      *slog.Logger
}

// Config configures a Pool.
type Config struct {
	Capacity int           // pool_capacity, max concurrent leases
	MinIdle  int           // pre-warmed executors kept ready
	Factory  Factory       // creates a fresh Executor
	Logger   *slog.Logger
}

// ErrPoolExhausted is returned when acquire's context is done before a
// lease becomes available.
type ErrPoolExhausted struct{ Cause error }

func (e *ErrPoolExhausted) Error() string { return fmt.Sprintf("executor pool unavailable: %v", e.Cause) }
func (e *ErrPoolExhausted) Unwrap() error  { return e.Cause }

// New creates a Pool and starts its background pre-warm maintainer.
func New(cfg Config) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		factory:   cfg.Factory,
		capacity:  cfg.Capacity,
		minIdle:   cfg.MinIdle,
		available: make(chan slot, cfg.Capacity),
		logger:    cfg.Logger,
	}
	if p.minIdle > 0 {
		go p.maintain()
	}
	return p
}

// Acquire blocks until a healthy lease is available or ctx is done. An
// unhealthy executor pulled from the idle set is replaced in the
// background and acquire tries again rather than handing out a dead lease.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		select {
		case s, ok := <-p.available:
			if !ok {
				return nil, &ErrPoolExhausted{Cause: fmt.Errorf("pool closed")}
			}
			if !s.executor.Healthy(ctx) {
				p.logger.Warn("discarding unhealthy executor on acquire", "executor_id", s.executor.ID())
				go p.replace(s.generation)
				continue
			}
			p.mu.Lock()
			p.outstanding++
			p.mu.Unlock()
			return &Lease{slot: s, pool: p}, nil
		case <-ctx.Done():
			return nil, &ErrPoolExhausted{Cause: ctx.Err()}
		default:
			// Nothing idle: create on demand up to capacity, else wait.
			if created, err := p.tryCreateOnDemand(ctx); err != nil {
				return nil, err
			} else if created {
				continue
			}
			select {
			case s, ok := <-p.available:
				if !ok {
					return nil, &ErrPoolExhausted{Cause: fmt.Errorf("pool closed")}
				}
				if !s.executor.Healthy(ctx) {
					go p.replace(s.generation)
					continue
				}
				p.mu.Lock()
				p.outstanding++
				p.mu.Unlock()
				return &Lease{slot: s, pool: p}, nil
			case <-ctx.Done():
				return nil, &ErrPoolExhausted{Cause: ctx.Err()}
			}
		}
	}
}

// tryCreateOnDemand creates a fresh executor synchronously if capacity
// allows, reporting whether one was created.
func (p *Pool) tryCreateOnDemand(ctx context.Context) (bool, error) {
	p.mu.Lock()
	total := p.outstanding + len(p.available)
	if total >= p.capacity || p.closed {
		p.mu.Unlock()
		return false, nil
	}
	p.generation++
	gen := p.generation
	p.mu.Unlock()

	executor, err := p.factory(ctx)
	if err != nil {
		return false, fmt.Errorf("create executor: %w", err)
	}
	p.available <- slot{executor: executor, generation: gen}
	return true, nil
}

// Release resolves a lease. With abnormal set (the session ended
// abnormally), the executor is torn down and replaced rather than reused.
// A lease released after Close is torn down as well.
func (p *Pool) Release(l *Lease, abnormal bool) {
	if !l.markResolved() {
		return
	}
	returned := false
	p.mu.Lock()
	p.outstanding--
	if !abnormal && !p.closed {
		select {
		case p.available <- l.slot:
			returned = true
		default:
			// Pool buffer is full (shouldn't happen given capacity sizing);
			// tear the executor down rather than leak it.
		}
	}
	p.mu.Unlock()

	if !returned {
		p.discardSlot(l.slot)
	}
}

func (p *Pool) discardSlot(s slot) {
	p.logger.Warn("discarding lease", "executor_id", s.executor.ID())
	if err := s.executor.Close(); err != nil {
		p.logger.Warn("error closing discarded executor", "executor_id", s.executor.ID(), "error", err)
	}
	go p.replace(s.generation)
}

// replace creates a new executor to backfill one that was torn down. The
// new slot carries a fresh generation so stale leases can't be confused
// with it.
func (p *Pool) replace(oldGeneration uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.generation++
	gen := p.generation
	p.mu.Unlock()

	executor, err := p.factory(ctx)
	if err != nil {
		p.logger.Warn("failed to replace executor", "previous_generation", oldGeneration, "error", err)
		return
	}
	select {
	case p.available <- slot{executor: executor, generation: gen}:
	default:
		executor.Close()
	}
}

// maintain keeps at least minIdle executors pre-warmed, mirroring the
// teacher's background pool maintainer.
func (p *Pool) maintain() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		closed := p.closed
		deficit := p.minIdle - len(p.available)
		total := p.outstanding + len(p.available)
		p.mu.Unlock()
		if closed {
			return
		}
		for i := 0; i < deficit && total+i < p.capacity; i++ {
			go func() {
				if _, err := p.tryCreateOnDemand(context.Background()); err != nil {
					p.logger.Warn("pre-warm failed", "error", err)
				}
			}()
		}
	}
}

// Stats reports current pool occupancy for the admin surface.
type Stats struct {
	Outstanding int `json:"outstanding"`
	Idle        int `json:"idle"`
	Capacity    int `json:"capacity"`
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Outstanding: p.outstanding, Idle: len(p.available), Capacity: p.capacity}
}

// Close stops accepting new executors and tears down every idle one. In
// flight leases are left for their callers to resolve.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.available)
	for s := range p.available {
		s.executor.Close()
	}
	return nil
}
