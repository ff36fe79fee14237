// Package dispatcher implements the central dispatcher (C7): for each
// inbound request it leases an executor, decrypts, runs the session over
// the lease while streaming progress, races the session against a global
// timeout and a kill signal, and publishes exactly one terminal result.
//
// Grounded directly on the original veritech-server's dispatch_request and
// its tokio::select! race of (session, timeout, kill_receiver), adapted
// from async-Rust futures onto Go channels and goroutines: a select over
// a done channel fed by the session goroutine, a time.Timer timeout
// channel, and the kill registry's cancel channel, with the same tie-break
// order encoded explicitly rather than left to the runtime's random
// selection among ready cases.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/systeminit/veritech/internal/core"
	"github.com/systeminit/veritech/internal/decryptor"
	"github.com/systeminit/veritech/internal/killregistry"
	"github.com/systeminit/veritech/internal/pool"
	"github.com/systeminit/veritech/internal/sensitive"
	"github.com/systeminit/veritech/internal/sessionproto"
)

// Publisher is the narrow surface the dispatcher needs from C5, satisfied
// by *publisher.Publisher and by adminapi's debug-stream tee around it.
// FinalizeOutput must be called exactly once, before PublishTerminal, on
// every exit path; implementations make repeat calls for the same
// execution id a no-op so callers on more than one path can each call it
// unconditionally.
type Publisher interface {
	PublishOutput(ctx context.Context, addr core.ReplyAddress, out core.Output) error
	FinalizeOutput(ctx context.Context, addr core.ReplyAddress, id core.ExecutionId) error
	PublishTerminal(ctx context.Context, addr core.ReplyAddress, result core.TerminalResult) error
}

// InFlightMetric is the narrow surface the dispatcher needs from the
// metrics package: an in-flight execution gauge tagged by kind, plus a
// terminal-outcome recorder for the execution counter/histogram.
type InFlightMetric interface {
	Inc(kind core.ExecutionKind)
	Dec(kind core.ExecutionKind)
	RecordOutcome(kind core.ExecutionKind, outcome string, durationSeconds float64)
}

// noopMetric is used when the caller doesn't wire a real metric sink.
type noopMetric struct{}

func (noopMetric) Inc(core.ExecutionKind)                           {}
func (noopMetric) Dec(core.ExecutionKind)                           {}
func (noopMetric) RecordOutcome(core.ExecutionKind, string, float64) {}

// AuditSink is the narrow surface the dispatcher needs from the optional
// Postgres audit log: one append per terminal result. It is never on the
// hot path — a non-nil error is logged and otherwise ignored.
type AuditSink interface {
	RecordTerminal(ctx context.Context, kind core.ExecutionKind, result core.TerminalResult) error
}

// Dispatcher wires C1-C6 together per the central algorithm.
type Dispatcher struct {
	pool      *pool.Pool
	decryptor *decryptor.Decryptor
	killreg   *killregistry.Registry
	publisher Publisher
	metric    InFlightMetric
	audit     AuditSink // nil when the audit sink is disabled
	timeout   time.Duration
	logger    *slog.Logger
}

// Config configures a Dispatcher.
type Config struct {
	Pool      *pool.Pool
	Decryptor *decryptor.Decryptor
	KillReg   *killregistry.Registry
	Publisher Publisher
	Metric    InFlightMetric
	Audit     AuditSink
	Timeout   time.Duration // global per-execution timeout; 0 disables the timeout race leg
	Logger    *slog.Logger
}

// New builds a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Metric == nil {
		cfg.Metric = noopMetric{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		pool:      cfg.Pool,
		decryptor: cfg.Decryptor,
		killreg:   cfg.KillReg,
		publisher: cfg.Publisher,
		metric:    cfg.Metric,
		audit:     cfg.Audit,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}
}

// Dispatch runs one request to completion, per the central algorithm.
// ctx governs the surrounding request lifecycle (e.g. process shutdown);
// it is not the per-execution timeout, which is this Dispatcher's own
// configured duration.
func (d *Dispatcher) Dispatch(ctx context.Context, req *core.Request, reply core.ReplyAddress) {
	logger := d.logger.With("execution_id", req.ExecutionId.String(), "kind", string(req.Kind))
	startedAt := core.Now()
	recordOutcome := func(outcome string) {
		d.metric.RecordOutcome(req.Kind, outcome, core.Now().Sub(startedAt).Seconds())
	}

	// Step 1: acquire a lease.
	lease, err := d.pool.Acquire(ctx)
	if err != nil {
		logger.Warn("pool unavailable", "error", err)
		d.publishTerminal(ctx, req.Kind, reply, core.Failure(req.ExecutionId, core.FailurePoolUnavailable, err.Error()))
		recordOutcome(string(core.FailurePoolUnavailable))
		return
	}

	// Step 2: increment in-flight metric.
	d.metric.Inc(req.Kind)
	leaseAbnormal := false // flipped to true only on the genuinely abnormal exits
	defer func() {
		d.metric.Dec(req.Kind)
		d.pool.Release(lease, leaseAbnormal)
	}()

	// Step 3: decrypt.
	sensitives := sensitive.New()
	if req.HasEncryptedFields() {
		if err := d.decryptor.Decrypt(req, sensitives); err != nil {
			logger.Warn("decrypt failed", "error", err)
			d.publishTerminal(ctx, req.Kind, reply, core.Failure(req.ExecutionId, core.FailureDecryptFailed, err.Error()))
			recordOutcome(string(core.FailureDecryptFailed))
			return
		}
	}

	// Step 4: publisher is already constructed (d.publisher), bound to reply per call.

	// Step 5: install a kill handle.
	killCh := d.killreg.Register(req.ExecutionId)
	defer d.killreg.Deregister(req.ExecutionId)

	// Step 6: race the session against timeout and kill.
	sessionDone := make(chan sessionOutcome, 1)
	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()
	go d.runSession(sessionCtx, lease, req, reply, sensitives, sessionDone)

	var timeoutCh <-chan time.Time
	if d.timeout > 0 {
		timer := time.NewTimer(d.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	outcome, res := d.race(sessionDone, timeoutCh, killCh)

	switch outcome {
	case outcomeSession:
		leaseAbnormal = res.err != nil
		if res.err != nil {
			failKind := core.FailurePeerClosed
			var dispatchErr *core.DispatchError
			if errors.As(res.err, &dispatchErr) {
				failKind = dispatchErr.Kind
			}
			logger.Warn("session failed", "error", res.err)
			d.publishTerminal(ctx, req.Kind, reply, core.Failure(req.ExecutionId, failKind, res.err.Error()))
			recordOutcome(string(failKind))
		} else {
			// On success the session goroutine itself already published
			// the terminal result as part of driving C4 to Terminal.
			if res.result != nil {
				d.recordAudit(ctx, req.Kind, *res.result)
			}
			recordOutcome("success")
		}
	case outcomeTimeout:
		leaseAbnormal = true
		logger.Warn("execution timed out", "timeout", d.timeout)
		cancelSession()
		d.publishTerminal(ctx, req.Kind, reply, core.Failure(req.ExecutionId, core.FailureTimeout, fmt.Sprintf("execution exceeded %s", d.timeout)))
		recordOutcome(string(core.FailureTimeout))
	case outcomeKilled:
		leaseAbnormal = true
		logger.Info("execution killed")
		cancelSession()
		d.publishTerminal(ctx, req.Kind, reply, core.Failure(req.ExecutionId, core.FailureKilled, "execution was killed"))
		recordOutcome(string(core.FailureKilled))
	}
}

// recordAudit appends a terminal result to the optional audit sink. It is
// never allowed to affect the execution's own outcome: a non-nil error is
// logged and otherwise ignored.
func (d *Dispatcher) recordAudit(ctx context.Context, kind core.ExecutionKind, result core.TerminalResult) {
	if d.audit == nil {
		return
	}
	if err := d.audit.RecordTerminal(ctx, kind, result); err != nil {
		d.logger.Warn("audit record failed", "execution_id", result.ExecutionId.String(), "error", err)
	}
}

type raceOutcome int

const (
	outcomeSession raceOutcome = iota
	outcomeTimeout
	outcomeKilled
)

// race selects among the three activities with the mandated tie-break
// order (a) session > (c) kill > (b) timeout: when more than one channel
// is simultaneously ready, Go's select already picks among them uniformly
// at random, so we poll session first with a non-blocking check before
// falling into the blocking three-way select, guaranteeing (a) wins any
// true tie instead of leaving it to chance. The kill and timeout branches
// re-check the session before returning, and the timeout branch also
// re-checks the kill channel, so (c) wins a tie with (b).
func (d *Dispatcher) race(sessionDone <-chan sessionOutcome, timeoutCh <-chan time.Time, killCh <-chan struct{}) (raceOutcome, sessionOutcome) {
	select {
	case res := <-sessionDone:
		return outcomeSession, res
	default:
	}

	select {
	case res := <-sessionDone:
		return outcomeSession, res
	case <-killCh:
		select {
		case res := <-sessionDone:
			return outcomeSession, res
		default:
		}
		return outcomeKilled, sessionOutcome{}
	case <-timeoutCh:
		select {
		case res := <-sessionDone:
			return outcomeSession, res
		default:
		}
		select {
		case <-killCh:
			return outcomeKilled, sessionOutcome{}
		default:
		}
		return outcomeTimeout, sessionOutcome{}
	}
}

type sessionOutcome struct {
	err    error
	result *core.TerminalResult // set only on the clean (a)-wins path, for audit
}

// runSession drives C4 from Idle to Terminal, forwarding each output frame
// to C5 in order (message redacted against sensitives, timestamp clamped),
// then publishing the terminal result itself on the (a)-wins path. A
// non-nil err on sessionDone signals the (a)-wins-with-failure case
// (PeerClosed / protocol violation), for which the caller still owns
// publishing the terminal failure.
func (d *Dispatcher) runSession(ctx context.Context, lease *pool.Lease, req *core.Request, reply core.ReplyAddress, sensitives *sensitive.Set, done chan<- sessionOutcome) {
	sess := sessionproto.New(req.ExecutionId, lease.Conn())

	if err := sess.Start(ctx, req); err != nil {
		done <- sessionOutcome{err: err}
		return
	}

	for {
		frame, err := sess.Next(ctx)
		if err != nil {
			done <- sessionOutcome{err: err}
			return
		}

		switch frame.Kind {
		case sessionproto.FrameKindOutput:
			if frame.Output != nil {
				out := *frame.Output
				out.Message = sensitives.Redact(out.Message)
				out.Timestamp = core.ClampTimestamp(out.Timestamp)
				if pubErr := d.publisher.PublishOutput(ctx, reply, out); pubErr != nil {
					// Edge policy: a publish failure does not kill the session.
					d.logger.Warn("publish output failed, continuing session",
						"execution_id", req.ExecutionId.String(), "error", pubErr)
				}
			}
		case sessionproto.FrameKindFinish:
			// no-op: the next read resolves to Terminal.
		case sessionproto.FrameKindTerminal:
			if ferr := d.publisher.FinalizeOutput(ctx, reply, req.ExecutionId); ferr != nil {
				d.logger.Warn("finalize_output failed", "execution_id", req.ExecutionId.String(), "error", ferr)
			}
			// Finishing -> Terminal: close the write half now that C4 has
			// reached its terminal phase. Failure to close is warned but
			// does not change the outcome already decided by the frame.
			if err := sess.CloseWriteHalf(); err != nil {
				d.logger.Warn("closing session write half failed", "execution_id", req.ExecutionId.String(), "error", err)
			}
			if frame.Terminal != nil {
				if pubErr := d.publisher.PublishTerminal(ctx, reply, *frame.Terminal); pubErr != nil {
					d.logger.Warn("publish terminal failed", "execution_id", req.ExecutionId.String(), "error", pubErr)
				}
			}
			done <- sessionOutcome{err: nil, result: frame.Terminal}
			return
		}
	}
}

// publishTerminal is used on every non-(a)-wins exit path and on the
// (a)-wins-with-failure path, where the dispatcher itself must synthesize
// the terminal frame because the session never reached one. It also
// records the synthesized result to the audit sink, mirroring what the
// session's own Terminal frame gets on the success path.
func (d *Dispatcher) publishTerminal(ctx context.Context, kind core.ExecutionKind, reply core.ReplyAddress, result core.TerminalResult) {
	if err := d.publisher.FinalizeOutput(ctx, reply, result.ExecutionId); err != nil {
		d.logger.Warn("finalize_output failed", "execution_id", result.ExecutionId.String(), "error", err)
	}
	if err := d.publisher.PublishTerminal(ctx, reply, result); err != nil {
		d.logger.Warn("failed to publish synthetic terminal result",
			"execution_id", result.ExecutionId.String(), "error", err)
	}
	d.recordAudit(ctx, kind, result)
}
