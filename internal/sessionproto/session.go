// Package sessionproto implements the dispatcher-executor session protocol
// (C4): a five-phase state machine — Idle, Started, Processing, Finishing,
// Terminal — run over a newline-delimited JSON stream on a leased
// executor's full-duplex socket.
//
// Adapted from the teacher's protocol.Session — the same mutex-guarded
// state field, sequence counters, and Touch/RecordMessage bookkeeping —
// generalized from the AOCS binary frame header to the wire's NDJSON frame
// envelope. The frame envelope itself is original to this protocol; the
// teacher's 110-byte fixed header does not fit a streamed, variable-length
// progress protocol, so only its state-machine discipline is carried over.
package sessionproto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/systeminit/veritech/internal/core"
)

// Phase is one state in the session's five-phase lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseStarted    Phase = "started"
	PhaseProcessing Phase = "processing"
	PhaseFinishing  Phase = "finishing"
	PhaseTerminal   Phase = "terminal"
)

// validTransition is the closed adjacency list of the state machine. Any
// frame that would move a session outside this table is a protocol
// violation.
var validTransition = map[Phase]map[Phase]bool{
	PhaseIdle:       {PhaseStarted: true},
	PhaseStarted:    {PhaseProcessing: true, PhaseFinishing: true},
	PhaseProcessing: {PhaseProcessing: true, PhaseFinishing: true},
	PhaseFinishing:  {PhaseTerminal: true},
	PhaseTerminal:   {},
}

// FrameKind tags the payload carried by a Frame.
type FrameKind string

const (
	FrameKindStart    FrameKind = "start"    // dispatcher -> executor: begin the request
	FrameKindOutput   FrameKind = "output"   // executor -> dispatcher: one progress line
	FrameKindFinish   FrameKind = "finish"   // executor -> dispatcher: no more output
	FrameKindTerminal FrameKind = "terminal" // executor -> dispatcher: final result
	FrameKindError    FrameKind = "error"    // either direction: protocol-level abort
)

// Frame is one NDJSON line exchanged over the session socket.
type Frame struct {
	Kind      FrameKind        `json:"kind"`
	Request   *core.Request    `json:"request,omitempty"`
	Output    *core.Output     `json:"output,omitempty"`
	Terminal  *core.TerminalResult `json:"terminal,omitempty"`
	ErrorText string           `json:"error,omitempty"`
}

// Conn is the minimal duplex line-stream a Session runs over; satisfied by
// pool.SessionConn.
type Conn interface {
	ReadLine(ctx context.Context) ([]byte, error)
	WriteLine(ctx context.Context, line []byte) error
	CloseWrite() error
	Close() error
}

// Session drives one request through the five phases against a leased
// executor connection. It is not safe for concurrent use by more than one
// goroutine driving frames, though Phase/Stats may be read concurrently.
type Session struct {
	mu    sync.RWMutex
	phase Phase
	conn  Conn

	executionID core.ExecutionId
	framesIn    int64
	framesOut   int64
	startedAt   time.Time
	lastFrameAt time.Time
}

// New creates a Session in PhaseIdle over conn.
func New(executionID core.ExecutionId, conn Conn) *Session {
	return &Session{
		phase:       PhaseIdle,
		conn:        conn,
		executionID: executionID,
	}
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// transition moves the session to next, rejecting any move the state
// table doesn't allow.
func (s *Session) transition(next Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validTransition[s.phase][next] {
		return core.NewDispatchError(core.FailureProtocolViolate,
			fmt.Errorf("illegal transition %s -> %s", s.phase, next))
	}
	s.phase = next
	s.lastFrameAt = core.Now()
	return nil
}

// Start sends the Started frame carrying req and moves the session from
// Idle to Started. It is the dispatcher's single write that kicks a
// session off.
func (s *Session) Start(ctx context.Context, req *core.Request) error {
	if err := s.transition(PhaseStarted); err != nil {
		return err
	}
	s.mu.Lock()
	s.startedAt = core.Now()
	s.mu.Unlock()
	return s.writeFrame(ctx, Frame{Kind: FrameKindStart, Request: req})
}

// Next reads and classifies the next frame from the executor, advancing
// the session's phase accordingly. Callers should loop on Next until it
// returns a Terminal-kind frame or an error.
func (s *Session) Next(ctx context.Context) (Frame, error) {
	line, err := s.conn.ReadLine(ctx)
	if err != nil {
		return Frame{}, core.NewDispatchError(core.FailurePeerClosed, fmt.Errorf("read session frame: %w", err))
	}

	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, core.NewDispatchError(core.FailureMalformed, fmt.Errorf("decode session frame: %w", err))
	}

	s.mu.Lock()
	s.framesIn++
	s.mu.Unlock()

	switch f.Kind {
	case FrameKindOutput:
		if err := s.transition(PhaseProcessing); err != nil {
			return Frame{}, err
		}
	case FrameKindFinish:
		if err := s.transition(PhaseFinishing); err != nil {
			return Frame{}, err
		}
	case FrameKindTerminal:
		// Finish is optional: an executor with nothing to stream may jump
		// straight from Started/Processing to Terminal once Finishing is
		// reachable from both.
		if s.Phase() == PhaseStarted || s.Phase() == PhaseProcessing {
			if err := s.transition(PhaseFinishing); err != nil {
				return Frame{}, err
			}
		}
		if err := s.transition(PhaseTerminal); err != nil {
			return Frame{}, err
		}
	case FrameKindError:
		return Frame{}, core.NewDispatchError(core.FailureStartFailed, fmt.Errorf("executor reported error: %s", f.ErrorText))
	default:
		return Frame{}, core.NewDispatchError(core.FailureMalformed, fmt.Errorf("unknown frame kind %q", f.Kind))
	}
	return f, nil
}

// writeFrame marshals and writes one frame, counting it for stats.
func (s *Session) writeFrame(ctx context.Context, f Frame) error {
	line, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode session frame: %w", err)
	}
	if err := s.conn.WriteLine(ctx, line); err != nil {
		return core.NewDispatchError(core.FailurePeerClosed, fmt.Errorf("write session frame: %w", err))
	}
	s.mu.Lock()
	s.framesOut++
	s.mu.Unlock()
	return nil
}

// Done reports whether the session has reached its terminal phase.
func (s *Session) Done() bool {
	return s.Phase() == PhaseTerminal
}

// CloseWriteHalf closes the dispatcher's write half of the session's
// connection once the session has reached PhaseTerminal. Per the
// Finishing -> Terminal transition, a failure to close is reported to the
// caller but is not fatal to the execution outcome already decided.
func (s *Session) CloseWriteHalf() error {
	return s.conn.CloseWrite()
}

// Close releases the underlying connection. It does not attempt a graceful
// half-close; callers that want one should CloseWriteHalf before Close.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Stats is a snapshot of session bookkeeping, for logs and the admin
// surface.
type Stats struct {
	ExecutionID core.ExecutionId `json:"execution_id"`
	Phase       Phase            `json:"phase"`
	FramesIn    int64            `json:"frames_in"`
	FramesOut   int64            `json:"frames_out"`
	StartedAt   time.Time        `json:"started_at"`
	LastFrameAt time.Time        `json:"last_frame_at"`
}

// Stats returns a snapshot of the session's bookkeeping fields.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		ExecutionID: s.executionID,
		Phase:       s.phase,
		FramesIn:    s.framesIn,
		FramesOut:   s.framesOut,
		StartedAt:   s.startedAt,
		LastFrameAt: s.lastFrameAt,
	}
}
