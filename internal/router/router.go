// Package router implements the inbound router (C8): it parses the
// message-bus subject and reply header off an inbound frame, classifies
// the request by its trailing subject token, and either hands it to the
// dispatcher or — for a kill request — calls the kill registry directly.
//
// Grounded on the original veritech-server's process_request: the same
// dot-subject splitting with a prefixed and an unprefixed layout, the same
// reply-inbox-header extraction, and the same short-circuit for kill
// requests (they never reach the dispatcher).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/systeminit/veritech/internal/core"
)

// KillSwitch is the narrow surface the router needs from the kill
// registry (C6): satisfied by both *killregistry.Registry and the
// Redis-backed broadcaster wrapping one.
type KillSwitch interface {
	Kill(id core.ExecutionId) bool
}

// CallerIDHeaderName carries the inbound caller's SPIFFE ID, when the
// deployment has the optional identity check enabled.
const CallerIDHeaderName = "X-Caller-Spiffe-Id"

// IdentityVerifier is the narrow surface the router needs from the
// optional SPIFFE identity check.
type IdentityVerifier interface {
	VerifyCallerID(callerSpiffeID string) error
}

// ReplyHeaderName is the header carrying the caller's reply address,
// matching the wire constant the original source names
// REPLY_INBOX_HEADER_NAME.
const ReplyHeaderName = "X-Reply-Inbox"

// Dispatch is the narrow surface the router needs from the dispatcher.
type Dispatch interface {
	Dispatch(ctx context.Context, req *core.Request, reply core.ReplyAddress)
}

// InboundMessage is one frame pulled off the message bus.
type InboundMessage struct {
	Subject string
	Headers map[string]string
	Payload []byte
}

// Router parses and routes inbound messages.
type Router struct {
	dispatcher       Dispatch
	killregistry     KillSwitch
	identity         IdentityVerifier   // nil when the identity check is disabled
	graceKill        GraceKillScheduler // nil when kill-after-grace-period is disabled
	subjectHasPrefix bool
	logger           *slog.Logger
}

// New builds a Router. subjectHasPrefix selects between the two subject
// layouts the bus may deliver under, matching the deployment's configured
// subject prefixing.
func New(dispatcher Dispatch, killreg KillSwitch, subjectHasPrefix bool, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{dispatcher: dispatcher, killregistry: killreg, subjectHasPrefix: subjectHasPrefix, logger: logger}
}

// WithIdentityVerifier attaches an optional caller-identity check: when
// set, every inbound message must carry a CallerIDHeaderName header naming
// a SPIFFE ID in the configured trust domain, checked before the request
// reaches the dispatcher or the kill registry.
func (r *Router) WithIdentityVerifier(v IdentityVerifier) *Router {
	r.identity = v
	return r
}

// WithGraceKillScheduler attaches a scheduler for kill requests that ask
// for "kill after grace period" rather than immediate termination. With
// no scheduler attached, every kill request fires immediately regardless
// of a requested grace period.
func (r *Router) WithGraceKillScheduler(s GraceKillScheduler) *Router {
	r.graceKill = s
	return r
}

// killPayload is the body of a kill-execution request. GraceSeconds, when
// greater than zero and a GraceKillScheduler is configured, defers the
// kill instead of firing it immediately.
type killPayload struct {
	ExecutionId  core.ExecutionId `json:"execution_id"`
	GraceSeconds int64            `json:"grace_seconds,omitempty"`
}

// killAck is the result Route returns for a kill request. Route does not
// publish it to the reply address; it is only returned to Route's caller.
type killAck struct {
	ExecutionId core.ExecutionId `json:"execution_id"`
	Found       bool             `json:"found"`
}

// Route parses msg and either invokes the dispatcher or resolves a kill
// request directly. The returned error is non-nil only for malformed or
// unroutable input; dispatcher-level failures are reported on the reply
// address, not returned here.
func (r *Router) Route(ctx context.Context, msg InboundMessage) (*killAck, error) {
	replyTo, ok := msg.Headers[ReplyHeaderName]
	if !ok || replyTo == "" {
		return nil, fmt.Errorf("no reply inbox provided")
	}
	reply := core.ReplyAddress(replyTo)

	if r.identity != nil {
		callerID := msg.Headers[CallerIDHeaderName]
		if err := r.identity.VerifyCallerID(callerID); err != nil {
			return nil, fmt.Errorf("caller identity check failed: %w", err)
		}
	}

	token, err := r.lastSubjectToken(msg.Subject)
	if err != nil {
		return nil, err
	}

	kind, ok := core.KindFromSubjectToken(token)
	if !ok {
		return nil, fmt.Errorf("invalid incoming subject: %s", msg.Subject)
	}

	if kind == core.KindKill {
		return r.routeKill(ctx, msg.Payload)
	}

	req, err := decodeRequest(kind, msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode request for subject %s: %w", msg.Subject, err)
	}

	r.dispatcher.Dispatch(ctx, req, reply)
	return nil, nil
}

// lastSubjectToken splits the dot-subject and returns its trailing token,
// after skipping the layout-dependent number of leading parts: a
// prefixed subject carries five leading parts (prefix, two fixed
// segments, workspace id, change set id) before the request token; an
// unprefixed one carries four (two fixed segments, workspace id, change
// set id).
func (r *Router) lastSubjectToken(subject string) (string, error) {
	parts := strings.Split(subject, ".")

	leading := 4
	if r.subjectHasPrefix {
		leading = 5
	}

	if len(parts) != leading+1 {
		return "", fmt.Errorf("invalid incoming subject: %s", subject)
	}
	return parts[len(parts)-1], nil
}

func (r *Router) routeKill(ctx context.Context, payload []byte) (*killAck, error) {
	var kp killPayload
	if err := json.Unmarshal(payload, &kp); err != nil {
		return nil, fmt.Errorf("decode kill payload: %w", err)
	}
	if !kp.ExecutionId.Valid() {
		return nil, fmt.Errorf("kill payload missing execution id")
	}

	if kp.GraceSeconds > 0 && r.graceKill != nil {
		grace := time.Duration(kp.GraceSeconds) * time.Second
		if err := r.graceKill.ScheduleDelayedKill(ctx, kp.ExecutionId, grace); err != nil {
			r.logger.Warn("failed to schedule delayed kill, killing immediately instead",
				"execution_id", kp.ExecutionId.String(), "error", err)
		} else {
			return &killAck{ExecutionId: kp.ExecutionId, Found: true}, nil
		}
	}

	found := r.killregistry.Kill(kp.ExecutionId)
	return &killAck{ExecutionId: kp.ExecutionId, Found: found}, nil
}

// decodeRequest unmarshals payload into a core.Request tagged with kind.
// The wire payload shape is uniform across kinds; only the executor's
// interpretation of Arguments differs by kind, which the dispatcher never
// needs to know.
func decodeRequest(kind core.ExecutionKind, payload []byte) (*core.Request, error) {
	var req core.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if !req.ExecutionId.Valid() {
		return nil, fmt.Errorf("request missing execution id")
	}
	req.Kind = kind
	return &req, nil
}
