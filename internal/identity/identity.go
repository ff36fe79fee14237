// Package identity implements an optional, narrow SPIFFE identity check:
// it confirms an inbound caller's X.509 SVID belongs to the configured
// trust domain. It is not an authorization layer — membership in the
// trust domain is the only thing checked, matching the dispatcher's scope
// boundary of identity verification without a broader policy engine.
//
// Adapted from the teacher's identity.SPIFFEVerifier — the same
// workloadapi.X509Source connection and spiffeid parsing, narrowed from a
// per-agent SVID hash/mTLS helper to a single TrustDomain membership
// check invoked once per inbound message.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// Verifier checks that a caller's SPIFFE ID belongs to the configured
// trust domain.
type Verifier struct {
	source      *workloadapi.X509Source
	trustDomain spiffeid.TrustDomain
}

// New connects to the local SPIRE agent over socketPath and configures
// the verifier to accept only IDs in trustDomain.
func New(ctx context.Context, socketPath, trustDomain string) (*Verifier, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("invalid trust domain %q: %w", trustDomain, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		connectCtx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent at %s: %w", socketPath, err)
	}

	return &Verifier{source: source, trustDomain: td}, nil
}

// VerifyCallerID parses callerSpiffeID and reports whether it belongs to
// the configured trust domain. It does not consult the workload API's own
// SVID at all — the check is purely about the presented caller identity,
// so it stays usable even when called from a plain message-bus header
// rather than an mTLS handshake.
func (v *Verifier) VerifyCallerID(callerSpiffeID string) error {
	id, err := spiffeid.FromString(callerSpiffeID)
	if err != nil {
		return fmt.Errorf("invalid SPIFFE ID %q: %w", callerSpiffeID, err)
	}
	if id.TrustDomain() != v.trustDomain {
		return fmt.Errorf("SPIFFE ID %q is not in trust domain %q", callerSpiffeID, v.trustDomain)
	}
	return nil
}

// Close releases the workload API connection.
func (v *Verifier) Close() error {
	return v.source.Close()
}
