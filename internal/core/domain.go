// Package core holds the shared types of the function-execution dispatcher:
// execution identifiers, request/frame wire shapes, and the error taxonomy
// used between the dispatcher and its collaborators.
package core

import (
	"fmt"
	"time"

	"github.com/systeminit/veritech/internal/decryptor"
)

// ExecutionId uniquely identifies one in-flight execution within the
// process. It is opaque and must be non-empty.
type ExecutionId string

// Valid reports whether the id can be used to key the kill registry.
func (id ExecutionId) Valid() bool {
	return id != ""
}

func (id ExecutionId) String() string {
	return string(id)
}

// ExecutionKind is the closed set of sub-commands the executor understands.
type ExecutionKind string

const (
	KindActionRun               ExecutionKind = "action-run"
	KindManagement              ExecutionKind = "management"
	KindResolver                ExecutionKind = "resolver"
	KindSchemaVariantDefinition ExecutionKind = "schema-variant-definition"
	KindValidation              ExecutionKind = "validation"
	KindKill                    ExecutionKind = "kill"
)

// subjectToken is the wire token used in the dot-subject for each kind;
// distinct from the kind's own string value.
var subjectToken = map[ExecutionKind]string{
	KindActionRun:               "actionrun",
	KindManagement:              "management",
	KindResolver:                "resolver",
	KindSchemaVariantDefinition: "schemavariantdefinition",
	KindValidation:              "validation",
	KindKill:                    "kill",
}

var tokenToKind = func() map[string]ExecutionKind {
	m := make(map[string]ExecutionKind, len(subjectToken))
	for k, v := range subjectToken {
		m[v] = k
	}
	return m
}()

// SubjectToken returns the dot-subject token for the kind.
func (k ExecutionKind) SubjectToken() string {
	return subjectToken[k]
}

// KindFromSubjectToken maps the last subject part back to an ExecutionKind.
// The ok result is false for any token outside the closed enumeration.
func KindFromSubjectToken(token string) (ExecutionKind, bool) {
	k, ok := tokenToKind[token]
	return k, ok
}

// EncryptedField is a base64-ciphertext field in an inbound request, sealed
// under the service's asymmetric public key.
type EncryptedField struct {
	Path       string `json:"path"`
	CipherText string `json:"cipher_text_base64"`
}

// RawArguments defers decoding of the kind-specific argument shape; the
// dispatcher never needs to interpret it, only forward it to the executor.
type RawArguments map[string]any

// Request is the kind-tagged record the dispatcher receives.
type Request struct {
	Kind            ExecutionKind     `json:"-"`
	ExecutionId     ExecutionId       `json:"execution_id"`
	Handler         string            `json:"handler"`
	CodeBase64      string            `json:"code_base64"`
	Arguments       RawArguments      `json:"arguments"`
	EncryptedFields []EncryptedField  `json:"encrypted_fields,omitempty"`
	Decrypted       map[string]string `json:"-"` // path -> plaintext, filled by the decryptor
}

// HasEncryptedFields reports whether decryption is required for this
// request. After a successful decrypt pass, EncryptedFields is cleared.
func (r *Request) HasEncryptedFields() bool {
	return len(r.EncryptedFields) > 0
}

// Fields, SetDecrypted, and ClearEncrypted satisfy decryptor.DecryptableRequest.

// Fields returns the encrypted fields awaiting decryption.
func (r *Request) Fields() []decryptor.Field {
	out := make([]decryptor.Field, len(r.EncryptedFields))
	for i, f := range r.EncryptedFields {
		out[i] = decryptor.Field{Path: f.Path, CipherText: f.CipherText}
	}
	return out
}

// SetDecrypted records the plaintext revealed for an encrypted field.
func (r *Request) SetDecrypted(path, plaintext string) {
	if r.Decrypted == nil {
		r.Decrypted = make(map[string]string)
	}
	r.Decrypted[path] = plaintext
}

// ClearEncrypted drops the encrypted-field list, enforcing the invariant
// that no encrypted field remains once decryption has run.
func (r *Request) ClearEncrypted() {
	r.EncryptedFields = nil
}

// Stream identifies which channel an OutputStream frame carries.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamReturn Stream = "return"
	StreamOutput Stream = "output"
)

// Level is the severity of an OutputStream frame.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Output is one progress line emitted by the executor while a session is in
// the Processing state.
type Output struct {
	ExecutionId ExecutionId    `json:"execution_id"`
	Stream      Stream         `json:"stream"`
	Level       Level          `json:"level"`
	Group       string         `json:"group,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Message     string         `json:"message"`
	Timestamp   int64          `json:"timestamp"`
}

// ClampTimestamp normalizes a raw, possibly negative, epoch-seconds value to
// the non-negative range the wire format requires.
func ClampTimestamp(raw int64) int64 {
	if raw < 0 {
		return 0
	}
	return raw
}

// NewOutput builds an Output with its timestamp clamped.
func NewOutput(id ExecutionId, stream Stream, level Level, message string, rawTimestamp int64) Output {
	return Output{
		ExecutionId: id,
		Stream:      stream,
		Level:       level,
		Message:     message,
		Timestamp:   ClampTimestamp(rawTimestamp),
	}
}

// FailureKind is the closed set of terminal-failure kinds a caller can
// observe on the reply address.
type FailureKind string

const (
	FailureDecryptFailed   FailureKind = "decrypt_failed"
	FailurePoolUnavailable FailureKind = "pool_unavailable"
	FailureStartFailed     FailureKind = "start_failed"
	FailurePeerClosed      FailureKind = "peer_closed"
	FailureProtocolViolate FailureKind = "protocol_violation"
	FailureTimeout         FailureKind = "timeout"
	FailureKilled          FailureKind = "killed"
	FailureMalformed       FailureKind = "malformed_payload"
)

// TerminalResult is the single terminal frame published for a request: one
// of a success payload (opaque, kind-specific) or a structured failure.
type TerminalResult struct {
	ExecutionId ExecutionId    `json:"execution_id"`
	Kind        string         `json:"kind"` // "success" | "failure"
	Payload     map[string]any `json:"payload,omitempty"`
	Error       *TerminalError `json:"error,omitempty"`
}

// TerminalError is the failure shape of a TerminalResult.
type TerminalError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Success builds a successful terminal result.
func Success(id ExecutionId, payload map[string]any) TerminalResult {
	return TerminalResult{ExecutionId: id, Kind: "success", Payload: payload}
}

// Failure builds a failed terminal result.
func Failure(id ExecutionId, kind FailureKind, message string) TerminalResult {
	return TerminalResult{ExecutionId: id, Kind: "failure", Error: &TerminalError{Kind: kind, Message: message}}
}

// DispatchError wraps an underlying error with the taxonomy kind from the
// error-handling design, so every exit path maps to one stable,
// externally-observable failure kind without a new exception type per site.
type DispatchError struct {
	Kind FailureKind
	Err  error
}

func (e *DispatchError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewDispatchError builds a DispatchError of the given kind.
func NewDispatchError(kind FailureKind, err error) *DispatchError {
	return &DispatchError{Kind: kind, Err: err}
}

// ReplyAddress is the opaque routing token the caller supplied for a
// request, valid only for that request's lifetime.
type ReplyAddress string

// Now is the single place session/publisher code asks for wall-clock time,
// so tests can fake it by swapping the package-level var.
var Now = time.Now
