// Package envelope implements the canonical Event Envelope (C1): the
// sole currency between the Event Store, the Event Bus/Command Router,
// the Durable Consumer, and the Runtime Engine.
//
// Unknown wire fields are preserved in Extensions and never interpreted
// by the core — this replaces the source's runtime field-probing with a
// concrete tagged struct plus an explicit escape hatch for forward
// compatibility (§9 "Runtime reflection over envelope fields").
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// SchemaVersion is fixed per §3.1 and §9's open question: no
// forward-migration strategy is defined, so this is never bumped here.
const SchemaVersion = "1.0"

// Recognized type namespaces. An envelope whose Type does not start
// with one of these is a contract violation (§7).
const (
	PrefixCommand = "cmd."
	PrefixEvent   = "evt."
	PrefixQuery   = "qry."
	PrefixReply   = "res."
)

// PrincipalType enumerates the security context's actor kind.
type PrincipalType string

const (
	PrincipalUser    PrincipalType = "user"
	PrincipalService PrincipalType = "service"
	PrincipalAgent   PrincipalType = "agent"
	PrincipalSystem  PrincipalType = "system"
)

// SecurityContext is stamped by a trusted upstream; the engine validates
// its shape but does not authenticate it.
type SecurityContext struct {
	PrincipalID   string        `json:"principal_id"`
	PrincipalType PrincipalType `json:"principal_type"`
}

// Actor free-form identifies the envelope's emitter.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Source identifies the originating component.
type Source struct {
	Agent   string `json:"agent"`
	Adapter string `json:"adapter"`
}

// Envelope is the immutable record carrying both command intents
// (cmd.*) and fact notifications (evt.*) per §3.1.
type Envelope struct {
	MessageID      string          `json:"message_id"`
	TS             int64           `json:"ts"`
	Type           string          `json:"type"`
	SchemaVersion  string          `json:"schema_version"`
	Tenant         string          `json:"tenant"`
	Workspace      string          `json:"workspace"`
	SecurityContext SecurityContext `json:"security_context"`
	Actor          Actor           `json:"actor"`
	Source         Source          `json:"source"`
	Payload        map[string]any  `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`

	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`

	EntityID        string `json:"entity_id,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`

	ReplyTo string `json:"reply_to,omitempty"`

	// Extensions carries unknown fields the core never interprets.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// NewMessageID generates a fresh, globally unique message ID for a
// newly minted envelope.
func NewMessageID() string { return uuid.New().String() }

// IsCommand reports whether the envelope's type is in the cmd.* namespace.
func (e *Envelope) IsCommand() bool { return strings.HasPrefix(e.Type, PrefixCommand) }

// IsEvent reports whether the envelope's type is in the evt.* namespace.
func (e *Envelope) IsEvent() bool { return strings.HasPrefix(e.Type, PrefixEvent) }

// TypeVerb returns the dot-separated parts of Type, e.g.
// "cmd.lock.acquire" -> ["cmd", "lock", "acquire"].
func (e *Envelope) TypeVerb() []string { return strings.Split(e.Type, ".") }

// KnownNamespace reports whether Type carries a recognized prefix.
func (e *Envelope) KnownNamespace() bool {
	switch {
	case strings.HasPrefix(e.Type, PrefixCommand),
		strings.HasPrefix(e.Type, PrefixEvent),
		strings.HasPrefix(e.Type, PrefixQuery),
		strings.HasPrefix(e.Type, PrefixReply):
		return true
	default:
		return false
	}
}

// Canonical serializes the envelope to canonical JSON: lexicographically
// sorted keys, UTF-8, no insignificant whitespace, byte-equal output for
// byte-equal input (§3.1's serialization invariant). It uses the real
// RFC 8785 (JSON Canonicalization Scheme) implementation rather than a
// hand-rolled key sort, since JCS is exactly this invariant's contract.
func (e *Envelope) Canonical() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize: %w", err)
	}
	return canonical, nil
}

// Clone returns a deep-enough copy safe for a caller to mutate without
// affecting the original (payload and extensions maps are copied;
// ExpectedVersion is copied by value through a fresh pointer).
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	if e.Extensions != nil {
		c.Extensions = make(map[string]any, len(e.Extensions))
		for k, v := range e.Extensions {
			c.Extensions[k] = v
		}
	}
	if e.ExpectedVersion != nil {
		v := *e.ExpectedVersion
		c.ExpectedVersion = &v
	}
	return &c
}
