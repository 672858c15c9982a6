package agent

import (
	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
)

// Adapter is the contract every hosted agent implements. It must be
// pure and deterministic given its current State and the inputs it is
// handed — no direct I/O, no wall-clock reads outside Tick's injected
// `now`, per §4.5's purity requirement.
//
// Decide corresponds to the source's receive(): given a validated
// command envelope, it returns the events that would result, without
// mutating state. Apply is the only place State may change, whether
// driven by a freshly decided event or by a replayed one. This split
// is what lets Engine.Replay reconstruct state purely from history.
type Adapter interface {
	// Decide processes a single inbound command and returns the events
	// it produces. It MUST be idempotent with respect to
	// envelope.IdempotencyKey and MUST NOT mutate the adapter's state;
	// the engine calls Apply separately once the decision is committed.
	Decide(cmd *envelope.Envelope) ([]*envelope.Envelope, error)

	// Apply commits a single event to the adapter's state. Called both
	// for freshly decided events (within the same commit boundary as
	// Decide) and during Engine.Replay, so it must be referentially
	// transparent: the same event applied to the same prior state
	// always yields the same next state.
	Apply(evt *envelope.Envelope) error

	// Tick runs time-based logic (retries, timeouts, lease expiry) and
	// returns any events that result. now is injected by the engine,
	// never read from the wall clock directly, to keep Tick
	// deterministic under replay and test.
	Tick(nowMS int64) ([]*envelope.Envelope, error)

	// State returns the adapter's current snapshot. Callers must treat
	// the result as read-only; implementations should return a Clone
	// when in doubt.
	State() *State

	// Health reports the adapter's operational status.
	Health() HealthStatus
}

// AgentID identifies an Adapter within a (tenant, workspace) scope for
// routing and subject-namespace purposes.
type AgentID = string
