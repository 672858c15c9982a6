// Package engine implements the Runtime Engine (C7): the single
// orchestration loop that binds an Agent Adapter to the Event Store
// and Durable Transport, enforcing scope, idempotency, optimistic
// concurrency, and exactly-once effect over at-least-once delivery.
// Grounded on the original source's RuntimeEngine (core/engine.py).
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm/core/pkg/agent"
	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
	"github.com/Mindburn-Labs/helm/core/pkg/store"
	"github.com/Mindburn-Labs/helm/core/pkg/telemetry"
	"github.com/Mindburn-Labs/helm/core/pkg/tenants"
	"github.com/Mindburn-Labs/helm/core/pkg/transport"
)

// Kind discriminates a Process outcome, replacing the source's
// exception-driven control flow (§9 redesign flag "exceptions for
// control flow") with an explicit result the caller switches on.
type Kind int

const (
	OK Kind = iota
	ScopeViolation
	ContractViolation
	Conflict
	AdapterError
	Transient
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case ScopeViolation:
		return "SCOPE_VIOLATION"
	case ContractViolation:
		return "CONTRACT_VIOLATION"
	case Conflict:
		return "CONFLICT"
	case AdapterError:
		return "ADAPTER_ERROR"
	case Transient:
		return "TRANSIENT"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the result of Process: the discriminated kind plus the
// envelopes produced (if any) and, for non-OK kinds, the underlying
// error.
type Outcome struct {
	Kind    Kind
	Outputs []*envelope.Envelope
	Err     error
}

// deterministicTimeMS is the fixed clock value used when Config.Deterministic
// is set, matching the original source's _get_time_ms() stub so replay
// and property tests are reproducible.
const deterministicTimeMS int64 = 1234567890000

// Config scopes a single Engine instance to one (tenant, workspace, agent).
type Config struct {
	Tenant        string
	Workspace     string
	AgentID       string
	Deterministic bool
}

// Engine drives one Adapter. process() is serialized per instance via
// mu, matching §5's "per-engine mutex serializes Process invocations".
type Engine struct {
	cfg     Config
	adapter agent.Adapter
	store   store.EventStore
	bus     transport.Bus
	router  transport.Router
	tel     *telemetry.Provider
	logger  *slog.Logger

	mu             sync.Mutex
	processedKeys  map[string]struct{}
	isolation      *tenants.IsolationChecker
}

// New constructs an Engine. tel and logger may be nil: a nil tel
// disables spans and metrics, and a nil logger is replaced by
// slog.Default().
// The isolation checker runs as a second, independent verification
// layer on top of the store's own (tenant, workspace) scoping (§5
// "defense in depth"): every entity bump registers ownership, and any
// command whose entity_id was previously seen under a different scope
// is flagged even if it otherwise passed the ingress scope check.
func New(cfg Config, adapter agent.Adapter, st store.EventStore, bus transport.Bus, router transport.Router, tel *telemetry.Provider, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:           cfg,
		adapter:       adapter,
		store:         st,
		bus:           bus,
		router:        router,
		tel:           tel,
		logger:        logger.With("component", "engine", "tenant", cfg.Tenant, "workspace", cfg.Workspace, "agent", cfg.AgentID),
		processedKeys: make(map[string]struct{}),
		isolation:     tenants.NewIsolationChecker(),
	}
}

func (e *Engine) nowMS() int64 {
	if e.cfg.Deterministic {
		return deterministicTimeMS
	}
	return time.Now().UnixMilli()
}

func (e *Engine) scopedKey(idempotencyKey string) string {
	return e.cfg.Tenant + ":" + e.cfg.Workspace + ":" + idempotencyKey
}

// Replay rebuilds in-memory adapter state from the Event Store,
// terminating before the consumer starts, per §4.1 "replay() rebuilds
// in-memory adapter state from the Event Store on startup".
func (e *Engine) Replay(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	events, err := e.store.Replay(ctx, e.cfg.Tenant, e.cfg.Workspace, e.cfg.AgentID)
	if err != nil {
		return fmt.Errorf("engine: replay: %w", err)
	}

	for _, ev := range events {
		if ev.Tenant != e.cfg.Tenant || ev.Workspace != e.cfg.Workspace {
			e.logger.ErrorContext(ctx, "recovered event has invalid scope, skipping",
				"event_id", ev.MessageID, "event_tenant", ev.Tenant, "event_workspace", ev.Workspace)
			continue
		}
		if err := e.adapter.Apply(ev); err != nil {
			return fmt.Errorf("engine: replay apply %s: %w", ev.MessageID, err)
		}
		if ev.IdempotencyKey != "" {
			e.processedKeys[e.scopedKey(ev.IdempotencyKey)] = struct{}{}
		}
		if ev.EntityID != "" {
			e.isolation.RegisterEntity(e.cfg.Tenant, e.cfg.Workspace, ev.EntityID)
		}
	}
	e.logger.InfoContext(ctx, "replay complete", "events", len(events))
	return nil
}

// Process runs the six-step protocol of §4.1 for a single inbound
// envelope. Callers are responsible for acking the transport delivery
// based on the returned Outcome and error.
func (e *Engine) Process(ctx context.Context, in *envelope.Envelope) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	var span trace.Span
	if e.tel != nil {
		ctx, span = e.tel.Tracer().Start(ctx, "engine.process", trace.WithAttributes(
			attribute.String("agent.id", e.cfg.AgentID),
			attribute.String("event.type", in.Type),
			attribute.String("event.id", in.MessageID),
		))
		defer span.End()
	}
	start := e.nowMS()

	// 1. Ingress scope check.
	if in.Tenant != e.cfg.Tenant || in.Workspace != e.cfg.Workspace || in.SecurityContext.PrincipalID == "" {
		violation := e.buildSecurityViolation(in)
		if e.store != nil {
			if err := e.store.Append(ctx, e.cfg.Tenant, e.cfg.Workspace, in.IdempotencyKey, in, []*envelope.Envelope{violation}, nil); err != nil {
				e.recordSpanError(span, err)
				return Outcome{Kind: Transient, Err: fmt.Errorf("engine: persist violation: %w", err)}
			}
		}
		e.processedKeys[e.scopedKey(in.IdempotencyKey)] = struct{}{}
		if err := e.bus.Publish(ctx, subjectOrEmpty(violation), violation); err != nil {
			e.recordSpanError(span, err)
			return Outcome{Kind: Transient, Err: fmt.Errorf("engine: publish violation: %w", err)}
		}
		if e.tel != nil {
			e.tel.RecordViolation(ctx, e.cfg.AgentID, "scope_mismatch")
		}
		return Outcome{Kind: ScopeViolation, Outputs: []*envelope.Envelope{violation}}
	}

	// 1.5. Contract validation (§7 ContractViolation): missing required
	// fields, an unrecognized type namespace, an invalid principal_type,
	// or an unsupported schema_version. This runs before the
	// idempotency lookup specifically so a missing idempotency_key is
	// rejected here rather than silently colliding with every other
	// envelope that also has an empty key under this scope.
	if result := envelope.Validate(in); !result.Valid {
		violation := e.buildContractViolation(in, result)
		if e.store != nil {
			if err := e.store.Append(ctx, e.cfg.Tenant, e.cfg.Workspace, in.IdempotencyKey, in, []*envelope.Envelope{violation}, nil); err != nil {
				e.recordSpanError(span, err)
				return Outcome{Kind: Transient, Err: fmt.Errorf("engine: persist contract violation: %w", err)}
			}
		}
		e.processedKeys[e.scopedKey(in.IdempotencyKey)] = struct{}{}
		if err := e.bus.Publish(ctx, subjectOrEmpty(violation), violation); err != nil {
			e.recordSpanError(span, err)
			return Outcome{Kind: Transient, Err: fmt.Errorf("engine: publish contract violation: %w", err)}
		}
		if e.tel != nil {
			e.tel.RecordViolation(ctx, e.cfg.AgentID, "contract_violation")
		}
		return Outcome{Kind: ContractViolation, Outputs: []*envelope.Envelope{violation}}
	}

	// 2. Idempotency lookup.
	scoped := e.scopedKey(in.IdempotencyKey)
	if _, seen := e.processedKeys[scoped]; seen {
		return e.republish(ctx, span, in)
	}
	if e.store != nil {
		outputs, err := e.store.LookupOutputs(ctx, e.cfg.Tenant, e.cfg.Workspace, in.IdempotencyKey)
		if err == nil {
			e.processedKeys[scoped] = struct{}{}
			if e.tel != nil {
				e.tel.RecordIdempotencyHit(ctx, e.cfg.AgentID)
			}
			return e.publishAndAck(ctx, span, outputs, Kind(OK), true)
		}
		if err != store.ErrNotFound {
			e.recordSpanError(span, err)
			return Outcome{Kind: Transient, Err: fmt.Errorf("engine: idempotency lookup: %w", err)}
		}
	}

	if e.tel != nil {
		e.tel.RecordReceived(ctx, e.cfg.AgentID, in.Type)
	}

	// 2.5. Defense-in-depth isolation check: an entity_id seen before
	// under a different (tenant, workspace) is treated the same as the
	// ingress scope mismatch above, even though the envelope's own
	// tenant/workspace fields already passed step 1.
	if in.EntityID != "" {
		receipt := e.isolation.CheckAccess(e.cfg.Tenant, e.cfg.Workspace, []string{in.EntityID})
		if !receipt.Isolated {
			violation := e.buildSecurityViolation(in)
			violation.Payload["isolation_violations"] = receipt.Violations
			if e.store != nil {
				if err := e.store.Append(ctx, e.cfg.Tenant, e.cfg.Workspace, in.IdempotencyKey, in, []*envelope.Envelope{violation}, nil); err != nil {
					e.recordSpanError(span, err)
					return Outcome{Kind: Transient, Err: fmt.Errorf("engine: persist isolation violation: %w", err)}
				}
			}
			if err := e.bus.Publish(ctx, subjectOrEmpty(violation), violation); err != nil {
				e.recordSpanError(span, err)
				return Outcome{Kind: Transient, Err: fmt.Errorf("engine: publish isolation violation: %w", err)}
			}
			e.processedKeys[scoped] = struct{}{}
			if e.tel != nil {
				e.tel.RecordViolation(ctx, e.cfg.AgentID, "cross_scope_entity")
			}
			return Outcome{Kind: ScopeViolation, Outputs: []*envelope.Envelope{violation}}
		}
	}

	// 3. Optimistic concurrency check.
	if in.EntityID != "" && in.ExpectedVersion != nil {
		var current int64
		if e.store != nil {
			v, err := e.store.CurrentEntityVersion(ctx, e.cfg.Tenant, e.cfg.Workspace, e.cfg.AgentID, in.EntityID)
			if err != nil && err != store.ErrNotFound {
				e.recordSpanError(span, err)
				return Outcome{Kind: Transient, Err: fmt.Errorf("engine: current entity version: %w", err)}
			}
			current = v
		}
		if current != *in.ExpectedVersion {
			conflict := e.buildConflictEvent(in, current)
			if e.store != nil {
				if err := e.store.Append(ctx, e.cfg.Tenant, e.cfg.Workspace, in.IdempotencyKey, in, []*envelope.Envelope{conflict}, nil); err != nil {
					e.recordSpanError(span, err)
					return Outcome{Kind: Transient, Err: fmt.Errorf("engine: persist conflict: %w", err)}
				}
			}
			if err := e.bus.Publish(ctx, subjectOrEmpty(conflict), conflict); err != nil {
				e.recordSpanError(span, err)
				return Outcome{Kind: Transient, Err: fmt.Errorf("engine: publish conflict: %w", err)}
			}
			e.processedKeys[scoped] = struct{}{}
			return Outcome{Kind: Conflict, Outputs: []*envelope.Envelope{conflict}}
		}
	}

	// 4. Decide + persist + apply (one commit boundary).
	outputs, err := e.adapter.Decide(in)
	if err != nil {
		runtimeErr := e.buildRuntimeError(in, err)
		if e.store != nil {
			if serr := e.store.Append(ctx, e.cfg.Tenant, e.cfg.Workspace, in.IdempotencyKey, in, []*envelope.Envelope{runtimeErr}, nil); serr != nil {
				e.recordSpanError(span, serr)
				return Outcome{Kind: Transient, Err: fmt.Errorf("engine: persist runtime error: %w", serr)}
			}
		}
		if perr := e.bus.Publish(ctx, subjectOrEmpty(runtimeErr), runtimeErr); perr != nil {
			e.recordSpanError(span, perr)
			return Outcome{Kind: Transient, Err: fmt.Errorf("engine: publish runtime error: %w", perr)}
		}
		e.processedKeys[scoped] = struct{}{}
		e.recordSpanError(span, err)
		return Outcome{Kind: AdapterError, Outputs: []*envelope.Envelope{runtimeErr}, Err: err}
	}

	bumps := make([]store.EntityBump, 0, len(outputs))
	for i, o := range outputs {
		rewriteEgress(o, in)
		if o.EntityID != "" {
			if v, ok := entityVersionOf(o); ok {
				bumps = append(bumps, store.EntityBump{Agent: e.cfg.AgentID, EntityID: o.EntityID, Version: v})
			}
		}
		outputs[i] = o
	}

	if e.store != nil {
		if err := e.store.Append(ctx, e.cfg.Tenant, e.cfg.Workspace, in.IdempotencyKey, in, outputs, bumps); err != nil {
			e.recordSpanError(span, err)
			return Outcome{Kind: Transient, Err: fmt.Errorf("engine: commit: %w", err)}
		}
	}
	for _, b := range bumps {
		e.isolation.RegisterEntity(e.cfg.Tenant, e.cfg.Workspace, b.EntityID)
	}
	if err := e.adapter.Apply(in); err != nil {
		e.recordSpanError(span, err)
		return Outcome{Kind: Transient, Err: fmt.Errorf("engine: apply input: %w", err)}
	}
	for _, o := range outputs {
		if err := e.adapter.Apply(o); err != nil {
			e.recordSpanError(span, err)
			return Outcome{Kind: Transient, Err: fmt.Errorf("engine: apply output %s: %w", o.MessageID, err)}
		}
	}

	// 5. Publish side effects.
	if err := transport.PublishEgress(ctx, e.bus, e.router, outputs); err != nil {
		e.recordSpanError(span, err)
		return Outcome{Kind: Transient, Err: fmt.Errorf("engine: publish egress: %w", err)}
	}
	if e.tel != nil && len(outputs) > 0 {
		e.tel.RecordEmitted(ctx, e.cfg.AgentID, "mixed", len(outputs))
	}

	// 6. Acknowledge (the caller acks the transport delivery once this returns OK).
	e.processedKeys[scoped] = struct{}{}

	if e.tel != nil {
		e.tel.RecordDuration(ctx, e.cfg.AgentID, in.Type, time.Duration(e.nowMS()-start)*time.Millisecond)
	}
	return Outcome{Kind: OK, Outputs: outputs}
}

// republish handles the idempotency-hit path when the in-memory
// processedKeys cache already has the key but store.LookupOutputs
// hasn't been consulted (e.g. multiple deliveries within one process
// before a durable roundtrip) — it reads the stored outputs for the key
// and republishes them. With no store, or no stored entry for the key,
// it returns OK with no outputs.
func (e *Engine) republish(ctx context.Context, span trace.Span, in *envelope.Envelope) Outcome {
	if e.store == nil {
		return Outcome{Kind: OK, Outputs: nil}
	}
	outputs, err := e.store.LookupOutputs(ctx, e.cfg.Tenant, e.cfg.Workspace, in.IdempotencyKey)
	if err == store.ErrNotFound {
		return Outcome{Kind: OK, Outputs: nil}
	}
	if err != nil {
		e.recordSpanError(span, err)
		return Outcome{Kind: Transient, Err: fmt.Errorf("engine: idempotency republish lookup: %w", err)}
	}
	if e.tel != nil {
		e.tel.RecordIdempotencyHit(ctx, e.cfg.AgentID)
	}
	return e.publishAndAck(ctx, span, outputs, OK, true)
}

func (e *Engine) publishAndAck(ctx context.Context, span trace.Span, outputs []*envelope.Envelope, kind Kind, _ bool) Outcome {
	if err := transport.PublishEgress(ctx, e.bus, e.router, outputs); err != nil {
		e.recordSpanError(span, err)
		return Outcome{Kind: Transient, Err: fmt.Errorf("engine: republish: %w", err)}
	}
	return Outcome{Kind: kind, Outputs: outputs}
}

// Tick forwards the periodic timer hook to the adapter, under the same
// serialization lock as Process, per §4.1.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowMS()
	outputs, err := e.adapter.Tick(now)
	if err != nil {
		return fmt.Errorf("engine: tick: %w", err)
	}
	if len(outputs) == 0 {
		return nil
	}
	for _, o := range outputs {
		o.Tenant = e.cfg.Tenant
		o.Workspace = e.cfg.Workspace
	}
	if e.store != nil {
		bumps := make([]store.EntityBump, 0)
		for _, o := range outputs {
			if o.EntityID != "" {
				if v, ok := entityVersionOf(o); ok {
					bumps = append(bumps, store.EntityBump{Agent: e.cfg.AgentID, EntityID: o.EntityID, Version: v})
				}
			}
		}
		if err := e.store.Append(ctx, e.cfg.Tenant, e.cfg.Workspace, fmt.Sprintf("tick-%d", now), nil, outputs, bumps); err != nil {
			return fmt.Errorf("engine: tick persist: %w", err)
		}
	}
	for _, o := range outputs {
		if err := e.adapter.Apply(o); err != nil {
			return fmt.Errorf("engine: tick apply %s: %w", o.MessageID, err)
		}
	}
	if err := transport.PublishEgress(ctx, e.bus, e.router, outputs); err != nil {
		return fmt.Errorf("engine: tick publish: %w", err)
	}
	if e.tel != nil {
		e.tel.RecordEmitted(ctx, e.cfg.AgentID, "tick", len(outputs))
	}
	return nil
}

// StateHash is the determinism oracle (§9, original's get_state_hash):
// the SHA-256 of the canonical JSON of the adapter's state data.
func (e *Engine) StateHash() (string, error) {
	st := e.adapter.State()
	raw, err := json.Marshal(st.Data)
	if err != nil {
		return "", fmt.Errorf("engine: marshal state: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (e *Engine) recordSpanError(span trace.Span, err error) {
	if span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func subjectOrEmpty(e *envelope.Envelope) string {
	s, err := transport.Subject(e)
	if err != nil {
		return e.Type
	}
	return s
}

func entityVersionOf(e *envelope.Envelope) (int64, bool) {
	raw, ok := e.Payload["entity_version"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// rewriteEgress forces scope, lineage, and trace fields on an output
// envelope to match the triggering input, per §4.1 step 4's
// egress-scope rewrite — this is what prevents an adapter from
// spoofing another tenant or correlation chain.
func rewriteEgress(out, in *envelope.Envelope) {
	out.Tenant = in.Tenant
	out.Workspace = in.Workspace
	out.SecurityContext = in.SecurityContext
	out.CausationID = in.MessageID
	out.CorrelationID = in.CorrelationID
	out.TraceID = in.TraceID
	if out.TS == 0 {
		out.TS = in.TS
	}
}

func (e *Engine) buildSecurityViolation(in *envelope.Envelope) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:      fmt.Sprintf("evt-%s-violation", in.MessageID),
		TS:             e.nowMS(),
		Type:           "evt.security.violation",
		SchemaVersion:  envelope.SchemaVersion,
		Tenant:         e.cfg.Tenant,
		Workspace:      e.cfg.Workspace,
		SecurityContext: in.SecurityContext,
		Source:         envelope.Source{Agent: e.cfg.AgentID, Adapter: "engine"},
		Payload: map[string]any{
			"offending_tenant":    in.Tenant,
			"offending_workspace": in.Workspace,
			"offending_event_id":  in.MessageID,
		},
		IdempotencyKey: in.IdempotencyKey,
		CausationID:    in.MessageID,
		CorrelationID:  in.CorrelationID,
		TraceID:        in.TraceID,
	}
}

// buildContractViolation renders a failed envelope.Validate result as
// an audit event, per §7's "same as ScopeViolation with
// code=contract_violation".
func (e *Engine) buildContractViolation(in *envelope.Envelope, result *envelope.ValidationResult) *envelope.Envelope {
	errs := make([]string, 0, len(result.Errors))
	for _, verr := range result.Errors {
		errs = append(errs, verr.Error())
	}
	return &envelope.Envelope{
		MessageID:      fmt.Sprintf("evt-%s-contract-violation", in.MessageID),
		TS:             e.nowMS(),
		Type:           "evt.security.violation",
		SchemaVersion:  envelope.SchemaVersion,
		Tenant:         e.cfg.Tenant,
		Workspace:      e.cfg.Workspace,
		SecurityContext: in.SecurityContext,
		Source:         envelope.Source{Agent: e.cfg.AgentID, Adapter: "engine"},
		Payload: map[string]any{
			"code":                "contract_violation",
			"offending_event_id":  in.MessageID,
			"errors":              errs,
		},
		IdempotencyKey: in.IdempotencyKey,
		CausationID:    in.MessageID,
		CorrelationID:  in.CorrelationID,
		TraceID:        in.TraceID,
	}
}

func (e *Engine) buildConflictEvent(cmd *envelope.Envelope, currentVersion int64) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:      fmt.Sprintf("evt-%s-conflict", cmd.MessageID),
		TS:             e.nowMS(),
		Type:           fmt.Sprintf("evt.%s.conflict", e.cfg.AgentID),
		SchemaVersion:  envelope.SchemaVersion,
		Tenant:         e.cfg.Tenant,
		Workspace:      e.cfg.Workspace,
		SecurityContext: cmd.SecurityContext,
		Source:         envelope.Source{Agent: e.cfg.AgentID, Adapter: "engine"},
		Payload: map[string]any{
			"entity_id":        cmd.EntityID,
			"expected_version": *cmd.ExpectedVersion,
			"current_version":  currentVersion,
			"reason":           "version_mismatch",
		},
		IdempotencyKey: cmd.IdempotencyKey,
		CausationID:    cmd.MessageID,
		CorrelationID:  cmd.CorrelationID,
		TraceID:        cmd.TraceID,
		EntityID:       cmd.EntityID,
	}
}

func (e *Engine) buildRuntimeError(cmd *envelope.Envelope, cause error) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:      fmt.Sprintf("evt-%s-error", cmd.MessageID),
		TS:             e.nowMS(),
		Type:           "evt.runtime.error",
		SchemaVersion:  envelope.SchemaVersion,
		Tenant:         e.cfg.Tenant,
		Workspace:      e.cfg.Workspace,
		SecurityContext: cmd.SecurityContext,
		Source:         envelope.Source{Agent: e.cfg.AgentID, Adapter: "engine"},
		Payload: map[string]any{
			"error_code":        "ADAPTER_FAILURE",
			"message":           cause.Error(),
			"original_event_id": cmd.MessageID,
		},
		IdempotencyKey: cmd.IdempotencyKey,
		CausationID:    cmd.MessageID,
		CorrelationID:  cmd.CorrelationID,
		TraceID:        cmd.TraceID,
	}
}
