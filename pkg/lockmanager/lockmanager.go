// Package lockmanager implements the system agent sys_lock_manager
// (C8): a cooperative TTL lease manager hosted over the same Agent
// Adapter contract as any other agent. Grounded on the original
// source's LockManagerAdapter (adapters/lock_manager.py).
package lockmanager

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helm/core/pkg/agent"
	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
)

// AgentID is the well-known name this adapter registers under and is
// scoped/stored/replayed under.
const AgentID = "sys_lock_manager"

// RoutingSegment is the agent segment this adapter's command and event
// Types actually carry ("cmd.lock.acquire", "evt.lock.acquired", ...),
// distinct from AgentID: a Durable Consumer subscribing to this
// adapter's commands must derive its stream key from RoutingSegment,
// not AgentID.
const RoutingSegment = "lock"

const defaultTTLMS int64 = 5000

// Lease describes one held resource lock. Token is the capability a
// holder must present to release or refresh; it is a deterministic
// derivation from the acquiring command's message_id (§4.6), never a
// randomly minted value, so Decide stays a pure function of its input.
type Lease struct {
	Holder     string `json:"holder"`
	Token      string `json:"token"`
	ExpiresAt  int64  `json:"expires_at"`
	AcquiredAt int64  `json:"acquired_at"`
}

// Manager is the Lock Manager agent. All mutation happens in Apply;
// Decide and Tick only ever compute candidate events, preserving the
// event-sourcing discipline the spec requires for every agent.
type Manager struct {
	mu      sync.RWMutex
	version int64
	lastID  string
	leases  map[string]Lease
}

// New returns an empty Lock Manager.
func New() *Manager {
	return &Manager{leases: make(map[string]Lease)}
}

// deriveToken computes the lease token for a newly acquired lock: a
// deterministic derivation from the acquiring command's message_id
// (§4.6's explicit requirement), so two engines replaying the same
// command sequence always mint the same token without any call to a
// random source.
func deriveToken(messageID string) string {
	sum := sha256.Sum256([]byte(messageID))
	return hex.EncodeToString(sum[:])[:16]
}

func (m *Manager) Decide(cmd *envelope.Envelope) ([]*envelope.Envelope, error) {
	verb := lastVerb(cmd.Type)
	switch verb {
	case "acquire":
		return m.decideAcquire(cmd)
	case "release":
		return m.decideRelease(cmd)
	case "refresh":
		return m.decideRefresh(cmd)
	default:
		return nil, nil
	}
}

func lastVerb(t string) string {
	idx := strings.LastIndex(t, ".")
	if idx < 0 {
		return t
	}
	return t[idx+1:]
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func ttlField(payload map[string]any) int64 {
	return numberField(payload, "ttl_ms", defaultTTLMS)
}

func numberField(payload map[string]any, key string, fallback int64) int64 {
	switch v := payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return fallback
	}
}

// decideAcquire implements §4.6's acquire rule, plus the idempotent
// re-acquire carve-out recovered from original_source/adapters/lock_manager.py
// and recorded in SPEC_FULL.md §4: if the named lock is absent or its
// lease has expired, mint a new token and grant it. If it is held and
// unexpired by a *different* holder, deny. If it is held and unexpired
// by the *same* holder, treat the request as a successful, idempotent
// renewal — the lease's existing token is reused (so Decide stays a
// pure function of its input; no new randomness is minted) and the
// expiry is extended by the requested TTL from the command's own ts.
func (m *Manager) decideAcquire(cmd *envelope.Envelope) ([]*envelope.Envelope, error) {
	name := stringField(cmd.Payload, "name")
	holder := stringField(cmd.Payload, "holder")
	ttlMS := ttlField(cmd.Payload)
	if name == "" || holder == "" {
		return nil, nil
	}

	m.mu.RLock()
	current, held := m.leases[name]
	m.mu.RUnlock()

	now := cmd.TS

	if held && current.ExpiresAt > now {
		if current.Holder == holder {
			return []*envelope.Envelope{m.event(cmd, "evt.lock.acquired", map[string]any{
				"name":       name,
				"token":      current.Token,
				"holder":     holder,
				"expires_at": now + ttlMS,
			})}, nil
		}
		return []*envelope.Envelope{m.event(cmd, "evt.lock.denied", map[string]any{
			"name":          name,
			"holder_current": current.Holder,
		})}, nil
	}

	token := deriveToken(cmd.MessageID)
	return []*envelope.Envelope{m.event(cmd, "evt.lock.acquired", map[string]any{
		"name":       name,
		"token":      token,
		"holder":     holder,
		"expires_at": now + ttlMS,
	})}, nil
}

// decideRelease implements §4.6: release is authorized by presenting
// the lease token, not by holder identity.
func (m *Manager) decideRelease(cmd *envelope.Envelope) ([]*envelope.Envelope, error) {
	name := stringField(cmd.Payload, "name")
	token := stringField(cmd.Payload, "token")

	m.mu.RLock()
	current, held := m.leases[name]
	m.mu.RUnlock()

	if !held || current.Token != token {
		return []*envelope.Envelope{m.event(cmd, "evt.lock.denied", map[string]any{
			"name":   name,
			"reason": "token mismatch",
		})}, nil
	}
	return []*envelope.Envelope{m.event(cmd, "evt.lock.released", map[string]any{
		"name": name,
	})}, nil
}

// decideRefresh implements §4.6: a valid, unexpired token bumps the
// expiry and emits evt.lock.refreshed; an invalid token or an already
// expired lease emits evt.lock.expired instead of a denial, per the
// spec's explicit "refreshed or expired" framing.
func (m *Manager) decideRefresh(cmd *envelope.Envelope) ([]*envelope.Envelope, error) {
	name := stringField(cmd.Payload, "name")
	token := stringField(cmd.Payload, "token")
	ttlMS := ttlField(cmd.Payload)
	now := cmd.TS

	m.mu.RLock()
	current, held := m.leases[name]
	m.mu.RUnlock()

	if !held || current.ExpiresAt <= now || current.Token != token {
		return []*envelope.Envelope{m.event(cmd, "evt.lock.expired", map[string]any{
			"name": name,
		})}, nil
	}
	return []*envelope.Envelope{m.event(cmd, "evt.lock.refreshed", map[string]any{
		"name":       name,
		"token":      token,
		"expires_at": now + ttlMS,
	})}, nil
}

func (m *Manager) Apply(evt *envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.version++
	m.lastID = evt.MessageID

	name := stringField(evt.Payload, "name")
	switch evt.Type {
	case "evt.lock.acquired":
		holder := stringField(evt.Payload, "holder")
		token := stringField(evt.Payload, "token")
		expiresAt := numberField(evt.Payload, "expires_at", evt.TS)
		m.leases[name] = Lease{Holder: holder, Token: token, ExpiresAt: expiresAt, AcquiredAt: evt.TS}
	case "evt.lock.refreshed":
		if lease, ok := m.leases[name]; ok {
			lease.ExpiresAt = numberField(evt.Payload, "expires_at", evt.TS)
			m.leases[name] = lease
		}
	case "evt.lock.released", "evt.lock.expired":
		delete(m.leases, name)
	}
	return nil
}

// Tick scans held leases and emits evt.lock.expired for any past
// expiry, without deleting state — deletion happens only in Apply, per
// the event-sourcing discipline the original's tick()/apply() split
// enforces.
func (m *Manager) Tick(nowMS int64) ([]*envelope.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.leases))
	for name, lease := range m.leases {
		if lease.ExpiresAt <= nowMS {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]*envelope.Envelope, 0, len(names))
	for _, name := range names {
		out = append(out, &envelope.Envelope{
			MessageID:      fmt.Sprintf("evt-expired-%s-%d", name, nowMS),
			TS:             nowMS,
			Type:           "evt.lock.expired",
			SchemaVersion:  envelope.SchemaVersion,
			Tenant:         "system",
			Workspace:      "shared",
			SecurityContext: envelope.SecurityContext{PrincipalID: "system", PrincipalType: envelope.PrincipalSystem},
			Source:         envelope.Source{Agent: AgentID, Adapter: "default"},
			Payload:        map[string]any{"name": name},
			IdempotencyKey: fmt.Sprintf("lock-expired-%s-%d", name, nowMS),
			EntityID:       name,
		})
	}
	return out, nil
}

func (m *Manager) State() *agent.State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	locks := make(map[string]any, len(m.leases))
	for name, lease := range m.leases {
		locks[name] = map[string]any{
			"holder":      lease.Holder,
			"token":       lease.Token,
			"expires_at":  lease.ExpiresAt,
			"acquired_at": lease.AcquiredAt,
		}
	}
	return &agent.State{
		Version:              m.version,
		Data:                 map[string]any{"locks": locks},
		LastProcessedEventID: m.lastID,
	}
}

func (m *Manager) Health() agent.HealthStatus { return agent.HealthReady }

func (m *Manager) event(cmd *envelope.Envelope, eventType string, payload map[string]any) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:      fmt.Sprintf("evt-%s-%s", cmd.MessageID, lastVerb(eventType)),
		TS:             cmd.TS,
		Type:           eventType,
		SchemaVersion:  envelope.SchemaVersion,
		Tenant:         cmd.Tenant,
		Workspace:      cmd.Workspace,
		SecurityContext: cmd.SecurityContext,
		Source:         envelope.Source{Agent: AgentID, Adapter: "default"},
		Payload:        payload,
		IdempotencyKey: cmd.IdempotencyKey,
		CausationID:    cmd.MessageID,
		CorrelationID:  cmd.CorrelationID,
		TraceID:        cmd.TraceID,
		SpanID:         cmd.SpanID,
	}
}

var _ agent.Adapter = (*Manager)(nil)
