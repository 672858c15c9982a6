// Package inprocess implements the Bus, Router, and Consumer
// interfaces entirely in memory, for unit/integration tests and for
// single-process embeddings that host several engines together (e.g.
// an engine plus the Lock Manager in the same binary). Grounded on the
// original source's InMemoryBus (core/bus.py) and InProcessRouter
// (core/router.py).
package inprocess

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
	"github.com/Mindburn-Labs/helm/core/pkg/transport"
)

// Bus is a synchronous in-memory Event Bus. Publish delivers to every
// subscriber before returning, matching the source's decision to run
// subscribers synchronously "for determinism in tests".
type Bus struct {
	mu          sync.Mutex
	subscribers []func(context.Context, string, *envelope.Envelope)
	published   []*envelope.Envelope
}

// NewBus returns an empty in-memory Bus.
func NewBus() *Bus { return &Bus{} }

func (b *Bus) Publish(ctx context.Context, subject string, e *envelope.Envelope) error {
	b.mu.Lock()
	b.published = append(b.published, e)
	subs := append([]func(context.Context, string, *envelope.Envelope){}, b.subscribers...)
	b.mu.Unlock()

	for _, sub := range subs {
		sub(ctx, subject, e)
	}
	return nil
}

// Subscribe registers a callback invoked synchronously for every
// published envelope, regardless of subject.
func (b *Bus) Subscribe(cb func(context.Context, string, *envelope.Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, cb)
}

// Published returns every envelope published so far, for test
// introspection and replay verification.
func (b *Bus) Published() []*envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*envelope.Envelope, len(b.published))
	copy(out, b.published)
	return out
}

// EngineHandler is the subset of engine.Engine the Router needs:
// dispatching a single command envelope for synchronous processing.
// Kept as a function type (not an interface bound to package engine)
// so transport never imports engine — the dependency runs the other
// way, engine imports transport.
type EngineHandler func(ctx context.Context, cmd *envelope.Envelope) error

// Router dispatches cmd.<agent>.* envelopes to the engine registered
// for <agent>, awaiting the call so dispatch is depth-first and
// strictly ordered within a single goroutine's call stack, exactly as
// InProcessRouter.route does.
type Router struct {
	mu     sync.RWMutex
	routes map[string]EngineHandler
}

// NewRouter returns an empty in-process Router.
func NewRouter() *Router { return &Router{routes: make(map[string]EngineHandler)} }

// Register binds agent (lower-cased) to the handler that will receive
// every cmd.<agent>.* envelope routed through this Router.
func (r *Router) Register(agent string, handler EngineHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[strings.ToLower(agent)] = handler
}

func (r *Router) Publish(ctx context.Context, subject string, e *envelope.Envelope) error {
	if !e.IsCommand() {
		return fmt.Errorf("inprocess: router received non-command type %q", e.Type)
	}
	parts := e.TypeVerb()
	if len(parts) < 2 {
		return fmt.Errorf("inprocess: malformed command type %q", e.Type)
	}
	agent := strings.ToLower(parts[1])

	r.mu.RLock()
	handler, ok := r.routes[agent]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inprocess: no route registered for agent %q", agent)
	}
	return handler(ctx, e)
}

var (
	_ transport.Bus    = (*Bus)(nil)
	_ transport.Router = (*Router)(nil)
)
