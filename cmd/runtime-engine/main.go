package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/core/pkg/agent"
	"github.com/Mindburn-Labs/helm/core/pkg/audit"
	"github.com/Mindburn-Labs/helm/core/pkg/config"
	"github.com/Mindburn-Labs/helm/core/pkg/engine"
	"github.com/Mindburn-Labs/helm/core/pkg/lockmanager"
	"github.com/Mindburn-Labs/helm/core/pkg/store"
	"github.com/Mindburn-Labs/helm/core/pkg/telemetry"
	"github.com/Mindburn-Labs/helm/core/pkg/transport"
	"github.com/Mindburn-Labs/helm/core/pkg/transport/redisstream"
)

func main() {
	os.Exit(Run())
}

// Run wires the Runtime Engine binary: store + transport + engine +
// durable consumer + telemetry + a tick timer, and blocks until
// SIGINT/SIGTERM, matching the teacher's runServer()/signal-channel
// shutdown shape in cmd/helm/main.go.
func Run() int {
	cfg := config.Load()
	logger := slog.Default().With("component", "runtime-engine", "agent", cfg.AgentID)
	ctx := context.Background()

	st, err := openStore(cfg.StoreDSN)
	if err != nil {
		log.Printf("runtime-engine: open store: %v", err)
		return 1
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("runtime-engine: redis ping: %v", err)
		return 1
	}

	bus := redisstream.NewPublisher(rdb)
	router := redisstream.NewPublisher(rdb)

	tel, err := telemetry.New(ctx, &telemetry.Config{
		ServiceName:  cfg.ServiceName,
		AgentID:      cfg.AgentID,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
	}, logger)
	if err != nil {
		log.Printf("runtime-engine: init telemetry: %v", err)
		return 1
	}
	defer tel.Shutdown(ctx)

	adapter := resolveAdapter(cfg.AgentID)

	eng := engine.New(engine.Config{
		Tenant:        cfg.Tenant,
		Workspace:     cfg.Workspace,
		AgentID:       cfg.AgentID,
		Deterministic: cfg.Deterministic,
	}, adapter, st, bus, router, tel, logger)

	if err := eng.Replay(ctx); err != nil {
		log.Printf("runtime-engine: replay: %v", err)
		return 1
	}
	logger.Info("replay complete")

	// The stream key must match transport.Subject()'s derivation for
	// cmd.* envelopes routed to this agent: the Type's own agent
	// segment, not the engine's config.AgentID (they differ for the
	// lock manager, whose command types are "cmd.lock.*" but whose
	// engine-scoped agent id is "sys_lock_manager").
	inbox := transport.BuildSubject("cmd", cfg.Tenant, cfg.Workspace, routingSegment(cfg.AgentID))
	consumer, err := redisstream.NewConsumer(ctx, rdb, inbox, cfg.AgentID+"-group", cfg.AgentID+"-1", cfg.MaxDelivery)
	if err != nil {
		log.Printf("runtime-engine: new consumer: %v", err)
		return 1
	}
	backoffMS := make([]int64, len(cfg.BackoffScheduleMS))
	for i, ms := range cfg.BackoffScheduleMS {
		backoffMS[i] = int64(ms)
	}
	consumer.WithBackoff(backoffMS)

	auditLog := audit.New(logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Run(runCtx, func(dctx context.Context, d *transport.Delivery) error {
			outcome := eng.Process(dctx, d.Envelope)
			auditLog.RecordAll(dctx, outcome.Outputs)
			if outcome.Kind == engine.Transient {
				return d.Nak(dctx)
			}
			return d.Ack(dctx)
		})
	}()

	ticker := time.NewTicker(time.Duration(cfg.TickIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := eng.Tick(runCtx); err != nil {
					logger.ErrorContext(runCtx, "tick failed", "error", err)
				}
			}
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if adapter.Health() == agent.HealthFailed {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(string(adapter.Health())))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(string(adapter.Health())))
	})
	healthSrv := &http.Server{Addr: ":8081", Handler: healthMux}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	logger.Info("runtime-engine ready", "inbox", inbox)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	consumerExited := false
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		consumerExited = true
		if err != nil {
			logger.Error("consumer loop exited", "error", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	if !consumerExited {
		<-errCh
	}

	logger.Info("runtime-engine stopped")
	return 0
}

// openStore dispatches on the DSN's scheme: postgres:// goes to the
// Postgres-backed store, everything else (including the SQLite
// in-memory/file DSNs config.Load() defaults to) goes to SQLite.
func openStore(dsn string) (store.EventStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return store.OpenPostgres(dsn)
	}
	return store.OpenSQLite(dsn)
}

// resolveAdapter picks the Agent Adapter this binary drives. Only the
// system lock manager (C8) ships as a built-in adapter; a deployment
// wiring a domain-specific agent supplies its own binary following
// this same shape.
func resolveAdapter(agentID string) agent.Adapter {
	switch agentID {
	case lockmanager.AgentID:
		return lockmanager.New()
	default:
		return lockmanager.New()
	}
}

// routingSegment maps an engine's config.AgentID to the agent segment
// its command/event Types actually carry, for deriving the Durable
// Consumer's subscribed stream key the same way transport.Subject()
// derives a publisher's. The lock manager's commands are "cmd.lock.*"
// regardless of the "sys_lock_manager" id it's scoped and stored
// under; any other agent is assumed to route under its own AgentID.
func routingSegment(agentID string) string {
	if agentID == lockmanager.AgentID {
		return lockmanager.RoutingSegment
	}
	return agentID
}
