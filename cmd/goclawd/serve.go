package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/goclaw-core/internal/boundary"
	"github.com/nextlevelbuilder/goclaw-core/internal/config"
	"github.com/nextlevelbuilder/goclaw-core/internal/httpapi"
	"github.com/nextlevelbuilder/goclaw-core/internal/mesh"
	"github.com/nextlevelbuilder/goclaw-core/internal/pulse"
	"github.com/nextlevelbuilder/goclaw-core/internal/relay"
	"github.com/nextlevelbuilder/goclaw-core/internal/runtime"
	"github.com/nextlevelbuilder/goclaw-core/internal/session"
	"github.com/nextlevelbuilder/goclaw-core/internal/toolserver"
)

// runServe wires every subsystem in the startup order SPEC_FULL.md's
// supplemented features describe: open storage and initialize the Pulse and
// Mesh stores, open the Relay index and build the Relay, start the
// scheduler (which first marks Pulse's interrupted runs failed),
// re-register Relay endpoints for known agents, start the stdio tool
// server, then finally accept HTTP traffic.
func runServe(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Pulse.DBPath), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	sharedDB, err := sql.Open("sqlite", cfg.Pulse.DBPath)
	if err != nil {
		return fmt.Errorf("open shared store: %w", err)
	}
	defer sharedDB.Close()
	sharedDB.SetMaxOpenConns(1)

	pulseStore := pulse.NewStore(sharedDB)
	if err := pulseStore.Init(ctx); err != nil {
		return fmt.Errorf("init pulse store: %w", err)
	}

	agentStore := mesh.NewAgentStore(sharedDB)
	if err := agentStore.Init(ctx); err != nil {
		return fmt.Errorf("init mesh store: %w", err)
	}
	m := mesh.New(agentStore)

	if err := os.MkdirAll(filepath.Dir(cfg.Relay.IndexPath), 0o755); err != nil {
		return fmt.Errorf("create relay index dir: %w", err)
	}
	relayDB, err := relay.OpenDB(cfg.Relay.IndexPath)
	if err != nil {
		return fmt.Errorf("open relay index: %w", err)
	}
	defer relayDB.Close()
	relayIndex := relay.NewIndex(relayDB)
	if err := relayIndex.Init(ctx); err != nil {
		return fmt.Errorf("init relay index: %w", err)
	}

	r := relay.New(relay.Config{
		MaildirRoot: cfg.Relay.MaildirRoot,
		DB:          relayIndex,
		Breaker: relay.BreakerConfig{
			FailureThreshold: cfg.Relay.Breaker.FailureThreshold,
			BaseCooldown:     cfg.Relay.Breaker.BaseCooldown,
			MaxCooldown:      cfg.Relay.Breaker.MaxCooldown,
		},
	})
	defer r.Shutdown(ctx)

	backend := runtime.NewExecBackend(cfg.Sessions.BackendCommand, cfg.Sessions.BackendArgs...)
	sessions, err := session.New(backend, cfg.Sessions.BoundaryRoot)
	if err != nil {
		return fmt.Errorf("init session manager: %w", err)
	}

	boundaryValidator, err := boundary.New(cfg.Sessions.BoundaryRoot)
	if err != nil {
		return fmt.Errorf("init boundary validator: %w", err)
	}

	sched := pulse.NewScheduler(pulseStore, &sessionRunner{mgr: sessions}, cfg.Pulse.MaxConcurrentRuns)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start pulse scheduler: %w", err)
	}
	defer sched.Stop()

	for _, ep := range pulseEndpointSubjects(ctx, agentStore) {
		if _, err := r.RegisterEndpoint(ep); err != nil {
			slog.Warn("goclawd.serve.endpoint_register_failed", "subject", ep, "error", err)
		}
	}

	api := httpapi.New(httpapi.Deps{
		Relay:    r,
		Mesh:     m,
		Pulse:    pulseStore,
		Sched:    sched,
		Sessions: sessions,
		Boundary: boundaryValidator,
	})

	tools := toolserver.New(toolserver.Deps{Relay: r, Mesh: m, Pulse: pulseStore, Sched: sched})
	go func() {
		if err := tools.ServeStdio(); err != nil {
			slog.Error("goclawd.serve.toolserver_exited", "error", err)
		}
	}()

	slog.Info("goclawd.serve.listening", "addr", cfg.HTTP.Addr)
	if err := api.Start(cfg.HTTP.Addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// pulseEndpointSubjects re-registers one Relay endpoint per already-known
// agent, so a restarted daemon resumes receiving mail for agents it had
// already registered before the crash.
func pulseEndpointSubjects(ctx context.Context, store *mesh.AgentStore) []string {
	agents, err := store.List(ctx, mesh.ListFilter{})
	if err != nil {
		slog.Warn("goclawd.serve.relist_agents_failed", "error", err)
		return nil
	}
	subjects := make([]string, 0, len(agents))
	for _, a := range agents {
		subjects = append(subjects, mesh.RelaySubject(a.Namespace, a.ID))
	}
	return subjects
}
