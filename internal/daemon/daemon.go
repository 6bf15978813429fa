// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires the workflow engine, the run queue, the scheduler,
// and the HTTP API into the long-running cascaded process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/tombee/cascade/internal/daemon/api"
	"github.com/tombee/cascade/internal/daemon/auth"
	"github.com/tombee/cascade/internal/daemon/config"
	"github.com/tombee/cascade/internal/daemon/library"
	"github.com/tombee/cascade/internal/daemon/runner"
	"github.com/tombee/cascade/internal/daemon/scheduler"
	"github.com/tombee/cascade/internal/llm"
	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/internal/metrics"
	"github.com/tombee/cascade/internal/store/postgres"
	"github.com/tombee/cascade/internal/store/sqlite"
	"github.com/tombee/cascade/internal/tracing"
	"github.com/tombee/cascade/pkg/engine"
)

// BuildInfo identifies the running binary in the version endpoint.
type BuildInfo struct {
	Version string
	Commit  string
}

// Daemon is the assembled cascaded process.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	eng       *engine.Engine
	lib       *library.Library
	runner    *runner.Runner
	scheduler *scheduler.Scheduler
	resume    *resumeWorker
	limiter   *auth.RateLimiter
	tracing   *tracing.Provider
	server    *http.Server

	closeStore func() error
}

// New assembles a daemon from configuration. Nothing runs until Run is
// called.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, build BuildInfo) (*Daemon, error) {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}

	collector := metrics.New()

	tracingProvider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	var provider engine.ChatProvider
	if cfg.LLM.APIKey != "" {
		provider, err = llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("init llm provider: %w", err)
		}
	} else {
		logger.Warn("no llm api key configured, llm nodes will fail")
	}

	if err := os.MkdirAll(cfg.WorkflowsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workflows dir: %w", err)
	}
	lib, err := library.New(cfg.WorkflowsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("load workflow library: %w", err)
	}

	eng := engine.New(engine.Options{
		Store:    store,
		Registry: engine.DefaultRegistry(provider, nil),
		Logger:   logger,
		Tracer:   tracingProvider.Tracer("cascade/engine"),
		Budget: engine.Budget{
			PerRunUSD:  cfg.Budget.PerRunUSD,
			PerNodeUSD: cfg.Budget.PerNodeUSD,
		},
		Workflows: lib,
	})

	run := runner.New(runner.Config{
		Workers:       cfg.MaxConcurrentRuns,
		QueueCapacity: cfg.QueueCapacity,
	}, eng, lib, collector, logger)

	var sched *scheduler.Scheduler
	if cfg.Schedules.Enabled {
		sched, err = scheduler.New(toSchedules(cfg.Schedules.Schedules), run, logger)
		if err != nil {
			return nil, fmt.Errorf("init scheduler: %w", err)
		}
	}

	var signer *auth.TokenSigner
	if cfg.Approval.SigningSecret != "" {
		signer, err = auth.NewTokenSigner(cfg.Approval.SigningSecret, cfg.Approval.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("init approval signer: %w", err)
		}
	} else {
		logger.Warn("no approval signing secret configured, approval endpoints disabled")
	}

	limiter := auth.NewRateLimiter(cfg.Webhook.RequestsPerSecond, cfg.Webhook.Burst)

	router := api.NewRouter(api.RouterConfig{Version: build.Version, Commit: build.Commit}, logger)
	mux := router.Mux()
	api.NewRunsHandler(run, eng).RegisterRoutes(mux)
	api.NewWaitHandler(eng, limiter).RegisterRoutes(mux)
	api.NewPinsHandler(eng.Pins()).RegisterRoutes(mux)
	api.NewWorkflowsHandler(lib).RegisterRoutes(mux)
	if signer != nil {
		api.NewApprovalsHandler(eng, signer).RegisterRoutes(mux)
	}
	if sched != nil {
		api.NewSchedulesHandler(sched).RegisterRoutes(mux)
	}
	mux.Handle("GET /metrics", collector.Handler())

	return &Daemon{
		cfg:       cfg,
		logger:    log.WithComponent(logger, "daemon"),
		eng:       eng,
		lib:       lib,
		runner:    run,
		scheduler: sched,
		resume:    newResumeWorker(eng, cfg.ResumePollInterval, logger),
		limiter:   limiter,
		tracing:   tracingProvider,
		server: &http.Server{
			Addr:              cfg.Listen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		closeStore: closeStore,
	}, nil
}

// openStore builds the configured state store and its close function.
func openStore(ctx context.Context, cfg config.StoreConfig) (engine.Store, func() error, error) {
	switch cfg.Type {
	case "", "memory":
		return engine.NewMemoryStore(), func() error { return nil }, nil
	case "sqlite":
		s, err := sqlite.New(sqlite.Config{Path: cfg.SQLite.Path, WAL: cfg.SQLite.WAL})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s.Close, nil
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{
			DSN:          cfg.Postgres.DSN,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

func toSchedules(cfgs []config.ScheduleConfig) []scheduler.Schedule {
	schedules := make([]scheduler.Schedule, 0, len(cfgs))
	for _, c := range cfgs {
		schedules = append(schedules, scheduler.Schedule{
			Name:       c.Name,
			Cron:       c.Cron,
			WorkflowID: c.Workflow,
			Inputs:     c.Inputs,
			Enabled:    c.Enabled,
			Timezone:   c.Timezone,
		})
	}
	return schedules
}

// Run starts every component and serves HTTP until the context is
// cancelled, then shuts down in dependency order.
func (d *Daemon) Run(ctx context.Context) error {
	d.runner.Start(ctx)
	d.resume.Start(ctx)

	if d.cfg.WatchWorkflows {
		if err := d.lib.Watch(ctx); err != nil {
			return fmt.Errorf("watch workflows: %w", err)
		}
	}
	if d.scheduler != nil {
		d.scheduler.Start(ctx)
	}

	go d.cleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("listening", slog.String("addr", d.cfg.Listen))
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		d.shutdown()
		return err
	case <-ctx.Done():
		d.logger.Info("shutting down")
		d.shutdown()
		return nil
	}
}

// cleanupLoop evicts idle rate limiter clients.
func (d *Daemon) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.limiter.Cleanup(10 * time.Minute)
		}
	}
}

// shutdown stops intake first, drains in-flight runs, then releases
// everything else.
func (d *Daemon) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
	defer cancel()

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", log.Error(err))
	}
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	d.resume.Stop()
	d.runner.Drain(d.cfg.DrainTimeout)

	if err := d.lib.Close(); err != nil {
		d.logger.Warn("library close", log.Error(err))
	}
	if err := d.tracing.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("tracing shutdown", log.Error(err))
	}
	if err := d.closeStore(); err != nil {
		d.logger.Warn("store close", log.Error(err))
	}
	d.logger.Info("stopped")
}
