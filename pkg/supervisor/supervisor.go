// Package supervisor starts and stops the long-lived components
// (MetricsCollector, Reconciler, AutoscalerDispatcher, PlatformLink,
// healthcheck), owning the two bounded queues that are the only
// shared state between them, and exits non-zero on the first fatal
// child failure.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/premiscale/premiscale/pkg/action"
	"github.com/premiscale/premiscale/pkg/config/v1alpha1"
	"github.com/premiscale/premiscale/pkg/dispatcher"
	"github.com/premiscale/premiscale/pkg/healthcheck"
	"github.com/premiscale/premiscale/pkg/metrics"
	"github.com/premiscale/premiscale/pkg/platform"
	"github.com/premiscale/premiscale/pkg/reconciler"
	"github.com/premiscale/premiscale/pkg/storage/state"
	"github.com/premiscale/premiscale/pkg/storage/timeseries"
)

// ShutdownGrace bounds how long the Supervisor waits for in-flight
// Actions to finish before force-returning on shutdown.
const ShutdownGrace = 15 * time.Second

// Supervisor owns the two cross-component queues and runs every
// component as its own goroutine — the idiomatic-Go translation of
// "five long-lived components, each pinned to its own OS-level
// worker".
type Supervisor struct {
	log *zap.SugaredLogger
	cfg *v1alpha1.Config

	actions  chan action.Action
	platform chan platform.Envelope

	health *healthcheck.Server
}

func New(log *zap.SugaredLogger, cfg *v1alpha1.Config) *Supervisor {
	actionsQueueSize := cfg.Controller.Platform.ActionsQueueMaxSize
	if actionsQueueSize <= 0 {
		actionsQueueSize = 128
	}

	return &Supervisor{
		log:      log,
		cfg:      cfg,
		actions:  make(chan action.Action, actionsQueueSize),
		platform: make(chan platform.Envelope, actionsQueueSize),
		health:   healthcheck.New(log, cfg.Controller.Healthcheck),
	}
}

// Run blocks until a fatal child error, a shutdown signal, or ctx
// cancellation. It returns the exit code per §6/§7: 0 normal
// shutdown, 1 fatal child, 2 config invalid (callers only reach Run
// after config has already validated, so 2 is not returned here).
func (s *Supervisor) Run(parent context.Context) int {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	stateDB, err := state.New(s.cfg.Controller.Databases.State)
	if err != nil {
		s.log.Errorw("fatal: state store construction failed", "error", err)
		return 1
	}
	tsDB, err := timeseries.New(s.cfg.Controller.Databases.Timeseries)
	if err != nil {
		s.log.Errorw("fatal: time-series store construction failed", "error", err)
		return 1
	}
	if err := stateDB.Open(ctx); err != nil {
		s.log.Errorw("fatal: state store open failed", "error", err)
		return 1
	}
	if err := tsDB.Open(ctx); err != nil {
		s.log.Errorw("fatal: time-series store open failed", "error", err)
		return 1
	}

	collector, err := metrics.New(s.log.Named("metrics"), s.cfg.Controller.Databases, s.cfg.Controller.Autoscale.Hosts)
	if err != nil {
		s.log.Errorw("fatal: metrics collector construction failed", "error", err)
		return 1
	}

	recon := reconciler.New(s.log.Named("reconciler"), s.cfg.Controller.Reconciliation, s.cfg.Controller.Autoscale.Groups, stateDB, tsDB, s.actions)
	disp := dispatcher.New(s.log.Named("dispatcher"), s.cfg.Controller.Autoscale.Hosts, s.platform)
	link := platform.New(s.log.Named("platform"), s.cfg.Controller.Platform, ".")

	fatal := make(chan error, 8)
	var wg sync.WaitGroup

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.log.Errorw("component exited", "component", name, "error", err)
				fatal <- err
			}
		}()
	}

	run("metrics", collector.Run)
	run("reconciler", recon.Run)
	run("dispatcher", func(ctx context.Context) error { return disp.Run(ctx, s.actions) })
	run("platform", func(ctx context.Context) error { return link.Run(ctx, s.platform) })
	run("healthcheck", s.health.Run)

	go func() {
		select {
		case <-collector.Ready():
			s.health.MarkReady()
		case <-ctx.Done():
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		s.log.Infow("shutdown signal received")
	case err := <-fatal:
		s.log.Errorw("fatal child failure, shutting down", "error", err)
		exitCode = 1
		stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownGrace):
		s.log.Warnw("shutdown grace period exceeded, forcing return")
	}

	return exitCode
}
