// Package agent wires the kcovd components together: configuration,
// logging, the work queue, the breakpoint facility, the coverage
// registry, the unit watcher, and the control surface.
package agent

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/RakibFiha/kcov/internal/breakpoint"
	"github.com/RakibFiha/kcov/internal/config"
	"github.com/RakibFiha/kcov/internal/coverage"
	kcoverrors "github.com/RakibFiha/kcov/internal/errors"
	"github.com/RakibFiha/kcov/internal/surface"
	"github.com/RakibFiha/kcov/internal/units"
	"github.com/RakibFiha/kcov/internal/workqueue"
)

// Options configures a new Agent.
type Options struct {
	Config config.Config
	Logger zerolog.Logger

	// Facility overrides the default pinned-program uprobe facility.
	// Used by tests and embedders that load eBPF objects themselves.
	Facility breakpoint.Facility
}

// Agent is one running kcovd instance.
type Agent struct {
	cfg    config.Config
	logger zerolog.Logger

	queue        *workqueue.Queue
	facility     breakpoint.Facility
	ownsFacility bool
	hub          *units.Hub
	registry     *coverage.Registry
	surface      *surface.Surface
	watcher      *units.Watcher

	closeOnce sync.Once
}

// New builds the component graph. Any initialization failure unwinds
// everything already created; no partial agent is left behind.
func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	logger := opts.Logger

	queue := workqueue.New(
		logger.With().Str("component", "workqueue").Logger(),
		cfg.Queue.Workers,
		cfg.Queue.Depth,
	)

	facility := opts.Facility
	ownsFacility := false
	if facility == nil {
		if cfg.Target.ProgramPin == "" || cfg.Target.EventsPin == "" {
			queue.Close()
			return nil, fmt.Errorf("bpf program and events map pins are required")
		}
		exePath := cfg.Target.BinaryPath
		if exePath == "" && cfg.Target.PID != 0 {
			exePath = fmt.Sprintf("/proc/%d/exe", cfg.Target.PID)
		}
		f, err := breakpoint.NewUprobeFacilityFromPins(
			exePath,
			int(cfg.Target.PID),
			cfg.Target.ProgramPin,
			cfg.Target.EventsPin,
			logger.With().Str("component", "breakpoint").Logger(),
		)
		if err != nil {
			queue.Close()
			return nil, fmt.Errorf("create breakpoint facility: %w", err)
		}
		facility = f
		ownsFacility = true
	}

	hub := units.NewHub()
	registry := coverage.New(coverage.Config{
		Logger:      logger.With().Str("component", "coverage").Logger(),
		Breakpoints: facility,
		Scheduler:   queue,
		Units:       hub,
	})
	hub.Subscribe(registry)

	surf, err := surface.New(registry, surface.Config{
		Root:   cfg.Surface.Root,
		Logger: logger.With().Str("component", "surface").Logger(),
	})
	if err != nil {
		registry.Close()
		if c, ok := facility.(io.Closer); ok && ownsFacility {
			kcoverrors.DeferClose(logger, c, "close breakpoint facility")
		}
		queue.Close()
		return nil, err
	}

	a := &Agent{
		cfg:          cfg,
		logger:       logger,
		queue:        queue,
		facility:     facility,
		ownsFacility: ownsFacility,
		hub:          hub,
		registry:     registry,
		surface:      surf,
	}

	if cfg.Target.PID != 0 {
		w, err := units.NewWatcher(
			logger.With().Str("component", "units").Logger(),
			hub,
			cfg.Target.PID,
			cfg.Watch.Interval,
		)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.watcher = w
	}

	return a, nil
}

// Run serves until ctx is cancelled, then shuts down.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().
		Str("surface_root", a.cfg.Surface.Root).
		Int32("target_pid", a.cfg.Target.PID).
		Msg("kcovd running")

	if a.watcher != nil {
		done := make(chan error, 1)
		go func() { done <- a.watcher.Run(ctx) }()
		defer func() { <-done }()
	}

	<-ctx.Done()
	return a.Close()
}

// Close tears the agent down in reverse construction order: surface
// first (unblocking readers), then the registry (a full clear), then
// the facility and work queue.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		if a.surface != nil {
			kcoverrors.DeferClose(a.logger, a.surface, "close surface")
		}
		a.registry.Close()
		if c, ok := a.facility.(io.Closer); ok && a.ownsFacility {
			kcoverrors.DeferClose(a.logger, c, "close breakpoint facility")
		}
		a.queue.Close()
		a.logger.Info().Msg("kcovd stopped")
	})
	return nil
}
