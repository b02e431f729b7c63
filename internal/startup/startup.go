// Package startup implements the one-shot recovery sequence run at
// process boot: purge stale ephemeral runners left over from the
// previous run, reattach or restart static runners, seed warm pools,
// then hand off to the reconciliation loop.
package startup

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/terrpan/fleetd/internal/fleet"
	"github.com/terrpan/fleetd/internal/provision"
	"github.com/terrpan/fleetd/internal/reconciler"
	"github.com/terrpan/fleetd/internal/scaler"
	"github.com/terrpan/fleetd/internal/store"
)

// Config holds the Sequencer's collaborators.
type Config struct {
	Store      *store.Store
	Backends   *provision.Registry
	Scaler     *scaler.Scaler
	Reconciler *reconciler.Reconciler
	Logger     *slog.Logger
}

// Sequencer runs the boot sequence.
type Sequencer struct {
	store      *store.Store
	backends   *provision.Registry
	scaler     *scaler.Scaler
	reconciler *reconciler.Reconciler
	logger     *slog.Logger
}

// New creates a Sequencer.
func New(cfg Config) *Sequencer {
	return &Sequencer{
		store:      cfg.Store,
		backends:   cfg.Backends,
		scaler:     cfg.Scaler,
		reconciler: cfg.Reconciler,
		logger:     cfg.Logger,
	}
}

// Run executes the boot sequence in order and then starts the
// reconciliation loop in the background.  Only a store failure is
// fatal; per-runner recovery failures degrade that runner, not the
// process.
func (s *Sequencer) Run(ctx context.Context) error {
	if err := s.purgeEphemeral(ctx); err != nil {
		return fmt.Errorf("purge ephemeral runners: %w", err)
	}
	if err := s.recoverStatic(ctx); err != nil {
		return fmt.Errorf("recover static runners: %w", err)
	}
	if err := s.warmPools(ctx); err != nil {
		return fmt.Errorf("warm pools: %w", err)
	}

	go s.reconciler.Run(ctx)
	return nil
}

// purgeEphemeral deletes pool-owned ephemeral runners surviving from a
// prior run.  Ephemeral runners never outlive a restart: cleanup is
// best-effort, the record goes regardless.
func (s *Sequencer) purgeEphemeral(ctx context.Context) error {
	runners, err := s.store.ListRunners(ctx)
	if err != nil {
		return err
	}

	purged := 0
	for _, r := range runners {
		if !r.Ephemeral || !r.PoolOwned() {
			continue
		}

		s.logger.Info("purging stale ephemeral runner",
			slog.String("runner", r.Name),
			slog.String("status", string(r.Status)),
		)

		if backend, err := s.backends.For(r.Isolation); err == nil {
			if err := backend.Remove(ctx, r); err != nil {
				s.logger.Warn("stale runner cleanup failed",
					slog.String("runner", r.Name),
					slog.String("error", err.Error()),
				)
			}
		}
		if err := s.store.DeleteRunner(ctx, r.ID); err != nil {
			return err
		}
		purged++
	}

	if purged > 0 {
		s.logger.Info("purged stale ephemeral runners", slog.Int("count", purged))
	}
	return nil
}

// recoverStatic reattaches or restarts every non-ephemeral runner.  A
// runner whose backend reports it alive is reattached without a
// restart; a dead one has its backend handle cleared and is started
// again.
func (s *Sequencer) recoverStatic(ctx context.Context) error {
	runners, err := s.store.ListRunners(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, r := range runners {
		if r.Ephemeral {
			continue
		}
		g.Go(func() error {
			s.recoverRunner(gctx, r)
			return nil
		})
	}
	return g.Wait()
}

func (s *Sequencer) recoverRunner(ctx context.Context, r *fleet.Runner) {
	fail := func(err error) {
		s.logger.Error("static runner recovery failed",
			slog.String("runner", r.Name),
			slog.String("error", err.Error()),
		)
		if serr := s.store.SetRunnerStatus(ctx, r.ID, fleet.StatusError, err.Error()); serr != nil {
			s.logger.Warn("recording recovery failure failed",
				slog.String("runner", r.Name),
				slog.String("error", serr.Error()),
			)
		}
	}

	backend, err := s.backends.For(r.Isolation)
	if err != nil {
		fail(err)
		return
	}

	alive, err := backend.Alive(ctx, r)
	if err != nil {
		fail(err)
		return
	}

	if alive {
		s.logger.Info("reattached live runner", slog.String("runner", r.Name))
		if err := s.markOnline(ctx, r); err != nil {
			s.logger.Warn("syncing reattached runner failed",
				slog.String("runner", r.Name),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	// Dead: clear the stale process handle before restarting so a
	// recycled pid is never signalled.
	if r.PID != 0 {
		r.PID = 0
		if err := s.store.UpdateRunner(ctx, r); err != nil {
			fail(err)
			return
		}
	}

	s.logger.Info("restarting static runner", slog.String("runner", r.Name))
	if err := backend.Start(ctx, r); err != nil {
		fail(err)
		return
	}
	if err := s.markOnline(ctx, r); err != nil {
		fail(err)
	}
}

// markOnline records a recovered runner as online.  Runners persisted
// in error or pending have no direct edge to online, so they are
// stepped through configuring first, which also clears any recorded
// error message.
func (s *Sequencer) markOnline(ctx context.Context, r *fleet.Runner) error {
	if r.Status == fleet.StatusError || r.Status == fleet.StatusPending {
		if err := s.store.SetRunnerStatus(ctx, r.ID, fleet.StatusConfiguring, ""); err != nil {
			return err
		}
	}
	return s.store.SetRunnerStatus(ctx, r.ID, fleet.StatusOnline, "")
}

// warmPools seeds every enabled pool up to its warm target.
func (s *Sequencer) warmPools(ctx context.Context) error {
	pools, err := s.store.ListEnabledPools(ctx)
	if err != nil {
		return err
	}
	for _, p := range pools {
		if err := s.scaler.EnsureWarmRunners(ctx, p); err != nil {
			s.logger.Warn("initial warm-up failed",
				slog.String("pool", p.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
