// Package scaler implements the pool autoscaling engine: label
// matching, scale-up, scale-down, and warm-pool maintenance.  It is
// driven by the webhook dispatcher and the reconciliation loop and
// changes real-world state through the provisioning backends.
package scaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/fleetd/internal/fleet"
	"github.com/terrpan/fleetd/internal/provision"
	"github.com/terrpan/fleetd/internal/store"
)

// Config holds the Scaler's collaborators.
type Config struct {
	Store    *store.Store
	Backends *provision.Registry
	Logger   *slog.Logger
}

// Scaler grows and shrinks pools.  ScaleUp reserves capacity
// synchronously (the pending record is the reservation) and provisions
// in the background, so callers must not assume the runner is usable
// when the call returns.
type Scaler struct {
	store    *store.Store
	backends *provision.Registry
	logger   *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runnersStarted    metric.Int64Counter
	runnersDestroyed  metric.Int64Counter
	scaleEvents       metric.Int64Counter
	provisionDuration metric.Float64Histogram
}

// New creates a Scaler.
func New(cfg Config) *Scaler {
	s := &Scaler{
		store:    cfg.Store,
		backends: cfg.Backends,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("fleetd/scaler"),
		meter:    otel.Meter("fleetd/scaler"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	s.runnersStarted, err = s.meter.Int64Counter(
		"fleetd.runners.started",
		metric.WithDescription("Total number of runners provisioned"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersStarted counter", slog.String("error", err.Error()))
	}

	s.runnersDestroyed, err = s.meter.Int64Counter(
		"fleetd.runners.destroyed",
		metric.WithDescription("Total number of runners deprovisioned"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersDestroyed counter", slog.String("error", err.Error()))
	}

	s.scaleEvents, err = s.meter.Int64Counter(
		"fleetd.scale.events",
		metric.WithDescription("Total number of scale events"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create scaleEvents counter", slog.String("error", err.Error()))
	}

	s.provisionDuration, err = s.meter.Float64Histogram(
		"fleetd.runner.provision.duration",
		metric.WithDescription("Time to provision a runner (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create provisionDuration histogram", slog.String("error", err.Error()))
	}

	return s
}

// ---------------------------------------------------------------------------
// scaling operations
// ---------------------------------------------------------------------------

// Matches reports whether the pool can serve a job requesting the given
// labels.
func (s *Scaler) Matches(pool *fleet.Pool, jobLabels []string) bool {
	return fleet.MatchLabels(pool.Labels, jobLabels)
}

// ScaleUp creates one new ephemeral runner in the pool, unless the pool
// is already at max capacity (a no-op, not an error).  The runner id is
// returned as soon as the pending record exists; provisioning continues
// in the background and failures land on the record as status=error.
func (s *Scaler) ScaleUp(ctx context.Context, pool *fleet.Pool) (string, error) {
	ctx, span := s.tracer.Start(ctx, "scaler.ScaleUp")
	defer span.End()
	span.SetAttributes(attribute.String("pool.name", pool.Name))

	id := uuid.NewString()
	r := &fleet.Runner{
		ID:           id,
		Name:         fmt.Sprintf("%s-%s", pool.Name, id[:8]),
		CredentialID: pool.CredentialID,
		Status:       fleet.StatusPending,
		Platform:     pool.Platform,
		Architecture: pool.Architecture,
		Isolation:    pool.Isolation,
		Labels:       pool.Labels,
		PoolID:       pool.ID,
		Ephemeral:    true,
	}

	err := s.store.ReserveRunner(ctx, pool, r)
	if errors.Is(err, store.ErrPoolAtCapacity) {
		span.SetAttributes(attribute.String("scale_action", "none"))
		s.logger.Debug("pool at capacity, not scaling up",
			slog.String("pool", pool.Name),
			slog.Int("maxRunners", pool.MaxRunners),
		)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reserve runner in %s: %w", pool.Name, err)
	}

	span.SetAttributes(attribute.String("scale_action", "up"))
	if s.scaleEvents != nil {
		s.scaleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "up")))
	}
	s.logger.Info("scaling up",
		slog.String("pool", pool.Name),
		slog.String("runner", r.Name),
	)

	go s.provisionRunner(context.WithoutCancel(ctx), id, pool)
	return id, nil
}

// ScaleDown removes the single oldest idle ephemeral runner when the
// pool holds more idle runners than its warm target.  Oldest-first so
// runner workdirs and images get recycled on a predictable schedule.
func (s *Scaler) ScaleDown(ctx context.Context, pool *fleet.Pool) error {
	ctx, span := s.tracer.Start(ctx, "scaler.ScaleDown")
	defer span.End()
	span.SetAttributes(attribute.String("pool.name", pool.Name))

	idle, err := s.idleCount(ctx, pool.ID)
	if err != nil {
		return err
	}
	if idle <= pool.WarmRunners {
		span.SetAttributes(attribute.String("scale_action", "none"))
		return nil
	}

	victim, err := s.store.OldestIdleRunner(ctx, pool.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.String("scale_action", "down"))
	if s.scaleEvents != nil {
		s.scaleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "down")))
	}
	s.logger.Info("scaling down",
		slog.String("pool", pool.Name),
		slog.String("runner", victim.Name),
	)
	return s.Deprovision(ctx, victim.ID)
}

// EnsureWarmRunners tops the pool back up to its warm target.
func (s *Scaler) EnsureWarmRunners(ctx context.Context, pool *fleet.Pool) error {
	active, err := s.store.CountRunners(ctx, pool.ID, fleet.ActiveStatuses()...)
	if err != nil {
		return fmt.Errorf("count runners in %s: %w", pool.Name, err)
	}

	deficit := pool.WarmRunners - active
	for range deficit {
		if _, err := s.ScaleUp(ctx, pool); err != nil {
			return err
		}
	}
	return nil
}

// Deprovision tears a runner down and deletes its record.  Idempotent:
// the webhook completion handler and the reconciler may race on the
// same runner, so a record that is already gone is a no-op.  Backend
// teardown failures are logged and swallowed -- a dangling resource is
// the reconciler's problem, a dangling record would be permanent.
func (s *Scaler) Deprovision(ctx context.Context, runnerID string) error {
	ctx, span := s.tracer.Start(ctx, "scaler.Deprovision")
	defer span.End()

	r, err := s.store.GetRunner(ctx, runnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("runner.name", r.Name))

	if err := s.store.SetRunnerStatus(ctx, runnerID, fleet.StatusRemoving, ""); err != nil {
		s.logger.Warn("marking runner removing failed",
			slog.String("runner", r.Name),
			slog.String("error", err.Error()),
		)
	}

	backend, err := s.backends.For(r.Isolation)
	if err != nil {
		s.logger.Warn("no backend for runner",
			slog.String("runner", r.Name),
			slog.String("error", err.Error()),
		)
	} else if err := backend.Remove(ctx, r); err != nil {
		s.logger.Warn("backend remove failed",
			slog.String("runner", r.Name),
			slog.String("error", err.Error()),
		)
	}

	if err := s.store.DeleteRunner(ctx, runnerID); err != nil {
		return fmt.Errorf("delete runner %s: %w", r.Name, err)
	}

	if s.runnersDestroyed != nil {
		s.runnersDestroyed.Add(ctx, 1)
	}
	s.logger.Info("runner deprovisioned",
		slog.String("runner", r.Name),
		slog.String("pool", r.PoolID),
	)
	return nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

// provisionRunner is the async half of ScaleUp.  Nothing escapes this
// goroutine: every failure is recorded on the runner record.
func (s *Scaler) provisionRunner(ctx context.Context, runnerID string, pool *fleet.Pool) {
	ctx, span := s.tracer.Start(ctx, "scaler.provisionRunner")
	defer span.End()
	span.SetAttributes(attribute.String("pool.name", pool.Name))

	startTime := time.Now()

	fail := func(err error) {
		s.logger.Error("provisioning failed",
			slog.String("runner", runnerID),
			slog.String("pool", pool.Name),
			slog.String("error", err.Error()),
		)
		if serr := s.store.SetRunnerStatus(ctx, runnerID, fleet.StatusError, err.Error()); serr != nil {
			s.logger.Warn("recording provisioning failure failed",
				slog.String("runner", runnerID),
				slog.String("error", serr.Error()),
			)
		}
	}

	if err := s.store.SetRunnerStatus(ctx, runnerID, fleet.StatusConfiguring, ""); err != nil {
		// Deleted or moved on before we got here; nothing to provision.
		s.logger.Debug("runner gone before provisioning",
			slog.String("runner", runnerID),
			slog.String("error", err.Error()),
		)
		return
	}

	backend, err := s.backends.For(pool.Isolation)
	if err != nil {
		fail(err)
		return
	}

	r, err := s.store.GetRunner(ctx, runnerID)
	if err != nil {
		fail(err)
		return
	}

	if err := backend.Create(ctx, r, pool); err != nil {
		fail(fmt.Errorf("backend create %s: %w", r.Name, err))
		return
	}

	if err := s.store.SetRunnerStatus(ctx, runnerID, fleet.StatusOnline, ""); err != nil {
		fail(err)
		return
	}

	if s.provisionDuration != nil {
		s.provisionDuration.Record(ctx, time.Since(startTime).Seconds())
	}
	if s.runnersStarted != nil {
		s.runnersStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pool", pool.Name),
			attribute.String("isolation", string(pool.Isolation)),
		))
	}

	s.logger.Info("runner online",
		slog.String("runner", r.Name),
		slog.String("pool", pool.Name),
	)
}

// idleCount counts online ephemeral runners in the pool.  Static
// runners never count toward the warm target and are never victims.
func (s *Scaler) idleCount(ctx context.Context, poolID string) (int, error) {
	online, err := s.store.ListRunnersByPool(ctx, poolID, fleet.StatusOnline)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range online {
		if r.Ephemeral {
			n++
		}
	}
	return n, nil
}
