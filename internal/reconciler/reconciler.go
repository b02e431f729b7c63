// Package reconciler implements the periodic sweep that cross-checks
// local runner records against remote registrations and local
// process/container liveness, repairs drift, removes orphans, and
// restores warm capacity.  It is the safety net for everything the
// webhook path gets wrong: missed events, crashed processes, killed
// containers.
package reconciler

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/fleetd/internal/cred"
	"github.com/terrpan/fleetd/internal/fleet"
	"github.com/terrpan/fleetd/internal/ghapi"
	"github.com/terrpan/fleetd/internal/provision"
	"github.com/terrpan/fleetd/internal/scaler"
	"github.com/terrpan/fleetd/internal/store"
)

// Config holds the Reconciler's collaborators and tunables.
type Config struct {
	Store    *store.Store
	Creds    *cred.Resolver
	Backends *provision.Registry
	Scaler   *scaler.Scaler
	Logger   *slog.Logger

	// Interval between sweeps.
	Interval time.Duration
	// StaleAfter is how old an ephemeral runner's heartbeat may get
	// before the runner is double-checked remotely.
	StaleAfter time.Duration
}

const (
	defaultInterval   = 1 * time.Minute
	defaultStaleAfter = 10 * time.Minute
)

// Reconciler runs the sweep.  Single-flight: an invocation that finds a
// sweep already in progress returns immediately instead of queueing.
type Reconciler struct {
	store    *store.Store
	creds    *cred.Resolver
	backends *provision.Registry
	scaler   *scaler.Scaler
	logger   *slog.Logger

	interval   time.Duration
	staleAfter time.Duration

	inFlight atomic.Bool

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	sweeps         metric.Int64Counter
	orphansRemoved metric.Int64Counter
	driftCorrected metric.Int64Counter
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}

	r := &Reconciler{
		store:      cfg.Store,
		creds:      cfg.Creds,
		backends:   cfg.Backends,
		scaler:     cfg.Scaler,
		logger:     cfg.Logger,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		tracer:     otel.Tracer("fleetd/reconciler"),
		meter:      otel.Meter("fleetd/reconciler"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	r.sweeps, err = r.meter.Int64Counter(
		"fleetd.reconcile.sweeps",
		metric.WithDescription("Total number of reconciliation sweeps"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create sweeps counter", slog.String("error", err.Error()))
	}

	r.orphansRemoved, err = r.meter.Int64Counter(
		"fleetd.reconcile.orphans",
		metric.WithDescription("Total number of orphaned runners removed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create orphans counter", slog.String("error", err.Error()))
	}

	r.driftCorrected, err = r.meter.Int64Counter(
		"fleetd.reconcile.drift",
		metric.WithDescription("Total number of drifted runners corrected"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create drift counter", slog.String("error", err.Error()))
	}

	return r
}

// Run sweeps on the configured interval until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started",
		slog.Duration("interval", r.interval),
		slog.Duration("staleAfter", r.staleAfter),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile performs one sweep.  If a sweep is already in flight this
// is a no-op; sweeps never queue.
func (r *Reconciler) Reconcile(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.Debug("reconcile already in progress, skipping")
		return
	}
	defer r.inFlight.Store(false)

	ctx, span := r.tracer.Start(ctx, "reconciler.Reconcile")
	defer span.End()

	if r.sweeps != nil {
		r.sweeps.Add(ctx, 1)
	}

	runners, err := r.store.ListNonTerminalRunners(ctx)
	if err != nil {
		r.logger.Error("listing runners failed", slog.String("error", err.Error()))
		return
	}
	span.SetAttributes(attribute.Int("runner.count", len(runners)))

	// One remote list per credential rather than one call per runner.
	byCredential := make(map[string][]*fleet.Runner)
	for _, rn := range runners {
		byCredential[rn.CredentialID] = append(byCredential[rn.CredentialID], rn)
	}

	for credID, group := range byCredential {
		r.reconcileCredential(ctx, credID, group)
	}

	r.reconcilePools(ctx)
}

// ---------------------------------------------------------------------------
// per-credential sweep
// ---------------------------------------------------------------------------

func (r *Reconciler) reconcileCredential(ctx context.Context, credID string, runners []*fleet.Runner) {
	c, err := r.store.GetCredential(ctx, credID)
	if err != nil {
		r.logger.Warn("credential lookup failed",
			slog.String("credential", credID),
			slog.String("error", err.Error()),
		)
		return
	}
	client, err := r.creds.Client(ctx, c)
	if err != nil {
		r.logger.Warn("resolving credential failed",
			slog.String("credential", c.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	remote, err := client.ListRunners(ctx)
	if err != nil {
		// Remote unavailable: skip this credential entirely rather
		// than treating every runner as an orphan.
		r.logger.Warn("remote runner list failed",
			slog.String("credential", c.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	byID := make(map[int64]ghapi.RemoteRunner, len(remote))
	byName := make(map[string]ghapi.RemoteRunner, len(remote))
	for _, rr := range remote {
		if rr.ID != 0 {
			byID[rr.ID] = rr
		}
		byName[strings.ToLower(rr.Name)] = rr
	}

	for _, rn := range runners {
		// Still provisioning: registration may legitimately not have
		// happened yet.
		if rn.Status == fleet.StatusPending || rn.Status == fleet.StatusConfiguring {
			continue
		}

		_, registered := byID[rn.RemoteID]
		if !registered {
			_, registered = byName[strings.ToLower(rn.Name)]
		}

		if !registered {
			r.cleanupOrphan(ctx, rn, "no remote registration")
			continue
		}

		r.checkLiveness(ctx, rn)
		r.checkHeartbeat(ctx, client, rn)
	}
}

// checkLiveness corrects drift: the remote side claims the runner
// exists but the local process/container is gone.
func (r *Reconciler) checkLiveness(ctx context.Context, rn *fleet.Runner) {
	if rn.Status != fleet.StatusOnline && rn.Status != fleet.StatusBusy {
		return
	}

	backend, err := r.backends.For(rn.Isolation)
	if err != nil {
		return
	}
	alive, err := backend.Alive(ctx, rn)
	if err != nil {
		r.logger.Warn("liveness check failed",
			slog.String("runner", rn.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if alive {
		return
	}

	r.logger.Info("runner drifted, marking offline",
		slog.String("runner", rn.Name),
		slog.String("status", string(rn.Status)),
	)
	if err := r.store.SetRunnerStatus(ctx, rn.ID, fleet.StatusOffline, ""); err != nil {
		r.logger.Warn("marking runner offline failed",
			slog.String("runner", rn.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if r.driftCorrected != nil {
		r.driftCorrected.Add(ctx, 1)
	}
}

// checkHeartbeat handles ephemeral runners that have gone quiet.  The
// remote registration is re-fetched individually before cleanup so a
// runner that is merely slow to report is not killed.
func (r *Reconciler) checkHeartbeat(ctx context.Context, client *ghapi.Client, rn *fleet.Runner) {
	if !rn.Ephemeral || rn.LastHeartbeat.IsZero() {
		return
	}
	if time.Since(rn.LastHeartbeat) < r.staleAfter {
		return
	}

	// No registration id yet: the runner matched the remote list by
	// name, so the registration is present and there is nothing to
	// re-fetch until the backfill lands.
	if rn.RemoteID == 0 {
		return
	}

	remote, err := client.GetRunner(ctx, rn.RemoteID)
	if err != nil {
		r.logger.Warn("stale runner remote check failed",
			slog.String("runner", rn.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if remote != nil {
		// Registration still there: quiet but not gone.
		return
	}

	r.cleanupOrphan(ctx, rn, "stale heartbeat, registration gone")
}

// cleanupOrphan tears down and deletes an orphaned runner.  Idempotent;
// a webhook completion handler may be deleting the same runner.
func (r *Reconciler) cleanupOrphan(ctx context.Context, rn *fleet.Runner, reason string) {
	r.logger.Info("removing orphaned runner",
		slog.String("runner", rn.Name),
		slog.String("reason", reason),
	)
	if err := r.scaler.Deprovision(ctx, rn.ID); err != nil {
		r.logger.Warn("orphan cleanup failed",
			slog.String("runner", rn.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if r.orphansRemoved != nil {
		r.orphansRemoved.Add(ctx, 1)
	}
}

// ---------------------------------------------------------------------------
// pool capacity
// ---------------------------------------------------------------------------

// reconcilePools restores warm capacity and trims idle surplus for
// every enabled pool.
func (r *Reconciler) reconcilePools(ctx context.Context) {
	pools, err := r.store.ListEnabledPools(ctx)
	if err != nil {
		r.logger.Error("listing pools failed", slog.String("error", err.Error()))
		return
	}

	for _, p := range pools {
		if err := r.scaler.EnsureWarmRunners(ctx, p); err != nil {
			r.logger.Warn("warm-up failed",
				slog.String("pool", p.Name),
				slog.String("error", err.Error()),
			)
		}
		if err := r.scaler.ScaleDown(ctx, p); err != nil {
			r.logger.Warn("scale-down failed",
				slog.String("pool", p.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}
