// Package webhook verifies inbound job-lifecycle events and turns them
// into autoscaler calls: queued events scale matching pools up, job
// start/completion events drive the runner status machine.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/terrpan/fleetd/internal/cred"
	"github.com/terrpan/fleetd/internal/fleet"
	"github.com/terrpan/fleetd/internal/scaler"
	"github.com/terrpan/fleetd/internal/store"
)

// ErrUnknownCredential is returned when no stored credential covers the
// repository, organization, or installation an event originates from.
var ErrUnknownCredential = errors.New("no credential for event origin")

const defaultCleanupDelay = 30 * time.Second

// Event is the subset of the workflow-job payload the dispatcher needs.
type Event struct {
	Action      string      `json:"action"`
	WorkflowJob WorkflowJob `json:"workflow_job"`

	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Organization struct {
		Login string `json:"login"`
	} `json:"organization"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// WorkflowJob carries the job's routing labels and, once assigned, the
// runner that took it.
type WorkflowJob struct {
	ID         int64    `json:"id"`
	RunnerID   int64    `json:"runner_id"`
	RunnerName string   `json:"runner_name"`
	Labels     []string `json:"labels"`
}

// Config holds the Dispatcher's collaborators.
type Config struct {
	Store  *store.Store
	Creds  *cred.Resolver
	Scaler *scaler.Scaler
	Logger *slog.Logger

	// FallbackSecret is the app-level webhook secret used when the
	// resolved credential carries no secret of its own.
	FallbackSecret string

	// CleanupDelay is how long ephemeral runner teardown is deferred
	// after job completion, giving the remote side time to finish its
	// own deregistration.
	CleanupDelay time.Duration
}

// Dispatcher routes verified events into the scaler and the runner
// status machine.  Ephemeral teardown after completion is a scheduled,
// cancellable task, not a bare timer.
type Dispatcher struct {
	store  *store.Store
	creds  *cred.Resolver
	scaler *scaler.Scaler
	logger *slog.Logger

	fallbackSecret string
	cleanupDelay   time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer // runner id -> deferred cleanup
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = defaultCleanupDelay
	}
	return &Dispatcher{
		store:          cfg.Store,
		creds:          cfg.Creds,
		scaler:         cfg.Scaler,
		logger:         cfg.Logger,
		fallbackSecret: cfg.FallbackSecret,
		cleanupDelay:   cfg.CleanupDelay,
		pending:        make(map[string]*time.Timer),
	}
}

// Handle verifies and dispatches one raw event.  Signature failures
// return ErrBadSignature before any state is touched.
func (d *Dispatcher) Handle(ctx context.Context, body []byte, sigHeader string) error {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	c, err := d.resolveCredential(ctx, &ev)
	if err != nil {
		return err
	}

	secret, err := d.creds.WebhookSecret(c)
	if err != nil {
		return err
	}
	if secret == "" {
		secret = d.fallbackSecret
	}
	if err := Verify(body, sigHeader, secret); err != nil {
		return err
	}

	return d.Dispatch(ctx, c, &ev)
}

// Dispatch routes an already-verified event.
func (d *Dispatcher) Dispatch(ctx context.Context, c *fleet.Credential, ev *Event) error {
	switch ev.Action {
	case "queued":
		return d.jobQueued(ctx, c, ev)
	case "in_progress":
		return d.jobStarted(ctx, ev)
	case "completed":
		return d.jobCompleted(ctx, ev)
	default:
		d.logger.Debug("ignoring event action", slog.String("action", ev.Action))
		return nil
	}
}

// Shutdown cancels all deferred cleanup tasks.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.pending {
		t.Stop()
		delete(d.pending, id)
	}
}

// ---------------------------------------------------------------------------
// event handlers
// ---------------------------------------------------------------------------

// jobQueued scales up every enabled pool of the credential whose labels
// match the job.  More than one pool may match; all of them grow.
func (d *Dispatcher) jobQueued(ctx context.Context, c *fleet.Credential, ev *Event) error {
	pools, err := d.store.ListEnabledPoolsByCredential(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("list pools for %s: %w", c.Name, err)
	}

	matched := 0
	for _, p := range pools {
		if !d.scaler.Matches(p, ev.WorkflowJob.Labels) {
			continue
		}
		matched++
		if _, err := d.scaler.ScaleUp(ctx, p); err != nil {
			d.logger.Error("scale-up for queued job failed",
				slog.String("pool", p.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	d.logger.Info("job queued",
		slog.Int64("jobID", ev.WorkflowJob.ID),
		slog.Any("labels", ev.WorkflowJob.Labels),
		slog.Int("matchedPools", matched),
	)
	return nil
}

// jobStarted marks the assigned runner busy.  Events for runners we do
// not track (other self-hosted fleets, hosted runners) are ignored.
func (d *Dispatcher) jobStarted(ctx context.Context, ev *Event) error {
	r, err := d.store.GetRunnerByRemoteID(ctx, ev.WorkflowJob.RunnerID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Debug("job started on unknown runner",
			slog.String("runner", ev.WorkflowJob.RunnerName),
		)
		return nil
	}
	if err != nil {
		return err
	}

	d.logger.Info("job started",
		slog.Int64("jobID", ev.WorkflowJob.ID),
		slog.String("runner", r.Name),
	)
	return d.store.SetRunnerStatus(ctx, r.ID, fleet.StatusBusy, "")
}

// jobCompleted tears an ephemeral runner down after a grace delay and
// replenishes its pool; static runners go back to online.
func (d *Dispatcher) jobCompleted(ctx context.Context, ev *Event) error {
	r, err := d.store.GetRunnerByRemoteID(ctx, ev.WorkflowJob.RunnerID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Debug("job completed on unknown runner",
			slog.String("runner", ev.WorkflowJob.RunnerName),
		)
		return nil
	}
	if err != nil {
		return err
	}

	d.logger.Info("job completed",
		slog.Int64("jobID", ev.WorkflowJob.ID),
		slog.String("runner", r.Name),
		slog.Bool("ephemeral", r.Ephemeral),
	)

	if !r.Ephemeral {
		return d.store.SetRunnerStatus(ctx, r.ID, fleet.StatusOnline, "")
	}

	d.scheduleCleanup(r.ID, r.PoolID)
	return nil
}

// ---------------------------------------------------------------------------
// deferred cleanup
// ---------------------------------------------------------------------------

// scheduleCleanup queues teardown of a finished ephemeral runner.  A
// runner with a task already pending keeps the earlier one.
func (d *Dispatcher) scheduleCleanup(runnerID, poolID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pending[runnerID]; ok {
		return
	}
	d.pending[runnerID] = time.AfterFunc(d.cleanupDelay, func() {
		d.mu.Lock()
		delete(d.pending, runnerID)
		d.mu.Unlock()
		d.runCleanup(context.Background(), runnerID, poolID)
	})
}

// CancelCleanup drops a pending deferred cleanup, if any.  Used when
// the runner is deleted through another path first.
func (d *Dispatcher) CancelCleanup(runnerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.pending[runnerID]; ok {
		t.Stop()
		delete(d.pending, runnerID)
	}
}

func (d *Dispatcher) runCleanup(ctx context.Context, runnerID, poolID string) {
	if err := d.scaler.Deprovision(ctx, runnerID); err != nil {
		d.logger.Error("deferred cleanup failed",
			slog.String("runner", runnerID),
			slog.String("error", err.Error()),
		)
		return
	}
	if poolID == "" {
		return
	}

	pool, err := d.store.GetPool(ctx, poolID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		d.logger.Warn("pool lookup after cleanup failed",
			slog.String("pool", poolID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !pool.Enabled {
		return
	}
	if err := d.scaler.EnsureWarmRunners(ctx, pool); err != nil {
		d.logger.Warn("replenishing pool failed",
			slog.String("pool", pool.Name),
			slog.String("error", err.Error()),
		)
	}
}

// ---------------------------------------------------------------------------
// credential resolution
// ---------------------------------------------------------------------------

// resolveCredential finds the stored credential an event belongs to:
// installation id first (app credentials), then repository or
// organization target match.
func (d *Dispatcher) resolveCredential(ctx context.Context, ev *Event) (*fleet.Credential, error) {
	if ev.Installation.ID != 0 {
		c, err := d.store.CredentialByInstallation(ctx, ev.Installation.ID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	creds, err := d.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		switch c.Scope {
		case fleet.ScopeRepository:
			if strings.EqualFold(c.Target, ev.Repository.FullName) {
				return c, nil
			}
		case fleet.ScopeOrganization:
			if strings.EqualFold(c.Target, ev.Organization.Login) {
				return c, nil
			}
		}
	}
	return nil, ErrUnknownCredential
}
