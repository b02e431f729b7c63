// Package native provisions runners as detached OS processes.  The
// runner archive is downloaded from the platform, extracted into a
// per-runner working directory, configured with a one-time registration
// token, and launched in its own session so it survives nothing beyond
// what the control plane decides.
package native

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/terrpan/fleetd/internal/cred"
	"github.com/terrpan/fleetd/internal/fleet"
	"github.com/terrpan/fleetd/internal/ghapi"
	"github.com/terrpan/fleetd/internal/provision"
	"github.com/terrpan/fleetd/internal/store"
)

// Config holds native-backend settings.
type Config struct {
	// RootDir is where per-runner working directories live.
	RootDir string

	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration

	// BackfillDelay is how long Create waits before resolving the
	// remote registration id.
	BackfillDelay time.Duration
}

// Backend implements provision.Provisioner for OS processes.
type Backend struct {
	cfg    Config
	store  *store.Store
	creds  *cred.Resolver
	logger *slog.Logger
}

var _ provision.Provisioner = (*Backend)(nil)

// New creates the native backend.
func New(cfg Config, st *store.Store, creds *cred.Resolver, logger *slog.Logger) *Backend {
	if cfg.RootDir == "" {
		cfg.RootDir = "/var/lib/fleetd/runners"
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 30 * time.Second
	}
	if cfg.BackfillDelay == 0 {
		cfg.BackfillDelay = 30 * time.Second
	}
	return &Backend{cfg: cfg, store: st, creds: creds, logger: logger}
}

// Create downloads, extracts, configures, and starts the runner.
func (b *Backend) Create(ctx context.Context, r *fleet.Runner, pool *fleet.Pool) error {
	credRec, err := b.store.GetCredential(ctx, r.CredentialID)
	if err != nil {
		return fmt.Errorf("credential lookup: %w", err)
	}
	client, err := b.creds.Client(ctx, credRec)
	if err != nil {
		return err
	}

	download, err := client.RunnerDownload(ctx, r.Platform, r.Architecture)
	if err != nil {
		return err
	}

	workDir := filepath.Join(b.cfg.RootDir, r.Name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", workDir, err)
	}

	b.logger.Info("downloading runner archive",
		slog.String("runner", r.Name),
		slog.String("file", download.Filename),
	)
	if err := fetchAndExtract(ctx, download.URL, workDir); err != nil {
		return fmt.Errorf("runner archive: %w", err)
	}

	token, err := client.CreateRegistrationToken(ctx)
	if err != nil {
		return err
	}

	args := []string{
		"--unattended",
		"--url", client.ConfigURL(),
		"--token", token.Value,
		"--name", r.Name,
		"--replace",
		"--disableupdate",
	}
	if len(r.Labels) > 0 {
		args = append(args, "--labels", strings.Join(r.Labels, ","))
	}
	if r.Ephemeral {
		args = append(args, "--ephemeral")
	}

	configure := exec.CommandContext(ctx, "./config.sh", args...)
	configure.Dir = workDir
	if out, err := configure.CombinedOutput(); err != nil {
		return fmt.Errorf("config.sh: %w: %s", err, firstLine(out))
	}

	r.WorkDir = workDir
	if err := b.store.UpdateRunner(ctx, r); err != nil {
		return err
	}

	if err := b.Start(ctx, r); err != nil {
		return err
	}

	go provision.BackfillRemoteID(context.WithoutCancel(ctx), b.logger, b.store, b.creds, r.ID, b.cfg.BackfillDelay)
	return nil
}

// Start launches run.sh detached in its own session and records the
// pid.  Process output lines are recorded as heartbeats.
func (b *Backend) Start(ctx context.Context, r *fleet.Runner) error {
	if r.WorkDir == "" {
		return fmt.Errorf("runner %s has no working directory", r.Name)
	}

	cmd := exec.Command(filepath.Join(r.WorkDir, "run.sh"))
	cmd.Dir = r.WorkDir
	cmd.Env = append(os.Environ(), "RUNNER_NAME="+r.Name)
	// New session: the runner must not die with the control plane.
	cmd.SysProcAttr = &unix.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start run.sh for %s: %w", r.Name, err)
	}

	r.PID = cmd.Process.Pid
	if err := b.store.UpdateRunner(ctx, r); err != nil {
		// The process is already running; kill it rather than leak it.
		_ = unix.Kill(-r.PID, unix.SIGKILL)
		return err
	}

	b.logger.Info("runner process started",
		slog.String("runner", r.Name),
		slog.Int("pid", r.PID),
	)

	go b.pumpHeartbeats(r.ID, r.Name, stdout)
	go func() {
		// Reap.  Exit status is interesting only for the log; the
		// reconciler owns detecting and repairing dead runners.
		if err := cmd.Wait(); err != nil {
			b.logger.Debug("runner process exited",
				slog.String("runner", r.Name),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Stop terminates the runner's session: SIGTERM, then SIGKILL after the
// grace window.  A process that is already gone is a no-op.
func (b *Backend) Stop(ctx context.Context, r *fleet.Runner) error {
	if r.PID == 0 {
		return nil
	}
	if err := unix.Kill(-r.PID, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("terminate pid %d: %w", r.PID, err)
	}

	deadline := time.NewTimer(b.cfg.StopGrace)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			_ = unix.Kill(-r.PID, unix.SIGKILL)
			return nil
		case <-tick.C:
			if !pidAlive(r.PID) {
				return nil
			}
		}
	}
}

// Remove deregisters (best-effort), kills the process, and deletes the
// working directory.  Every step tolerates the previous one having
// already happened.
func (b *Backend) Remove(ctx context.Context, r *fleet.Runner) error {
	if client := b.clientFor(ctx, r); client != nil {
		if token, err := client.CreateRemovalToken(ctx); err != nil {
			b.logger.Warn("removal token unavailable",
				slog.String("runner", r.Name), slog.String("error", err.Error()))
		} else if r.WorkDir != "" {
			remove := exec.CommandContext(ctx, "./config.sh", "remove", "--token", token.Value)
			remove.Dir = r.WorkDir
			if out, err := remove.CombinedOutput(); err != nil {
				b.logger.Warn("config.sh remove failed",
					slog.String("runner", r.Name),
					slog.String("output", firstLine(out)),
				)
			}
		}
		if r.RemoteID != 0 {
			if err := client.DeleteRunner(ctx, r.RemoteID); err != nil {
				b.logger.Warn("remote deregistration failed",
					slog.String("runner", r.Name), slog.String("error", err.Error()))
			}
		}
	}

	if err := b.Stop(ctx, r); err != nil {
		b.logger.Warn("stop during remove failed",
			slog.String("runner", r.Name), slog.String("error", err.Error()))
	}

	if r.WorkDir != "" {
		if err := os.RemoveAll(r.WorkDir); err != nil {
			b.logger.Warn("workdir cleanup failed",
				slog.String("runner", r.Name), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Alive reports whether the recorded pid still refers to a live
// process.
func (b *Backend) Alive(_ context.Context, r *fleet.Runner) (bool, error) {
	if r.PID == 0 {
		return false, nil
	}
	return pidAlive(r.PID), nil
}

// pidAlive probes a pid with signal 0.  EPERM still means alive.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (b *Backend) clientFor(ctx context.Context, r *fleet.Runner) *ghapi.Client {
	credRec, err := b.store.GetCredential(ctx, r.CredentialID)
	if err != nil {
		b.logger.Warn("credential lookup failed",
			slog.String("runner", r.Name), slog.String("error", err.Error()))
		return nil
	}
	client, err := b.creds.Client(ctx, credRec)
	if err != nil {
		b.logger.Warn("client build failed",
			slog.String("runner", r.Name), slog.String("error", err.Error()))
		return nil
	}
	return client
}

// pumpHeartbeats records a heartbeat per output line until the process
// closes its stdout.
func (b *Backend) pumpHeartbeats(runnerID, name string, out io.Reader) {
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if err := b.store.TouchHeartbeat(context.Background(), runnerID, time.Now()); err != nil {
			b.logger.Debug("heartbeat write failed",
				slog.String("runner", name), slog.String("error", err.Error()))
		}
	}
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
