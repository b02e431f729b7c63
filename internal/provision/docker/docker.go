// Package docker provisions runners as containers on a local Docker
// daemon.  Images are pulled per platform/architecture and the pulled
// image's reported architecture is verified against the requested one,
// since registries may silently substitute a different variant.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/terrpan/fleetd/internal/cred"
	"github.com/terrpan/fleetd/internal/fleet"
	"github.com/terrpan/fleetd/internal/provision"
	"github.com/terrpan/fleetd/internal/store"
)

const dockerSocket = "/var/run/docker.sock"

// Config holds container-backend settings.
type Config struct {
	// DefaultImage is used when the pool does not override it.
	DefaultImage string

	// StopTimeout bounds graceful container stop.
	StopTimeout time.Duration

	// BackfillDelay is how long Create waits before resolving the
	// remote registration id.
	BackfillDelay time.Duration
}

// Backend implements provision.Provisioner for containers.
type Backend struct {
	cfg    Config
	client *dockerclient.Client
	store  *store.Store
	creds  *cred.Resolver
	logger *slog.Logger
}

var _ provision.Provisioner = (*Backend)(nil)

// New connects to the Docker daemon.
func New(ctx context.Context, cfg Config, st *store.Store, creds *cred.Resolver, logger *slog.Logger) (*Backend, error) {
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = "ghcr.io/actions/actions-runner:latest"
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.BackfillDelay == 0 {
		cfg.BackfillDelay = 30 * time.Second
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	return &Backend{
		cfg:    cfg,
		client: client,
		store:  st,
		creds:  creds,
		logger: logger,
	}, nil
}

// Create pulls the image, builds the container, and starts it.
func (b *Backend) Create(ctx context.Context, r *fleet.Runner, pool *fleet.Pool) error {
	credRec, err := b.store.GetCredential(ctx, r.CredentialID)
	if err != nil {
		return fmt.Errorf("credential lookup: %w", err)
	}
	client, err := b.creds.Client(ctx, credRec)
	if err != nil {
		return err
	}

	img := b.cfg.DefaultImage
	if pool != nil && pool.Image != "" {
		img = pool.Image
	}

	if err := b.pullImage(ctx, img, r.Platform, r.Architecture); err != nil {
		return err
	}

	token, err := client.CreateRegistrationToken(ctx)
	if err != nil {
		return err
	}

	env := []string{
		"RUNNER_NAME=" + r.Name,
		"RUNNER_URL=" + client.ConfigURL(),
		"RUNNER_TOKEN=" + token.Value,
		"RUNNER_LABELS=" + strings.Join(r.Labels, ","),
	}
	if r.Ephemeral {
		env = append(env, "RUNNER_EPHEMERAL=1")
	}

	hostCfg := b.hostConfig(pool)
	if hostCfg != nil && hostConfigMountsSocket(hostCfg) {
		env = append(env,
			"DOCKER_HOST=unix://"+dockerSocket,
			"RUNNER_ALLOW_RUNASROOT=1",
		)
	}

	resp, err := b.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: img,
			Env:   env,
		},
		hostCfg,
		nil, // networking config
		nil, // platform (requested at pull time, verified below)
		r.Name,
	)
	if err != nil {
		return fmt.Errorf("container create %s: %w", r.Name, err)
	}

	r.ContainerID = resp.ID
	if err := b.store.UpdateRunner(ctx, r); err != nil {
		_ = b.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return err
	}

	if err := b.Start(ctx, r); err != nil {
		_ = b.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return err
	}

	b.logger.Info("runner container started",
		slog.String("runner", r.Name),
		slog.String("containerID", resp.ID),
	)

	go provision.BackfillRemoteID(context.WithoutCancel(ctx), b.logger, b.store, b.creds, r.ID, b.cfg.BackfillDelay)
	return nil
}

// Start starts the recorded container.
func (b *Backend) Start(ctx context.Context, r *fleet.Runner) error {
	if r.ContainerID == "" {
		return fmt.Errorf("runner %s has no container", r.Name)
	}
	if err := b.client.ContainerStart(ctx, r.ContainerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start %s: %w", r.Name, err)
	}
	return nil
}

// Stop issues a graceful stop with timeout.  An already-stopped or
// already-removed container is a no-op.
func (b *Backend) Stop(ctx context.Context, r *fleet.Runner) error {
	if r.ContainerID == "" {
		return nil
	}
	secs := int(b.cfg.StopTimeout / time.Second)
	err := b.client.ContainerStop(ctx, r.ContainerID, container.StopOptions{Timeout: &secs})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container stop %s: %w", r.Name, err)
	}
	return nil
}

// Remove deregisters remotely (best-effort) then force-removes the
// container.
func (b *Backend) Remove(ctx context.Context, r *fleet.Runner) error {
	if r.RemoteID != 0 {
		if credRec, err := b.store.GetCredential(ctx, r.CredentialID); err == nil {
			if client, err := b.creds.Client(ctx, credRec); err == nil {
				if err := client.DeleteRunner(ctx, r.RemoteID); err != nil {
					b.logger.Warn("remote deregistration failed",
						slog.String("runner", r.Name),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}

	if r.ContainerID == "" {
		return nil
	}
	err := b.client.ContainerRemove(ctx, r.ContainerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container remove %s: %w", r.Name, err)
	}
	return nil
}

// Alive reports whether the recorded container is running.
func (b *Backend) Alive(ctx context.Context, r *fleet.Runner) (bool, error) {
	if r.ContainerID == "" {
		return false, nil
	}
	insp, err := b.client.ContainerInspect(ctx, r.ContainerID)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("container inspect %s: %w", r.Name, err)
	}
	return insp.State != nil && insp.State.Running, nil
}

// pullImage pulls img for the requested platform and verifies the
// architecture the daemon reports for it.
func (b *Backend) pullImage(ctx context.Context, img, platform, arch string) error {
	want := fmt.Sprintf("%s/%s", platform, arch)

	b.logger.Info("pulling runner image",
		slog.String("image", img),
		slog.String("platform", want),
	)
	pull, err := b.client.ImagePull(ctx, img, image.PullOptions{Platform: want})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", img, err)
	}
	// Drain so the pull completes before inspecting.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	insp, err := b.client.ImageInspect(ctx, img)
	if err != nil {
		return fmt.Errorf("image inspect %s: %w", img, err)
	}
	if insp.Architecture != arch {
		return fmt.Errorf("image %s is %s, runner needs %s", img, insp.Architecture, arch)
	}
	return nil
}

// hostConfig maps pool feature flags to engine host configuration.
func (b *Backend) hostConfig(pool *fleet.Pool) *container.HostConfig {
	if pool == nil {
		return nil
	}
	if !pool.Privileged && !pool.MountDockerSocket && len(pool.Devices) == 0 {
		return nil
	}

	cfg := &container.HostConfig{
		Privileged: pool.Privileged,
	}
	if pool.MountDockerSocket {
		cfg.Binds = append(cfg.Binds, dockerSocket+":"+dockerSocket)
	}
	for _, dev := range pool.Devices {
		cfg.Devices = append(cfg.Devices, container.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}
	return cfg
}

func hostConfigMountsSocket(cfg *container.HostConfig) bool {
	for _, bind := range cfg.Binds {
		if strings.HasPrefix(bind, dockerSocket+":") {
			return true
		}
	}
	return false
}
