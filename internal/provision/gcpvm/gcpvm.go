// Package gcpvm provisions runners on dedicated Compute Engine VMs.
// The runner image is expected to read the registration parameters from
// instance metadata at boot.
//
// Authentication uses Application Default Credentials; no credential
// fields exist in Config.
package gcpvm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/fleetd/internal/cred"
	"github.com/terrpan/fleetd/internal/fleet"
	"github.com/terrpan/fleetd/internal/provision"
	"github.com/terrpan/fleetd/internal/store"
)

// Config holds GCP-backend settings.
type Config struct {
	Project     string
	Zone        string
	MachineType string
	Image       string
	DiskSizeGB  int64
	Network     string
	Subnet      string
	PublicIP    bool

	// ServiceAccount is attached to runner VMs when set.
	ServiceAccount string

	// BackfillDelay is how long Create waits before resolving the
	// remote registration id.
	BackfillDelay time.Duration
}

// Backend implements provision.Provisioner for Compute Engine VMs.
type Backend struct {
	cfg      Config
	client   *compute.InstancesClient
	store    *store.Store
	creds    *cred.Resolver
	logger   *slog.Logger
	callOpts []gax.CallOption
}

var _ provision.Provisioner = (*Backend)(nil)

// New creates the GCP backend using Application Default Credentials.
func New(ctx context.Context, cfg Config, st *store.Store, creds *cred.Resolver, logger *slog.Logger) (*Backend, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.BackfillDelay == 0 {
		cfg.BackfillDelay = 60 * time.Second
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp backend initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
	)

	return &Backend{
		cfg:      cfg,
		client:   client,
		store:    st,
		creds:    creds,
		logger:   logger,
		callOpts: []gax.CallOption{gax.WithTimeout(2 * time.Minute)},
	}, nil
}

// Close releases the API client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// Create inserts a VM carrying the registration parameters as instance
// metadata and waits for the insert operation.
func (b *Backend) Create(ctx context.Context, r *fleet.Runner, pool *fleet.Pool) error {
	credRec, err := b.store.GetCredential(ctx, r.CredentialID)
	if err != nil {
		return fmt.Errorf("credential lookup: %w", err)
	}
	client, err := b.creds.Client(ctx, credRec)
	if err != nil {
		return err
	}
	token, err := client.CreateRegistrationToken(ctx)
	if err != nil {
		return err
	}

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", b.cfg.Zone, b.cfg.MachineType)

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(b.cfg.Image),
			DiskSizeGb:  proto.Int64(b.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", b.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", b.cfg.Network)),
	}
	if b.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(b.cfg.Subnet)
	}
	if b.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	metadata := &computepb.Metadata{
		Items: []*computepb.Items{
			{Key: proto.String("RUNNER_NAME"), Value: proto.String(r.Name)},
			{Key: proto.String("RUNNER_URL"), Value: proto.String(client.ConfigURL())},
			{Key: proto.String("RUNNER_TOKEN"), Value: proto.String(token.Value)},
			{Key: proto.String("RUNNER_LABELS"), Value: proto.String(strings.Join(r.Labels, ","))},
		},
	}
	if r.Ephemeral {
		metadata.Items = append(metadata.Items, &computepb.Items{
			Key: proto.String("RUNNER_EPHEMERAL"), Value: proto.String("1"),
		})
	}

	instance := &computepb.Instance{
		Name:              proto.String(r.Name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          metadata,
	}
	if b.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(b.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	b.logger.Info("creating runner VM",
		slog.String("runner", r.Name),
		slog.String("zone", b.cfg.Zone),
	)

	op, err := b.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          b.cfg.Project,
		Zone:             b.cfg.Zone,
		InstanceResource: instance,
	}, b.callOpts...)
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", r.Name, err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for instance %s: %w", r.Name, err)
	}

	r.InstanceName = r.Name
	if err := b.store.UpdateRunner(ctx, r); err != nil {
		return err
	}

	go provision.BackfillRemoteID(context.WithoutCancel(ctx), b.logger, b.store, b.creds, r.ID, b.cfg.BackfillDelay)
	return nil
}

// Start starts a stopped VM.
func (b *Backend) Start(ctx context.Context, r *fleet.Runner) error {
	if r.InstanceName == "" {
		return fmt.Errorf("runner %s has no instance", r.Name)
	}
	op, err := b.client.Start(ctx, &computepb.StartInstanceRequest{
		Project:  b.cfg.Project,
		Zone:     b.cfg.Zone,
		Instance: r.InstanceName,
	}, b.callOpts...)
	if err != nil {
		return fmt.Errorf("start instance %s: %w", r.Name, err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for start of %s: %w", r.Name, err)
	}
	return nil
}

// Stop stops the VM without deleting it.  A missing VM is a no-op.
func (b *Backend) Stop(ctx context.Context, r *fleet.Runner) error {
	if r.InstanceName == "" {
		return nil
	}
	op, err := b.client.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  b.cfg.Project,
		Zone:     b.cfg.Zone,
		Instance: r.InstanceName,
	}, b.callOpts...)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop instance %s: %w", r.Name, err)
	}
	if err := op.Wait(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("waiting for stop of %s: %w", r.Name, err)
	}
	return nil
}

// Remove deregisters remotely (best-effort) then deletes the VM.
// Deleting an already-deleted VM is not an error.
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

	if r.InstanceName == "" {
		return nil
	}
	op, err := b.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  b.cfg.Project,
		Zone:     b.cfg.Zone,
		Instance: r.InstanceName,
	}, b.callOpts...)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", r.Name, err)
	}
	if err := op.Wait(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("waiting for delete of %s: %w", r.Name, err)
	}
	return nil
}

// Alive reports whether the VM exists and is running.
func (b *Backend) Alive(ctx context.Context, r *fleet.Runner) (bool, error) {
	if r.InstanceName == "" {
		return false, nil
	}
	inst, err := b.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  b.cfg.Project,
		Zone:     b.cfg.Zone,
		Instance: r.InstanceName,
	}, b.callOpts...)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get instance %s: %w", r.Name, err)
	}
	return inst.GetStatus() == "RUNNING", nil
}

// isNotFound reports whether err is a 404 from the GCP API.  The client
// wraps googleapi errors, so match on the stable formatting rather than
// type-asserting through the wrapping layers.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Error 404") ||
		strings.Contains(msg, "code = NotFound") ||
		strings.Contains(msg, "notFound")
}
