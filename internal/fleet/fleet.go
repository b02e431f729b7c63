// Package fleet defines the durable entities the control plane operates
// on: runners, pools, and credentials.  Everything else (live OS
// processes, containers, remote registrations) is external state that
// must be re-verified, never trusted.
package fleet

import (
	"fmt"
	"time"
)

// IsolationType selects the provisioning backend for a runner.
type IsolationType string

const (
	// IsolationNative runs the runner as a detached OS process.
	IsolationNative IsolationType = "native"
	// IsolationContainer runs the runner inside a container.
	IsolationContainer IsolationType = "container"
	// IsolationGCPVM runs the runner on a dedicated Compute Engine VM.
	IsolationGCPVM IsolationType = "gcpvm"
)

// CredentialScope says what a credential is authorized against.
type CredentialScope string

const (
	// ScopeRepository targets a single "owner/repo".
	ScopeRepository CredentialScope = "repository"
	// ScopeOrganization targets a whole organization.
	ScopeOrganization CredentialScope = "organization"
)

// CredentialKind distinguishes token-style from app-style credentials.
type CredentialKind string

const (
	// KindToken is a long-lived personal access token.
	KindToken CredentialKind = "token"
	// KindApp is an app credential (private key + installation id) that
	// mints short-lived installation tokens on demand.
	KindApp CredentialKind = "app"
)

// Runner is the local record of one CI runner, ephemeral or static.
// Backend-specific fields (WorkDir/PID, ContainerID, InstanceName) are
// populated only by the owning provisioner.
type Runner struct {
	ID           string
	Name         string
	CredentialID string

	// RemoteID is the registration id assigned by the platform.
	// Zero until the runner has registered.
	RemoteID int64

	Status       Status
	Platform     string // "linux", "darwin", "windows"
	Architecture string // "amd64", "arm64"
	Isolation    IsolationType
	Labels       []string

	// Native backend.
	WorkDir string
	PID     int

	// Container backend.
	ContainerID string

	// GCP VM backend.
	InstanceName string

	ErrorMessage  string
	PoolID        string // empty for standalone runners
	Ephemeral     bool
	LastHeartbeat time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PoolOwned reports whether the runner belongs to an autoscaling pool.
func (r *Runner) PoolOwned() bool {
	return r.PoolID != ""
}

// Pool describes a set of interchangeable ephemeral runners and its
// scaling bounds.  A pool never holds runner state directly; membership
// is inferred from Runner.PoolID.
type Pool struct {
	ID           string
	Name         string
	CredentialID string

	Platform     string
	Architecture string
	Isolation    IsolationType
	Labels       []string

	MinRunners  int
	WarmRunners int
	MaxRunners  int

	IdleTimeout time.Duration
	Enabled     bool

	// Container backend feature flags.
	Privileged        bool
	MountDockerSocket bool
	Devices           []string
	Image             string // optional image override
}

// Validate checks the scaling bounds invariant min <= warm <= max.
func (p *Pool) Validate() error {
	if p.MinRunners < 0 || p.WarmRunners < 0 || p.MaxRunners < 0 {
		return fmt.Errorf("pool %s: negative runner bound", p.Name)
	}
	if p.MinRunners > p.WarmRunners {
		return fmt.Errorf("pool %s: min_runners (%d) > warm_runners (%d)", p.Name, p.MinRunners, p.WarmRunners)
	}
	if p.WarmRunners > p.MaxRunners {
		return fmt.Errorf("pool %s: warm_runners (%d) > max_runners (%d)", p.Name, p.WarmRunners, p.MaxRunners)
	}
	switch p.Isolation {
	case IsolationNative, IsolationContainer, IsolationGCPVM:
	default:
		return fmt.Errorf("pool %s: unknown isolation type %q", p.Name, p.Isolation)
	}
	return nil
}

// Credential references stored bearer material.  The secret payloads are
// sealed at rest; only the credential resolver can open them.
type Credential struct {
	ID     string
	Name   string
	Kind   CredentialKind
	Scope  CredentialScope
	Target string // "owner/repo" or "org"

	// SealedToken holds the encrypted PAT (KindToken).
	SealedToken []byte

	// SealedPrivateKey holds the encrypted PEM key (KindApp).
	SealedPrivateKey []byte
	AppClientID      string
	InstallationID   int64

	// SealedWebhookSecret, when set, overrides the app-level webhook
	// secret for events routed to this credential.
	SealedWebhookSecret []byte

	CreatedAt time.Time
}
