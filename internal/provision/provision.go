// Package provision defines the contract every provisioning backend
// satisfies.  Backends turn a runner record into a live runner (an OS
// process, a container, a VM) and back.  The rest of the system stays
// backend-agnostic behind this interface.
package provision

import (
	"context"
	"fmt"

	"github.com/terrpan/fleetd/internal/fleet"
)

// Provisioner is the lifecycle contract for one isolation type.
//
// Implementations mutate the runner's backend-specific fields (work
// dir, pid, container id, instance name) and persist them, but never
// write Status -- lifecycle transitions belong to the caller.  Stop and
// Remove must be idempotent: re-stopping a stopped runner or removing
// an already-removed one is a no-op, because cleanup paths race by
// design.
type Provisioner interface {
	// Create brings a runner up from nothing: registration token,
	// download/pull, configuration, start.
	Create(ctx context.Context, r *fleet.Runner, pool *fleet.Pool) error

	// Start (re)starts a previously created runner from its recorded
	// backend state.
	Start(ctx context.Context, r *fleet.Runner) error

	// Stop gracefully stops the runner without removing it.
	Stop(ctx context.Context, r *fleet.Runner) error

	// Remove deregisters (best-effort), tears down the backend
	// resource, and cleans up local artifacts.
	Remove(ctx context.Context, r *fleet.Runner) error

	// Alive reports whether the backend resource still runs.
	Alive(ctx context.Context, r *fleet.Runner) (bool, error)
}

// Registry maps isolation types to their backends.
type Registry struct {
	backends map[fleet.IsolationType]Provisioner
}

// NewRegistry builds a registry from the configured backends.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[fleet.IsolationType]Provisioner)}
}

// Register adds a backend for an isolation type.
func (g *Registry) Register(t fleet.IsolationType, p Provisioner) {
	g.backends[t] = p
}

// For returns the backend for the runner's isolation type.
func (g *Registry) For(t fleet.IsolationType) (Provisioner, error) {
	p, ok := g.backends[t]
	if !ok {
		return nil, fmt.Errorf("no provisioner registered for isolation type %q", t)
	}
	return p, nil
}
