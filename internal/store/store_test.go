package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/fleetd/internal/fleet"
)

type StoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *Store
	cred  *fleet.Credential
	pool  *fleet.Pool
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()

	st, err := Open(":memory:")
	require.NoError(s.T(), err)
	s.store = st

	s.cred = &fleet.Credential{
		ID:          uuid.NewString(),
		Name:        "test-cred",
		Kind:        fleet.KindToken,
		Scope:       fleet.ScopeRepository,
		Target:      "acme/widgets",
		SealedToken: []byte{1, 2, 3},
	}
	require.NoError(s.T(), st.CreateCredential(s.ctx, s.cred))

	s.pool = &fleet.Pool{
		ID:           uuid.NewString(),
		Name:         "linux-small",
		CredentialID: s.cred.ID,
		Platform:     "linux",
		Architecture: "amd64",
		Isolation:    fleet.IsolationContainer,
		Labels:       []string{"self-hosted", "linux"},
		WarmRunners:  1,
		MaxRunners:   3,
		Enabled:      true,
	}
	require.NoError(s.T(), st.CreatePool(s.ctx, s.pool))
}

func (s *StoreSuite) TearDownTest() {
	s.store.Close()
}

func (s *StoreSuite) runner(status fleet.Status, ephemeral bool, createdAt time.Time) *fleet.Runner {
	return &fleet.Runner{
		ID:           uuid.NewString(),
		Name:         "runner-" + uuid.NewString()[:8],
		CredentialID: s.cred.ID,
		Status:       status,
		Platform:     "linux",
		Architecture: "amd64",
		Isolation:    fleet.IsolationContainer,
		PoolID:       s.pool.ID,
		Ephemeral:    ephemeral,
		CreatedAt:    createdAt,
	}
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

// ---------------------------------------------------------------------------
// Capacity reservation
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestReserveRunner_RefusesAtMaxRunners() {
	for range s.pool.MaxRunners {
		r := s.runner(fleet.StatusPending, true, time.Time{})
		require.NoError(s.T(), s.store.ReserveRunner(s.ctx, s.pool, r))
	}

	r := s.runner(fleet.StatusPending, true, time.Time{})
	err := s.store.ReserveRunner(s.ctx, s.pool, r)
	assert.ErrorIs(s.T(), err, ErrPoolAtCapacity)

	// The refused runner was never inserted.
	_, err = s.store.GetRunner(s.ctx, r.ID)
	assert.ErrorIs(s.T(), err, ErrNotFound)
}

func (s *StoreSuite) TestReserveRunner_PendingCountsAsActive() {
	// Pending rows reserve capacity before provisioning finishes.
	r := s.runner(fleet.StatusPending, true, time.Time{})
	require.NoError(s.T(), s.store.ReserveRunner(s.ctx, s.pool, r))

	active, err := s.store.CountRunners(s.ctx, s.pool.ID, fleet.ActiveStatuses()...)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, active)
}

func (s *StoreSuite) TestReserveRunner_IgnoresRemovingRunners() {
	for range s.pool.MaxRunners {
		r := s.runner(fleet.StatusPending, true, time.Time{})
		require.NoError(s.T(), s.store.ReserveRunner(s.ctx, s.pool, r))
	}
	runners, err := s.store.ListRunnersByPool(s.ctx, s.pool.ID)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.store.SetRunnerStatus(s.ctx, runners[0].ID, fleet.StatusRemoving, ""))

	// One slot freed up.
	r := s.runner(fleet.StatusPending, true, time.Time{})
	assert.NoError(s.T(), s.store.ReserveRunner(s.ctx, s.pool, r))
}

// ---------------------------------------------------------------------------
// Status machine enforcement
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestSetRunnerStatus_RejectsInvalidTransition() {
	r := s.runner(fleet.StatusPending, true, time.Time{})
	require.NoError(s.T(), s.store.CreateRunner(s.ctx, r))

	err := s.store.SetRunnerStatus(s.ctx, r.ID, fleet.StatusBusy, "")
	assert.ErrorIs(s.T(), err, fleet.ErrInvalidTransition)

	// Status unchanged after the rejected write.
	got, err := s.store.GetRunner(s.ctx, r.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), fleet.StatusPending, got.Status)
}

func (s *StoreSuite) TestSetRunnerStatus_ErrorMessageLifecycle() {
	r := s.runner(fleet.StatusPending, true, time.Time{})
	require.NoError(s.T(), s.store.CreateRunner(s.ctx, r))

	require.NoError(s.T(), s.store.SetRunnerStatus(s.ctx, r.ID, fleet.StatusError, "download failed"))
	got, err := s.store.GetRunner(s.ctx, r.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "download failed", got.ErrorMessage)

	// A retry through configuring clears the message.
	require.NoError(s.T(), s.store.SetRunnerStatus(s.ctx, r.ID, fleet.StatusConfiguring, ""))
	got, err = s.store.GetRunner(s.ctx, r.ID)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), got.ErrorMessage)
}

func (s *StoreSuite) TestSetRunnerStatus_MissingRunner() {
	err := s.store.SetRunnerStatus(s.ctx, "nope", fleet.StatusOnline, "")
	assert.ErrorIs(s.T(), err, ErrNotFound)
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestGetRunnerByRemoteID_ZeroNeverMatches() {
	// Unregistered runners all carry remote_id 0; zero must not match
	// the first of them.
	r := s.runner(fleet.StatusPending, true, time.Time{})
	require.NoError(s.T(), s.store.CreateRunner(s.ctx, r))

	_, err := s.store.GetRunnerByRemoteID(s.ctx, 0)
	assert.ErrorIs(s.T(), err, ErrNotFound)

	r.RemoteID = 4242
	require.NoError(s.T(), s.store.UpdateRunner(s.ctx, r))
	got, err := s.store.GetRunnerByRemoteID(s.ctx, 4242)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), r.ID, got.ID)
}

func (s *StoreSuite) TestOldestIdleRunner_FIFO() {
	now := time.Now().UTC()
	oldest := s.runner(fleet.StatusOnline, true, now.Add(-3*time.Hour))
	mid := s.runner(fleet.StatusOnline, true, now.Add(-2*time.Hour))
	busy := s.runner(fleet.StatusBusy, true, now.Add(-4*time.Hour))
	static := s.runner(fleet.StatusOnline, false, now.Add(-5*time.Hour))
	for _, r := range []*fleet.Runner{oldest, mid, busy, static} {
		require.NoError(s.T(), s.store.CreateRunner(s.ctx, r))
	}

	// Busy and static runners are never victims, however old.
	got, err := s.store.OldestIdleRunner(s.ctx, s.pool.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), oldest.ID, got.ID)
}

func (s *StoreSuite) TestOldestIdleRunner_EmptyPool() {
	_, err := s.store.OldestIdleRunner(s.ctx, s.pool.ID)
	assert.ErrorIs(s.T(), err, ErrNotFound)
}

func (s *StoreSuite) TestListNonTerminalRunners_ExcludesRemoving() {
	a := s.runner(fleet.StatusOnline, true, time.Time{})
	b := s.runner(fleet.StatusOnline, true, time.Time{})
	require.NoError(s.T(), s.store.CreateRunner(s.ctx, a))
	require.NoError(s.T(), s.store.CreateRunner(s.ctx, b))
	require.NoError(s.T(), s.store.SetRunnerStatus(s.ctx, b.ID, fleet.StatusRemoving, ""))

	runners, err := s.store.ListNonTerminalRunners(s.ctx)
	require.NoError(s.T(), err)
	require.Len(s.T(), runners, 1)
	assert.Equal(s.T(), a.ID, runners[0].ID)
}

// ---------------------------------------------------------------------------
// Deletion & heartbeats
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestDeleteRunner_Idempotent() {
	r := s.runner(fleet.StatusOnline, true, time.Time{})
	require.NoError(s.T(), s.store.CreateRunner(s.ctx, r))

	require.NoError(s.T(), s.store.DeleteRunner(s.ctx, r.ID))
	// Deleting again is a no-op, not an error.
	require.NoError(s.T(), s.store.DeleteRunner(s.ctx, r.ID))
}

func (s *StoreSuite) TestTouchHeartbeat() {
	r := s.runner(fleet.StatusOnline, true, time.Time{})
	require.NoError(s.T(), s.store.CreateRunner(s.ctx, r))

	got, err := s.store.GetRunner(s.ctx, r.ID)
	require.NoError(s.T(), err)
	assert.True(s.T(), got.LastHeartbeat.IsZero())

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(s.T(), s.store.TouchHeartbeat(s.ctx, r.ID, at))

	got, err = s.store.GetRunner(s.ctx, r.ID)
	require.NoError(s.T(), err)
	assert.WithinDuration(s.T(), at, got.LastHeartbeat, time.Second)
}

// ---------------------------------------------------------------------------
// Pools & credentials
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestCreatePool_ValidatesBounds() {
	p := &fleet.Pool{
		ID:           uuid.NewString(),
		Name:         "bad",
		CredentialID: s.cred.ID,
		Isolation:    fleet.IsolationContainer,
		WarmRunners:  5,
		MaxRunners:   2,
	}
	assert.Error(s.T(), s.store.CreatePool(s.ctx, p))
}

func (s *StoreSuite) TestListEnabledPoolsByCredential() {
	disabled := &fleet.Pool{
		ID:           uuid.NewString(),
		Name:         "disabled",
		CredentialID: s.cred.ID,
		Isolation:    fleet.IsolationContainer,
		MaxRunners:   1,
		Enabled:      false,
	}
	require.NoError(s.T(), s.store.CreatePool(s.ctx, disabled))

	pools, err := s.store.ListEnabledPoolsByCredential(s.ctx, s.cred.ID)
	require.NoError(s.T(), err)
	require.Len(s.T(), pools, 1)
	assert.Equal(s.T(), s.pool.ID, pools[0].ID)
	assert.Equal(s.T(), s.pool.Labels, pools[0].Labels)
}

func (s *StoreSuite) TestCredentialByInstallation() {
	app := &fleet.Credential{
		ID:               uuid.NewString(),
		Name:             "app-cred",
		Kind:             fleet.KindApp,
		Scope:            fleet.ScopeOrganization,
		Target:           "acme",
		AppClientID:      "Iv1.abc",
		InstallationID:   991,
		SealedPrivateKey: []byte{9},
	}
	require.NoError(s.T(), s.store.CreateCredential(s.ctx, app))

	got, err := s.store.CredentialByInstallation(s.ctx, 991)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), app.ID, got.ID)

	_, err = s.store.CredentialByInstallation(s.ctx, 12345)
	assert.ErrorIs(s.T(), err, ErrNotFound)
}
