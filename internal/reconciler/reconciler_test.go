package reconciler

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/fleetd/internal/cred"
	"github.com/terrpan/fleetd/internal/fleet"
	"github.com/terrpan/fleetd/internal/ghapi"
	"github.com/terrpan/fleetd/internal/provision"
	"github.com/terrpan/fleetd/internal/scaler"
	"github.com/terrpan/fleetd/internal/store"
)

// ---------------------------------------------------------------------------
// Fake remote API
// ---------------------------------------------------------------------------

// fakeRemote serves the two registration endpoints the sweep hits.  The
// list and the per-id lookup are controlled separately so tests can
// model a registration that disappears between the two calls.
type fakeRemote struct {
	mu       sync.Mutex
	runners  []ghapi.RemoteRunner
	missing  map[int64]bool // ids the lookup 404s even when listed
	failList bool
	listGate chan struct{} // if set, list requests block until closed
	listed   int           // list request count

	srv *httptest.Server
}

func newFakeRemote() *fakeRemote {
	f := &fakeRemote{missing: make(map[int64]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/actions/runners", f.handleList)
	mux.HandleFunc("GET /repos/acme/widgets/actions/runners/{id}", f.handleGet)
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeRemote) handleList(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.listed++
	fail := f.failList
	gate := f.listGate
	runners := append([]ghapi.RemoteRunner(nil), f.runners...)
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		return
	}

	type apiRunner struct {
		ID     int64  `json:"id"`
		Name   string `json:"name"`
		OS     string `json:"os"`
		Status string `json:"status"`
		Busy   bool   `json:"busy"`
	}
	out := struct {
		TotalCount int         `json:"total_count"`
		Runners    []apiRunner `json:"runners"`
	}{TotalCount: len(runners)}
	for _, r := range runners {
		out.Runners = append(out.Runners, apiRunner{
			ID: r.ID, Name: r.Name, OS: r.OS, Status: r.Status, Busy: r.Busy,
		})
	}
	json.NewEncoder(w).Encode(out)
}

func (f *fakeRemote) handleGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if !f.missing[id] {
		for _, rr := range f.runners {
			if rr.ID == id {
				json.NewEncoder(w).Encode(map[string]any{
					"id": rr.ID, "name": rr.Name, "os": rr.OS,
					"status": rr.Status, "busy": rr.Busy,
				})
				return
			}
		}
	}
	http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
}

func (f *fakeRemote) register(id int64, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runners = append(f.runners, ghapi.RemoteRunner{
		ID: id, Name: name, OS: "linux", Status: "online",
	})
}

// ---------------------------------------------------------------------------
// Mock backend
// ---------------------------------------------------------------------------

type mockBackend struct {
	mu      sync.Mutex
	alive   map[string]bool
	removed []string
}

func newMockBackend() *mockBackend {
	return &mockBackend{alive: make(map[string]bool)}
}

func (m *mockBackend) Create(_ context.Context, r *fleet.Runner, _ *fleet.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive[r.Name] = true
	return nil
}

func (m *mockBackend) Start(_ context.Context, r *fleet.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive[r.Name] = true
	return nil
}

func (m *mockBackend) Stop(_ context.Context, r *fleet.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive[r.Name] = false
	return nil
}

func (m *mockBackend) Remove(_ context.Context, r *fleet.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, r.Name)
	delete(m.alive, r.Name)
	return nil
}

func (m *mockBackend) Alive(_ context.Context, r *fleet.Runner) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive[r.Name], nil
}

func (m *mockBackend) setAlive(name string, alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive[name] = alive
}

var _ provision.Provisioner = (*mockBackend)(nil)

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ReconcilerSuite struct {
	suite.Suite
	ctx        context.Context
	store      *store.Store
	remote     *fakeRemote
	backend    *mockBackend
	reconciler *Reconciler
	cred       *fleet.Credential
	pool       *fleet.Pool
}

func (s *ReconcilerSuite) SetupTest() {
	s.ctx = context.Background()

	st, err := store.Open(":memory:")
	require.NoError(s.T(), err)
	s.store = st

	s.remote = newFakeRemote()

	key := make([]byte, cred.KeySize)
	_, err = rand.Read(key)
	require.NoError(s.T(), err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver, err := cred.NewResolver(key, logger)
	require.NoError(s.T(), err)
	resolver.APIBaseURL = s.remote.srv.URL

	sealed, err := cred.Seal(key, []byte("ghp_test"))
	require.NoError(s.T(), err)
	s.cred = &fleet.Credential{
		ID:          uuid.NewString(),
		Name:        "acme",
		Kind:        fleet.KindToken,
		Scope:       fleet.ScopeRepository,
		Target:      "acme/widgets",
		SealedToken: sealed,
	}
	require.NoError(s.T(), st.CreateCredential(s.ctx, s.cred))

	s.backend = newMockBackend()
	reg := provision.NewRegistry()
	reg.Register(fleet.IsolationContainer, s.backend)

	sc := scaler.New(scaler.Config{Store: st, Backends: reg, Logger: logger})

	s.pool = &fleet.Pool{
		ID:           uuid.NewString(),
		Name:         "linux-small",
		CredentialID: s.cred.ID,
		Platform:     "linux",
		Architecture: "amd64",
		Isolation:    fleet.IsolationContainer,
		Labels:       []string{"self-hosted", "linux"},
		MaxRunners:   5,
		Enabled:      true,
	}
	require.NoError(s.T(), st.CreatePool(s.ctx, s.pool))

	s.reconciler = New(Config{
		Store:      st,
		Creds:      resolver,
		Backends:   reg,
		Scaler:     sc,
		Logger:     logger,
		Interval:   10 * time.Millisecond,
		StaleAfter: 10 * time.Minute,
	})
}

func (s *ReconcilerSuite) TearDownTest() {
	s.remote.srv.Close()
	s.store.Close()
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

func (s *ReconcilerSuite) newRunner(remoteID int64, status fleet.Status, ephemeral bool) *fleet.Runner {
	r := &fleet.Runner{
		ID:           uuid.NewString(),
		Name:         fmt.Sprintf("runner-%s", uuid.NewString()[:8]),
		CredentialID: s.cred.ID,
		RemoteID:     remoteID,
		Status:       status,
		Platform:     "linux",
		Architecture: "amd64",
		Isolation:    fleet.IsolationContainer,
		PoolID:       s.pool.ID,
		Ephemeral:    ephemeral,
	}
	require.NoError(s.T(), s.store.CreateRunner(s.ctx, r))
	s.backend.setAlive(r.Name, true)
	return r
}

// ---------------------------------------------------------------------------
// Orphan removal
// ---------------------------------------------------------------------------

func (s *ReconcilerSuite) TestReconcile_RemovesOrphan() {
	orphan := s.newRunner(111, fleet.StatusOnline, true)
	kept := s.newRunner(222, fleet.StatusOnline, true)
	s.remote.register(222, kept.Name)

	s.reconciler.Reconcile(s.ctx)

	_, err := s.store.GetRunner(s.ctx, orphan.ID)
	assert.ErrorIs(s.T(), err, store.ErrNotFound)

	_, err = s.store.GetRunner(s.ctx, kept.ID)
	assert.NoError(s.T(), err)
}

func (s *ReconcilerSuite) TestReconcile_MatchesByNameWhenIDUnknown() {
	// A runner that registered but whose remote id never made it back
	// into the record still matches by name.
	r := s.newRunner(0, fleet.StatusOnline, true)
	s.remote.register(333, r.Name)

	s.reconciler.Reconcile(s.ctx)

	_, err := s.store.GetRunner(s.ctx, r.ID)
	assert.NoError(s.T(), err)
}

func (s *ReconcilerSuite) TestReconcile_SkipsProvisioningRunners() {
	// Nothing registered remotely yet, and that is fine: registration
	// happens at the end of provisioning.
	pending := s.newRunner(0, fleet.StatusPending, true)
	configuring := s.newRunner(0, fleet.StatusConfiguring, true)

	s.reconciler.Reconcile(s.ctx)

	for _, r := range []*fleet.Runner{pending, configuring} {
		_, err := s.store.GetRunner(s.ctx, r.ID)
		assert.NoError(s.T(), err)
	}
}

func (s *ReconcilerSuite) TestReconcile_SkipsCredentialOnRemoteFailure() {
	r := s.newRunner(111, fleet.StatusOnline, true)
	s.remote.mu.Lock()
	s.remote.failList = true
	s.remote.mu.Unlock()

	s.reconciler.Reconcile(s.ctx)

	// An unreachable remote must never turn the whole fleet into
	// orphans.
	_, err := s.store.GetRunner(s.ctx, r.ID)
	assert.NoError(s.T(), err)
}

// ---------------------------------------------------------------------------
// Drift correction
// ---------------------------------------------------------------------------

func (s *ReconcilerSuite) TestReconcile_MarksDeadRunnerOffline() {
	r := s.newRunner(444, fleet.StatusOnline, false)
	s.remote.register(444, r.Name)
	s.backend.setAlive(r.Name, false)

	s.reconciler.Reconcile(s.ctx)

	got, err := s.store.GetRunner(s.ctx, r.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), fleet.StatusOffline, got.Status)
}

func (s *ReconcilerSuite) TestReconcile_LeavesLiveRunnersAlone() {
	r := s.newRunner(445, fleet.StatusBusy, false)
	s.remote.register(445, r.Name)

	s.reconciler.Reconcile(s.ctx)

	got, err := s.store.GetRunner(s.ctx, r.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), fleet.StatusBusy, got.Status)
}

// ---------------------------------------------------------------------------
// Stale heartbeats
// ---------------------------------------------------------------------------

func (s *ReconcilerSuite) staleRunner(remoteID int64) *fleet.Runner {
	r := s.newRunner(remoteID, fleet.StatusOnline, true)
	require.NoError(s.T(), s.store.TouchHeartbeat(s.ctx, r.ID,
		time.Now().UTC().Add(-30*time.Minute)))
	return r
}

func (s *ReconcilerSuite) TestReconcile_StaleHeartbeatGoneRemotely() {
	r := s.staleRunner(555)
	s.remote.register(555, r.Name)
	// The list still carries the registration but the direct lookup
	// shows it gone.
	s.remote.mu.Lock()
	s.remote.missing[555] = true
	s.remote.mu.Unlock()

	s.reconciler.Reconcile(s.ctx)

	_, err := s.store.GetRunner(s.ctx, r.ID)
	assert.ErrorIs(s.T(), err, store.ErrNotFound)
}

func (s *ReconcilerSuite) TestReconcile_StaleHeartbeatStillRegistered() {
	r := s.staleRunner(556)
	s.remote.register(556, r.Name)

	s.reconciler.Reconcile(s.ctx)

	// Quiet but still registered: not touched.
	_, err := s.store.GetRunner(s.ctx, r.ID)
	assert.NoError(s.T(), err)
}

func (s *ReconcilerSuite) TestReconcile_StaleHeartbeatRegisteredByNameOnly() {
	// Backfill has not landed: the record has no remote id, but the
	// registration is in the list under the runner's name.  The stale
	// check must not re-fetch id 0 and mistake the 404 for a vanished
	// registration.
	r := s.staleRunner(0)
	s.remote.register(558, r.Name)

	s.reconciler.Reconcile(s.ctx)

	_, err := s.store.GetRunner(s.ctx, r.ID)
	assert.NoError(s.T(), err)
}

func (s *ReconcilerSuite) TestReconcile_FreshHeartbeatNotDoubleChecked() {
	r := s.newRunner(557, fleet.StatusOnline, true)
	require.NoError(s.T(), s.store.TouchHeartbeat(s.ctx, r.ID, time.Now().UTC()))
	s.remote.register(557, r.Name)

	s.reconciler.Reconcile(s.ctx)

	_, err := s.store.GetRunner(s.ctx, r.ID)
	assert.NoError(s.T(), err)
}

// ---------------------------------------------------------------------------
// Pool capacity & single flight
// ---------------------------------------------------------------------------

func (s *ReconcilerSuite) TestReconcile_RestoresWarmCapacity() {
	s.pool.WarmRunners = 2
	require.NoError(s.T(), s.store.UpdatePool(s.ctx, s.pool))

	s.reconciler.Reconcile(s.ctx)

	assert.Eventually(s.T(), func() bool {
		n, err := s.store.CountRunners(s.ctx, s.pool.ID, fleet.StatusOnline)
		return err == nil && n == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func (s *ReconcilerSuite) TestReconcile_SingleFlight() {
	s.newRunner(666, fleet.StatusOnline, true)

	gate := make(chan struct{})
	s.remote.mu.Lock()
	s.remote.listGate = gate
	s.remote.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.reconciler.Reconcile(s.ctx)
		close(done)
	}()

	// Wait for the first sweep to be blocked inside the remote call.
	require.Eventually(s.T(), func() bool {
		s.remote.mu.Lock()
		defer s.remote.mu.Unlock()
		return s.remote.listed > 0
	}, 5*time.Second, 5*time.Millisecond)

	// A second sweep while the first is in flight returns immediately.
	s.reconciler.Reconcile(s.ctx)

	close(gate)
	<-done

	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	assert.Equal(s.T(), 1, s.remote.listed, "the overlapping sweep must not hit the remote")
}
