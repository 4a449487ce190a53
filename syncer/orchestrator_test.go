package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopmetrics-backend/models"
	"shopmetrics-backend/provider"
	"shopmetrics-backend/storelock"
)

type fakeJobStore struct {
	mu       sync.Mutex
	stores   []models.Store
	listErr  error
	statuses map[string]models.ConnectionStatus
}

func newFakeJobStore(stores ...models.Store) *fakeJobStore {
	return &fakeJobStore{stores: stores, statuses: make(map[string]models.ConnectionStatus)}
}

func (f *fakeJobStore) ListEligible(ctx context.Context) ([]models.Store, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.stores, nil
}

func (f *fakeJobStore) GetStore(ctx context.Context, id string) (*models.Store, error) {
	for _, s := range f.stores {
		if s.ID == id {
			s := s
			return &s, nil
		}
	}
	return nil, errors.New("store not found")
}

func (f *fakeJobStore) SetCredentialStatus(ctx context.Context, storeID string, status models.ConnectionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[storeID] = status
	return nil
}

func (f *fakeJobStore) statusOf(storeID string) (models.ConnectionStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[storeID]
	return s, ok
}

type fakeRunStore struct {
	mu   sync.Mutex
	rows []models.SyncRun
	err  error
}

func (f *fakeRunStore) CreateRuns(ctx context.Context, runs []models.SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, runs...)
	return nil
}

func (f *fakeRunStore) all() []models.SyncRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.SyncRun, len(f.rows))
	copy(out, f.rows)
	return out
}

func (f *fakeRunStore) aggregate() *models.SyncRun {
	for _, r := range f.all() {
		if r.StoreID == nil {
			r := r
			return &r
		}
	}
	return nil
}

func (f *fakeRunStore) perStore(storeID string) *models.SyncRun {
	for _, r := range f.all() {
		if r.StoreID != nil && *r.StoreID == storeID {
			r := r
			return &r
		}
	}
	return nil
}

func makeStores(n int) []models.Store {
	stores := make([]models.Store, n)
	for i := range stores {
		stores[i] = models.Store{
			ID:             fmt.Sprintf("store-%d", i),
			Name:           fmt.Sprintf("Store %d", i),
			ProviderShopID: fmt.Sprintf("shop-%d", i),
		}
	}
	return stores
}

func newTestOrchestrator(stores *fakeJobStore, runs *fakeRunStore, syncFn SyncFunc) *Orchestrator {
	return NewOrchestrator(Config{
		Stores:      stores,
		Runs:        runs,
		Locks:       storelock.NewManager(),
		Sync:        syncFn,
		Concurrency: 3,
	})
}

func TestRunJobAllStoresSucceed(t *testing.T) {
	var mu sync.Mutex
	synced := make(map[string]int)
	syncFn := func(ctx context.Context, store models.Store, kind string) error {
		mu.Lock()
		synced[store.ID]++
		mu.Unlock()
		assert.Equal(t, KindAll, kind)
		return nil
	}

	jobStore := newFakeJobStore(makeStores(4)...)
	runStore := &fakeRunStore{}
	o := newTestOrchestrator(jobStore, runStore, syncFn)

	result, err := o.RunJob(context.Background(), Job{Name: "nightly", Kind: KindAll})
	require.NoError(t, err)

	assert.Equal(t, models.SyncSuccess, result.Status)
	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 4, result.Successful)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Skipped)
	assert.Len(t, synced, 4)

	rows := runStore.all()
	require.Len(t, rows, 5, "4 per-store rows plus the aggregate")

	agg := runStore.aggregate()
	require.NotNil(t, agg)
	assert.Equal(t, result.RunID, agg.ID)
	assert.Equal(t, "nightly", agg.JobName)
	assert.Equal(t, models.SyncSuccess, agg.Status)
	assert.Equal(t, 4, agg.Total)
	assert.Equal(t, 4, agg.Successful)
	assert.Contains(t, agg.Message, "4 stores")

	for _, s := range jobStore.stores {
		row := runStore.perStore(s.ID)
		require.NotNil(t, row, "per-store row for %s", s.ID)
		assert.Equal(t, models.SyncSuccess, row.Status)
	}
}

func TestRunJobRevokedCredentialDemotesStoreAndTurnsPartial(t *testing.T) {
	stores := makeStores(5)
	badID := stores[2].ID
	syncFn := func(ctx context.Context, store models.Store, kind string) error {
		if store.ID == badID {
			return fmt.Errorf("fetch user stats: %w",
				&provider.APIError{HTTPStatus: http.StatusOK, Code: provider.CodeAccessTokenExpired, Message: "access token expired"})
		}
		return nil
	}

	jobStore := newFakeJobStore(stores...)
	runStore := &fakeRunStore{}
	o := newTestOrchestrator(jobStore, runStore, syncFn)

	result, err := o.RunJob(context.Background(), Job{Name: "nightly", Kind: KindUserStats})
	require.NoError(t, err, "a failing store never fails the job itself")

	assert.Equal(t, models.SyncPartial, result.Status)
	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 4, result.Successful)
	assert.Equal(t, 1, result.Failed)

	status, ok := jobStore.statusOf(badID)
	require.True(t, ok, "revocation must transition the credential")
	assert.Equal(t, models.ConnectionTokenExpired, status)

	row := runStore.perStore(badID)
	require.NotNil(t, row)
	assert.Equal(t, models.SyncFailed, row.Status)
	assert.Contains(t, string(row.ErrorDetail), `"auth_revoked":true`)
	assert.Contains(t, string(row.ErrorDetail), "access token expired")
}

func TestRunJobRevocationStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ConnectionStatus
	}{
		{"expired chain", &provider.APIError{Code: provider.CodeAccessTokenExpired}, models.ConnectionTokenExpired},
		{"invalid token", &provider.APIError{Code: provider.CodeAccessTokenInvalid}, models.ConnectionDisconnected},
		{"shop unlinked", &provider.APIError{Code: provider.CodeShopUnlinked}, models.ConnectionDisconnected},
		{"http 401", &provider.APIError{HTTPStatus: http.StatusUnauthorized}, models.ConnectionDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stores := makeStores(1)
			syncFn := func(ctx context.Context, store models.Store, kind string) error {
				return fmt.Errorf("sync: %w", tt.err)
			}
			jobStore := newFakeJobStore(stores...)
			o := newTestOrchestrator(jobStore, &fakeRunStore{}, syncFn)

			result, err := o.RunJob(context.Background(), Job{Name: "nightly", Kind: KindAll})
			require.NoError(t, err)
			assert.Equal(t, models.SyncFailed, result.Status)

			status, ok := jobStore.statusOf(stores[0].ID)
			require.True(t, ok)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestRunJobTransientFailureDoesNotDemote(t *testing.T) {
	stores := makeStores(3)
	syncFn := func(ctx context.Context, store models.Store, kind string) error {
		if store.ID == stores[1].ID {
			return errors.New("upstream timeout")
		}
		return nil
	}

	jobStore := newFakeJobStore(stores...)
	runStore := &fakeRunStore{}
	o := newTestOrchestrator(jobStore, runStore, syncFn)

	result, err := o.RunJob(context.Background(), Job{Name: "nightly", Kind: KindAll})
	require.NoError(t, err)
	assert.Equal(t, models.SyncPartial, result.Status)
	assert.Equal(t, 1, result.Failed)

	_, demoted := jobStore.statusOf(stores[1].ID)
	assert.False(t, demoted, "transient failures must not touch the credential")

	row := runStore.perStore(stores[1].ID)
	require.NotNil(t, row)
	assert.Contains(t, string(row.ErrorDetail), `"auth_revoked":false`)
}

func TestRunJobAllFailuresMeanFailed(t *testing.T) {
	syncFn := func(ctx context.Context, store models.Store, kind string) error {
		return errors.New("boom")
	}
	o := newTestOrchestrator(newFakeJobStore(makeStores(3)...), &fakeRunStore{}, syncFn)

	result, err := o.RunJob(context.Background(), Job{Name: "nightly", Kind: KindAll})
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, result.Status)
	assert.Equal(t, 3, result.Failed)
	assert.Zero(t, result.Successful)
}

func TestRunJobZeroEligibleStores(t *testing.T) {
	runStore := &fakeRunStore{}
	o := newTestOrchestrator(newFakeJobStore(), runStore, func(ctx context.Context, store models.Store, kind string) error {
		t.Fatal("sync must not run without stores")
		return nil
	})

	result, err := o.RunJob(context.Background(), Job{Name: "nightly", Kind: KindAll})
	require.NoError(t, err)
	assert.Equal(t, models.SyncSuccess, result.Status)
	assert.Zero(t, result.Total)

	rows := runStore.all()
	require.Len(t, rows, 1)
	assert.Equal(t, "no connected stores", rows[0].Message)
	assert.Nil(t, rows[0].StoreID)
}

func TestRunJobStoreLoadFailureWritesFailedAggregate(t *testing.T) {
	jobStore := newFakeJobStore()
	jobStore.listErr = errors.New("db down")
	runStore := &fakeRunStore{}
	o := newTestOrchestrator(jobStore, runStore, nil)

	_, err := o.RunJob(context.Background(), Job{Name: "nightly", Kind: KindAll})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve target stores")

	rows := runStore.all()
	require.Len(t, rows, 1)
	assert.Equal(t, models.SyncFailed, rows[0].Status)
	assert.Contains(t, string(rows[0].ErrorDetail), "db down")
}

func TestRunJobSingleStoreTarget(t *testing.T) {
	stores := makeStores(4)
	var mu sync.Mutex
	var seen []string
	syncFn := func(ctx context.Context, store models.Store, kind string) error {
		mu.Lock()
		seen = append(seen, store.ID)
		mu.Unlock()
		return nil
	}

	o := newTestOrchestrator(newFakeJobStore(stores...), &fakeRunStore{}, syncFn)
	result, err := o.RunJob(context.Background(), Job{Name: "manual", Kind: KindVideoStats, StoreID: stores[2].ID})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Total)
	assert.Equal(t, []string{stores[2].ID}, seen)
}

func TestRunJobRejectsUnknownKind(t *testing.T) {
	o := newTestOrchestrator(newFakeJobStore(makeStores(1)...), &fakeRunStore{}, nil)
	_, err := o.RunJob(context.Background(), Job{Name: "nightly", Kind: "everything"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sync kind")
}

func TestRunJobGuardRejectsSameJobName(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var enterOnce sync.Once
	syncFn := func(ctx context.Context, store models.Store, kind string) error {
		enterOnce.Do(func() { close(entered) })
		<-release
		return nil
	}

	o := newTestOrchestrator(newFakeJobStore(makeStores(1)...), &fakeRunStore{}, syncFn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := o.RunJob(context.Background(), Job{Name: "nightly", Kind: KindAll})
		assert.NoError(t, err)
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}

	_, err := o.RunJob(context.Background(), Job{Name: "nightly", Kind: KindAll})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	<-done

	// Guard released: the same job name works again.
	_, err = o.RunJob(context.Background(), Job{Name: "nightly", Kind: KindAll})
	assert.NoError(t, err)
}

func TestRunJobSkipsStoreHeldByAnotherJob(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	stores := makeStores(1)
	syncFn := func(ctx context.Context, store models.Store, kind string) error {
		close(entered)
		<-release
		return nil
	}

	jobStore := newFakeJobStore(stores...)
	runStore := &fakeRunStore{}
	locks := storelock.NewManager()
	o := NewOrchestrator(Config{
		Stores: jobStore, Runs: runStore, Locks: locks, Sync: syncFn, Concurrency: 2,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.RunJob(context.Background(), Job{Name: "job-a", Kind: KindAll})
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}

	// Different job name, same store: the store lock is held, so the
	// second job records a skip instead of waiting.
	quick := func(ctx context.Context, store models.Store, kind string) error {
		t.Fatal("held store must not sync twice")
		return nil
	}
	o2 := NewOrchestrator(Config{
		Stores: jobStore, Runs: runStore, Locks: locks, Sync: quick, Concurrency: 2,
	})
	result, err := o2.RunJob(context.Background(), Job{Name: "job-b", Kind: KindAll})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Failed)
	assert.Equal(t, models.SyncSuccess, result.Status)

	close(release)
	<-done
}

func TestRunJobSurvivesAuditWriteFailure(t *testing.T) {
	runStore := &fakeRunStore{err: errors.New("insert failed")}
	o := newTestOrchestrator(newFakeJobStore(makeStores(2)...), runStore, func(ctx context.Context, store models.Store, kind string) error {
		return nil
	})

	result, err := o.RunJob(context.Background(), Job{Name: "nightly", Kind: KindAll})
	require.NoError(t, err, "losing audit rows must not fail the job")
	assert.Equal(t, models.SyncSuccess, result.Status)
}

func TestStartJobRunsInBackground(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	syncFn := func(ctx context.Context, store models.Store, kind string) error {
		close(entered)
		<-release
		return nil
	}

	runStore := &fakeRunStore{}
	o := newTestOrchestrator(newFakeJobStore(makeStores(1)...), runStore, syncFn)

	runID, err := o.StartJob(context.Background(), Job{Name: "manual", Kind: KindAll})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("background run never started")
	}

	running := o.Running()
	require.Len(t, running, 1)
	assert.Equal(t, "manual", running[0].Name)
	assert.Equal(t, runID, running[0].RunID)

	// Same name is still guarded while the background run is in flight.
	_, err = o.StartJob(context.Background(), Job{Name: "manual", Kind: KindAll})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.Eventually(t, func() bool {
		return len(o.Running()) == 0 && len(runStore.all()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	agg := runStore.aggregate()
	require.NotNil(t, agg)
	assert.Equal(t, runID, agg.ID)
}

func TestStartJobOutlivesCallerContext(t *testing.T) {
	callerGone := make(chan struct{})
	syncFn := func(ctx context.Context, store models.Store, kind string) error {
		// Wait until the caller's context is canceled, then report our
		// own context's state. A live run context means SUCCESS rows; a
		// propagated cancelation would fail every store.
		<-callerGone
		return ctx.Err()
	}

	runStore := &fakeRunStore{}
	o := newTestOrchestrator(newFakeJobStore(makeStores(2)...), runStore, syncFn)

	ctx, cancel := context.WithCancel(context.Background())
	runID, err := o.StartJob(ctx, Job{Name: "manual", Kind: KindAll})
	require.NoError(t, err)

	// The request is over: its context is canceled before the workers
	// get to run.
	cancel()
	close(callerGone)

	require.Eventually(t, func() bool {
		return len(runStore.all()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	agg := runStore.aggregate()
	require.NotNil(t, agg)
	assert.Equal(t, runID, agg.ID)
	assert.Equal(t, models.SyncSuccess, agg.Status)
	assert.Equal(t, 2, agg.Successful)
	assert.Zero(t, agg.Failed)
}

func TestStartJobRejectsUnknownKind(t *testing.T) {
	o := newTestOrchestrator(newFakeJobStore(), &fakeRunStore{}, nil)
	_, err := o.StartJob(context.Background(), Job{Name: "manual", Kind: "bogus"})
	require.Error(t, err)
	assert.Empty(t, o.Running())
}
