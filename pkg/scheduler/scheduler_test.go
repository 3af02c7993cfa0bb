package scheduler_test

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netraven/netraven/pkg/scheduler"
	"github.com/netraven/netraven/pkg/secretbox"
	"github.com/netraven/netraven/pkg/storage/boltstore"
	"github.com/netraven/netraven/pkg/types"
)

func newTestStore(t *testing.T) *boltstore.Store {
	t.Helper()
	key := make([]byte, secretbox.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	s, err := boltstore.Open(t.TempDir(), key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeDispatcher struct {
	mu        sync.Mutex
	dispatched []*types.JobRun
	cancelled  []uuid.UUID
	onDispatch func(run *types.JobRun)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, run *types.JobRun) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, run)
	f.mu.Unlock()
	if f.onDispatch != nil {
		f.onDispatch(run)
	}
}

func (f *fakeDispatcher) Cancel(runID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

func TestScheduler_FiresDueIntervalJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	def := &types.JobDefinition{
		Name:    "probe",
		Type:    "reachability",
		Target:  types.Target{DeviceID: uuid.New()},
		Enabled: true,
		Schedule: types.Schedule{
			Kind:            types.ScheduleInterval,
			IntervalSecs:    60,
			FireImmediately: true,
		},
	}
	require.NoError(t, store.CreateJobDefinition(ctx, def))

	disp := &fakeDispatcher{}
	sch := scheduler.New(store, disp, nil, scheduler.DefaultConfig())
	require.NoError(t, sch.Start(ctx))
	t.Cleanup(func() { _ = sch.Shutdown(context.Background()) })

	require.Eventually(t, func() bool { return disp.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_SkipsOverlappingRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	def := &types.JobDefinition{
		Name:    "probe",
		Type:    "reachability",
		Target:  types.Target{DeviceID: uuid.New()},
		Enabled: true,
		Schedule: types.Schedule{
			Kind:            types.ScheduleInterval,
			IntervalSecs:    60,
			FireImmediately: true,
		},
	}
	require.NoError(t, store.CreateJobDefinition(ctx, def))

	// Pre-create a PENDING run so the overlap guard trips on the
	// scheduler's first fire attempt.
	_, created, err := store.CreateJobRun(ctx, def.ID, nil)
	require.NoError(t, err)
	require.True(t, created)

	disp := &fakeDispatcher{}
	sch := scheduler.New(store, disp, nil, scheduler.DefaultConfig())
	require.NoError(t, sch.Start(ctx))
	t.Cleanup(func() { _ = sch.Shutdown(context.Background()) })

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, disp.count())
}

func TestScheduler_RecoverCrashed_MarksRunningRunFailedUnexpected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	def := &types.JobDefinition{
		Name:    "probe",
		Type:    "reachability",
		Target:  types.Target{DeviceID: uuid.New()},
		Enabled: false,
		Schedule: types.Schedule{Kind: types.ScheduleInterval, IntervalSecs: 60},
	}
	require.NoError(t, store.CreateJobDefinition(ctx, def))

	run, created, err := store.CreateJobRun(ctx, def.ID, nil)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, store.SetJobRunStatus(ctx, run.ID, types.JobRunRunning, nil))

	deviceID := uuid.New()
	require.NoError(t, store.UpsertDeviceResult(ctx, &types.DeviceResult{
		JobRunID: run.ID,
		DeviceID: deviceID,
		Status:   types.DeviceResultRunning,
	}))

	disp := &fakeDispatcher{}
	sch := scheduler.New(store, disp, nil, scheduler.DefaultConfig())
	require.NoError(t, sch.Start(ctx))
	t.Cleanup(func() { _ = sch.Shutdown(context.Background()) })

	recovered, err := store.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunFailedUnexpected, recovered.Status)

	results, err := store.ListDeviceResultsForJobRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.DeviceResultFailed, results[0].Status)
	assert.Equal(t, types.ReasonInterrupted, results[0].Error)
}

func TestScheduler_ReloadPicksUpNewlyEnabledDefinition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	def := &types.JobDefinition{
		Name:    "probe",
		Type:    "reachability",
		Target:  types.Target{DeviceID: uuid.New()},
		Enabled: false,
		Schedule: types.Schedule{Kind: types.ScheduleInterval, IntervalSecs: 60, FireImmediately: true},
	}
	require.NoError(t, store.CreateJobDefinition(ctx, def))

	disp := &fakeDispatcher{}
	sch := scheduler.New(store, disp, nil, scheduler.DefaultConfig())
	require.NoError(t, sch.Start(ctx))
	t.Cleanup(func() { _ = sch.Shutdown(context.Background()) })

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, disp.count())

	def.Enabled = true
	require.NoError(t, store.UpdateJobDefinition(ctx, def))
	sch.Reload(def.ID)

	require.Eventually(t, func() bool { return disp.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_CancelRun_PropagatesToDispatcher(t *testing.T) {
	store := newTestStore(t)
	disp := &fakeDispatcher{}
	sch := scheduler.New(store, disp, nil, scheduler.DefaultConfig())
	require.NoError(t, sch.Start(context.Background()))
	t.Cleanup(func() { _ = sch.Shutdown(context.Background()) })

	runID := uuid.New()
	sch.CancelRun(runID)

	require.Eventually(t, func() bool {
		disp.mu.Lock()
		defer disp.mu.Unlock()
		return len(disp.cancelled) == 1 && disp.cancelled[0] == runID
	}, time.Second, 10*time.Millisecond)
}
