package wayline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfleet/cloudlink/internal/dispatch"
	"github.com/skyfleet/cloudlink/internal/statestore"
)

func TestPublishOneImmediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dockOnline()
	job := f.newJob(t, "j1", TaskImmediate, f.clock)

	require.NoError(t, f.publisher.PublishOne(ctx, job, nil))

	assert.Equal(t, []string{MethodPrepare, MethodExecute}, f.caller.methods())
	assert.Equal(t, StatusInProgress, f.jobStatus(t, "j1"))
	assert.False(t, f.jobRecord(t, "j1").ExecuteTime.IsZero())

	running, ok := f.store.RunningState("dock-1")
	require.True(t, ok)
	assert.Equal(t, "j1", running.JobID)
	assert.Equal(t, 0, running.Progress.Percent)
}

func TestPublishOneOfflineFailsFast(t *testing.T) {
	f := newFixture(t)
	job := f.newJob(t, "j1", TaskImmediate, f.clock)

	require.Error(t, f.publisher.PublishOne(context.Background(), job, nil))
	assert.Empty(t, f.caller.methods())
	assert.Equal(t, StatusFailed, f.jobStatus(t, "j1"))
	assert.Equal(t, CodeDeviceOffline, f.jobRecord(t, "j1").ErrorCode)
}

func TestPublishOneTimedEnqueues(t *testing.T) {
	f := newFixture(t)
	f.dockOnline()
	begin := f.clock.Add(time.Hour)
	job := f.newJob(t, "j1", TaskTimed, begin)

	require.NoError(t, f.publisher.PublishOne(context.Background(), job, nil))

	assert.Equal(t, []string{MethodPrepare}, f.caller.methods())
	assert.Equal(t, StatusPending, f.jobStatus(t, "j1"))

	member := statestore.JobMember("ws-1", "dock-1", "j1")
	score, ok := f.state.ZScore(statestore.SetTimedExecute, member)
	require.True(t, ok)
	assert.Equal(t, begin.UnixMilli(), score)
}

func TestPublishOnePrepareRejected(t *testing.T) {
	f := newFixture(t)
	f.dockOnline()
	f.caller.reject(MethodPrepare, CodeBadMissionFile)
	job := f.newJob(t, "j1", TaskImmediate, f.clock)

	require.Error(t, f.publisher.PublishOne(context.Background(), job, nil))
	assert.Equal(t, StatusFailed, f.jobStatus(t, "j1"))
	assert.Equal(t, CodeBadMissionFile, f.jobRecord(t, "j1").ErrorCode)
}

func TestExecuteBlockingRejectionBacksOff(t *testing.T) {
	f := newFixture(t)
	f.dockOnline()
	f.caller.reject(MethodExecute, CodeAircraftBatteryLow)
	job := f.newJob(t, "j1", TaskConditional, f.clock)

	require.Error(t, f.publisher.Execute(context.Background(), job))
	assert.Equal(t, StatusFailed, f.jobStatus(t, "j1"))
	assert.Equal(t, CodeAircraftBatteryLow, f.jobRecord(t, "j1").ErrorCode)
	assert.True(t, f.store.Blocked("dock-1"))
}

func TestExecuteNonBlockingRejectionNoBackOff(t *testing.T) {
	f := newFixture(t)
	f.dockOnline()
	f.caller.reject(MethodExecute, CodeAirspaceRestricted)
	job := f.newJob(t, "j1", TaskConditional, f.clock)

	require.Error(t, f.publisher.Execute(context.Background(), job))
	assert.False(t, f.store.Blocked("dock-1"))
}

func TestExecuteTimeout(t *testing.T) {
	f := newFixture(t)
	f.dockOnline()
	f.caller.fail(MethodExecute, dispatch.ErrCallTimeout)
	job := f.newJob(t, "j1", TaskImmediate, f.clock)

	require.Error(t, f.publisher.Execute(context.Background(), job))
	assert.Equal(t, StatusFailed, f.jobStatus(t, "j1"))
	assert.Equal(t, CodeTimeout, f.jobRecord(t, "j1").ErrorCode)
}

func TestCancelPendingOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dockOnline()
	f.newJob(t, "j1", TaskTimed, f.clock.Add(time.Hour))
	f.newJob(t, "j2", TaskTimed, f.clock.Add(2*time.Hour))
	f.newJob(t, "j3", TaskImmediate, f.clock)
	require.NoError(t, f.store.Transition(ctx, "j3", func(j *Job) { j.Status = StatusInProgress }))

	// A started job poisons the whole request.
	require.Error(t, f.publisher.Cancel(ctx, []string{"j1", "j3"}))
	assert.Equal(t, StatusPending, f.jobStatus(t, "j1"))

	f.state.ZAdd(statestore.SetTimedExecute, statestore.JobMember("ws-1", "dock-1", "j1"), 1)
	f.state.ZAdd(statestore.SetTimedExecute, statestore.JobMember("ws-1", "dock-1", "j2"), 2)

	require.NoError(t, f.publisher.Cancel(ctx, []string{"j1", "j2"}))
	assert.Equal(t, []string{MethodUndo}, f.caller.methods())
	assert.Equal(t, StatusCancelled, f.jobStatus(t, "j1"))
	assert.Equal(t, StatusCancelled, f.jobStatus(t, "j2"))

	_, _, ok := f.state.ZPopMin(statestore.SetTimedExecute)
	assert.False(t, ok)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dockOnline()
	f.inMissionFlight()
	f.newJob(t, "j1", TaskImmediate, f.clock)
	require.NoError(t, f.store.Transition(ctx, "j1", func(j *Job) { j.Status = StatusInProgress }))
	f.store.SetRunning("dock-1", RunningState{
		JobID:    "j1",
		Progress: Progress{Percent: 40, CurrentStep: "wayline"},
	})

	require.NoError(t, f.publisher.Pause(ctx, "j1"))
	assert.Equal(t, StatusPaused, f.jobStatus(t, "j1"))
	_, ok := f.store.RunningState("dock-1")
	assert.False(t, ok)
	paused, ok := f.store.PausedState("dock-1")
	require.True(t, ok)
	assert.Equal(t, 40, paused.Progress.Percent)

	// Second pause is a no-op, no second remote call.
	calls := len(f.caller.methods())
	require.NoError(t, f.publisher.Pause(ctx, "j1"))
	assert.Equal(t, calls, len(f.caller.methods()))

	require.NoError(t, f.publisher.Resume(ctx, "j1"))
	assert.Equal(t, StatusInProgress, f.jobStatus(t, "j1"))
	running, ok := f.store.RunningState("dock-1")
	require.True(t, ok)
	assert.Equal(t, "j1", running.JobID)
	assert.Equal(t, 40, running.Progress.Percent)
	_, ok = f.store.PausedState("dock-1")
	assert.False(t, ok)

	// Second resume is a no-op too.
	calls = len(f.caller.methods())
	require.NoError(t, f.publisher.Resume(ctx, "j1"))
	assert.Equal(t, calls, len(f.caller.methods()))
}

func TestPauseRequiresMissionFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dockOnline()
	f.newJob(t, "j1", TaskImmediate, f.clock)
	require.NoError(t, f.store.Transition(ctx, "j1", func(j *Job) { j.Status = StatusInProgress }))

	// No telemetry: the dock cannot be shown to be flying a mission.
	require.Error(t, f.publisher.Pause(ctx, "j1"))
	assert.Empty(t, f.caller.methods())
}
