package wayline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skyfleet/cloudlink/internal/dispatch"
	"github.com/skyfleet/cloudlink/internal/statestore"
	"github.com/skyfleet/cloudlink/internal/telemetry"
)

// Shared fakes for the wayline tests.

type memRepo struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: make(map[string]*Job)}
}

func (r *memRepo) Create(ctx context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *job
	r.jobs[job.ID] = &clone
	return nil
}

func (r *memRepo) Get(ctx context.Context, jobID string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (r *memRepo) Update(ctx context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	clone := *job
	r.jobs[job.ID] = &clone
	return nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

type recordedCall struct {
	sn     string
	method string
}

type fakeCaller struct {
	mu      sync.Mutex
	calls   []recordedCall
	replies map[string]*dispatch.Reply
	errs    map[string]error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		replies: make(map[string]*dispatch.Reply),
		errs:    make(map[string]error),
	}
}

func (f *fakeCaller) Call(ctx context.Context, sn, method string, payload interface{}) (*dispatch.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{sn, method})
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	if reply, ok := f.replies[method]; ok {
		return reply, nil
	}
	return &dispatch.Reply{Result: dispatch.ReplyOK}, nil
}

func (f *fakeCaller) reject(method string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = &dispatch.Reply{Result: code}
}

func (f *fakeCaller) fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

func (f *fakeCaller) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.method)
	}
	return out
}

type fakePresence struct {
	online   map[string]bool
	children map[string]string
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string]bool), children: make(map[string]string)}
}

func (f *fakePresence) CheckOnline(sn string) bool { return f.online[sn] }

func (f *fakePresence) Child(gatewaySN string) (string, bool) {
	child, ok := f.children[gatewaySN]
	return child, ok
}

type fakeFiles struct{}

func (fakeFiles) MissionResource(ctx context.Context, workspaceID, fileID string) (string, string, error) {
	return "https://files.example/" + workspaceID + "/" + fileID, "sha256:0d9f", nil
}

type recordedAck struct {
	category dispatch.Category
	sn       string
	result   int
	output   interface{}
}

type fakeAcker struct {
	acks []recordedAck
}

func (f *fakeAcker) Ack(category dispatch.Category, sn string, req *dispatch.Envelope, result int, output interface{}) error {
	f.acks = append(f.acks, recordedAck{category, sn, result, output})
	return nil
}

type fixture struct {
	repo      *memRepo
	state     *statestore.MemoryStore
	store     *Store
	caller    *fakeCaller
	presence  *fakePresence
	publisher *Publisher
	scheduler *Scheduler
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	state := statestore.NewMemoryStore()
	t.Cleanup(state.Close)

	repo := newMemRepo()
	store := NewStore(repo, state)
	caller := newFakeCaller()
	presence := newFakePresence()
	publisher := NewPublisher(caller, presence, fakeFiles{}, store, state)
	scheduler := NewScheduler(state, store, publisher)

	f := &fixture{
		repo:      repo,
		state:     state,
		store:     store,
		caller:    caller,
		presence:  presence,
		publisher: publisher,
		scheduler: scheduler,
		clock:     time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	scheduler.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) newJob(t *testing.T, id string, taskType TaskType, begin time.Time) *Job {
	job := &Job{
		ID:          id,
		WorkspaceID: "ws-1",
		DockSN:      "dock-1",
		FileID:      "file-" + id,
		Name:        "survey " + id,
		Status:      StatusPending,
		TaskType:    taskType,
		BeginTime:   begin,
	}
	require.NoError(t, f.repo.Create(context.Background(), job))
	return job
}

func (f *fixture) dockOnline() {
	f.presence.online["dock-1"] = true
}

func (f *fixture) inMissionFlight() {
	f.presence.children["dock-1"] = "ac-1"
	dockOSD, _ := json.Marshal(telemetry.OSD{ModeCode: telemetry.DockModeWorking})
	f.state.Set(statestore.OSDKey("dock-1"), dockOSD, 0)
	acOSD, _ := json.Marshal(telemetry.OSD{ModeCode: telemetry.AircraftModeMission})
	f.state.Set(statestore.OSDKey("ac-1"), acOSD, 0)
}

func (f *fixture) jobStatus(t *testing.T, id string) Status {
	job, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func (f *fixture) jobRecord(t *testing.T, id string) *Job {
	job, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}
