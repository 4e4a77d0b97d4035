package wayline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/skyfleet/cloudlink/internal/dispatch"
	"github.com/skyfleet/cloudlink/internal/statestore"
	"github.com/skyfleet/cloudlink/internal/telemetry"
)

// Services methods of the mission sub-protocol.
const (
	MethodPrepare = "task_prepare"
	MethodExecute = "task_execute"
	MethodUndo    = "task_undo"
	MethodPause   = "task_pause"
	MethodResume  = "task_resume"
)

// Caller issues a synchronous services request and waits for the correlated
// reply.
type Caller interface {
	Call(ctx context.Context, sn, method string, payload interface{}) (*dispatch.Reply, error)
}

// Presence is the liveness/topology surface the publisher consults.
type Presence interface {
	CheckOnline(sn string) bool
	Child(gatewaySN string) (string, bool)
}

// FileService resolves a mission file id to a fetchable reference.
type FileService interface {
	MissionResource(ctx context.Context, workspaceID, fileID string) (url, fingerprint string, err error)
}

type missionFile struct {
	URL         string `json:"url"`
	Fingerprint string `json:"fingerprint"`
}

type readyConditions struct {
	BatteryCapacity int   `json:"battery_capacity"`
	BeginTime       int64 `json:"begin_time"`
	EndTime         int64 `json:"end_time"`
}

type executableConditions struct {
	StorageCapacity int `json:"storage_capacity"`
}

type prepareRequest struct {
	FlightID             string                `json:"flight_id"`
	TaskType             TaskType              `json:"task_type"`
	WaylineType          int                   `json:"wayline_type"`
	ExecuteTime          int64                 `json:"execute_time,omitempty"`
	RTHAltitude          int                   `json:"rth_altitude"`
	OutOfControlAction   int                   `json:"out_of_control_action"`
	File                 missionFile           `json:"file"`
	ReadyConditions      *readyConditions      `json:"ready_conditions,omitempty"`
	ExecutableConditions *executableConditions `json:"executable_conditions,omitempty"`
}

type flightRequest struct {
	FlightID string `json:"flight_id"`
}

type undoRequest struct {
	FlightIDs []string `json:"flight_ids"`
}

// Publisher implements the mission dispatch sub-protocol against one dock at
// a time.
type Publisher struct {
	caller   Caller
	presence Presence
	files    FileService
	jobs     *Store
	state    statestore.Store
	log      *logrus.Entry
}

func NewPublisher(caller Caller, presence Presence, files FileService, jobs *Store, state statestore.Store) *Publisher {
	return &Publisher{
		caller:   caller,
		presence: presence,
		files:    files,
		jobs:     jobs,
		state:    state,
		log:      logrus.WithField("component", "wayline.publisher"),
	}
}

// PublishOne runs the dispatch pipeline for a new job: liveness check,
// dock-side prepare, then the per-type start semantics.
func (p *Publisher) PublishOne(ctx context.Context, job *Job, conditions *Conditions) error {
	if !p.presence.CheckOnline(job.DockSN) {
		p.jobs.MarkFailed(ctx, job.ID, CodeDeviceOffline)
		return errors.Errorf("dock %s is offline", job.DockSN)
	}

	result, err := p.Prepare(ctx, job, conditions)
	if err != nil {
		p.jobs.MarkFailed(ctx, job.ID, CodeInternal)
		return err
	}
	if result != dispatch.ReplyOK {
		p.jobs.MarkFailed(ctx, job.ID, result)
		return errors.Errorf("dock %s rejected prepare: %d", job.DockSN, result)
	}

	switch job.TaskType {
	case TaskImmediate:
		return p.Execute(ctx, job)
	case TaskTimed:
		member := statestore.JobMember(job.WorkspaceID, job.DockSN, job.ID)
		p.state.ZAdd(statestore.SetTimedExecute, member, job.BeginTime.UnixMilli())
	case TaskConditional:
		// Enqueued into the preparation set by the caller; this prepare
		// was a readiness courtesy check only.
	}
	return nil
}

// Prepare issues the dock-side readiness handshake without starting the
// mission. Returns the remote result code.
func (p *Publisher) Prepare(ctx context.Context, job *Job, conditions *Conditions) (int, error) {
	url, fingerprint, err := p.files.MissionResource(ctx, job.WorkspaceID, job.FileID)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve mission file %s", job.FileID)
	}

	req := prepareRequest{
		FlightID:           job.ID,
		TaskType:           job.TaskType,
		WaylineType:        job.WaylineType,
		RTHAltitude:        job.RTHAltitude,
		OutOfControlAction: job.OutOfControlAction,
		File:               missionFile{URL: url, Fingerprint: fingerprint},
	}
	if job.TaskType != TaskImmediate {
		req.ExecuteTime = job.BeginTime.UnixMilli()
	}
	if job.TaskType == TaskConditional && conditions != nil {
		req.ReadyConditions = &readyConditions{
			BatteryCapacity: conditions.MinBatteryPercent,
			BeginTime:       job.BeginTime.UnixMilli(),
			EndTime:         job.EndTime.UnixMilli(),
		}
		req.ExecutableConditions = &executableConditions{
			StorageCapacity: conditions.MinStorageKB,
		}
	}

	reply, err := p.caller.Call(ctx, job.DockSN, MethodPrepare, req)
	if err != nil {
		return 0, errors.Wrapf(err, "prepare job %s", job.ID)
	}
	return reply.Result, nil
}

// Execute starts a prepared mission. Acceptance moves the job to
// IN_PROGRESS and seeds an empty running pointer; rejection is terminal,
// with blocking rejections of conditional jobs backing the dock off.
func (p *Publisher) Execute(ctx context.Context, job *Job) error {
	if !p.presence.CheckOnline(job.DockSN) {
		p.jobs.MarkFailed(ctx, job.ID, CodeDeviceOffline)
		return errors.Errorf("dock %s is offline", job.DockSN)
	}

	reply, err := p.caller.Call(ctx, job.DockSN, MethodExecute, flightRequest{FlightID: job.ID})
	if err != nil {
		code := CodeInternal
		if errors.Is(err, dispatch.ErrCallTimeout) {
			code = CodeTimeout
		}
		p.jobs.MarkFailed(ctx, job.ID, code)
		return errors.Wrapf(err, "execute job %s", job.ID)
	}
	if reply.Result != dispatch.ReplyOK {
		p.jobs.MarkFailed(ctx, job.ID, reply.Result)
		if job.TaskType == TaskConditional && IsBlocking(reply.Result) {
			p.jobs.Block(job.DockSN, job.ID)
		}
		return errors.Errorf("dock %s rejected execute: %d", job.DockSN, reply.Result)
	}

	err = p.jobs.Transition(ctx, job.ID, func(j *Job) {
		j.Status = StatusInProgress
		j.ExecuteTime = time.Now()
	})
	if err != nil {
		return err
	}
	p.jobs.SetRunning(job.DockSN, RunningState{JobID: job.ID})
	p.log.Infof("Job %s executing on %s", job.ID, job.DockSN)
	return nil
}

// Cancel withdraws pending jobs, one undo call per dock. Jobs past PENDING
// cannot be cancelled from the cloud side.
func (p *Publisher) Cancel(ctx context.Context, jobIDs []string) error {
	byDock := make(map[string][]*Job)
	for _, id := range jobIDs {
		job, err := p.jobs.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != StatusPending {
			return errors.Errorf("job %s is %s, only PENDING jobs can be cancelled", id, job.Status)
		}
		byDock[job.DockSN] = append(byDock[job.DockSN], job)
	}

	for dockSN, jobs := range byDock {
		ids := make([]string, 0, len(jobs))
		for _, job := range jobs {
			ids = append(ids, job.ID)
		}
		reply, err := p.caller.Call(ctx, dockSN, MethodUndo, undoRequest{FlightIDs: ids})
		if err != nil {
			return errors.Wrapf(err, "undo on %s", dockSN)
		}
		if reply.Result != dispatch.ReplyOK {
			return errors.Errorf("dock %s rejected undo: %d", dockSN, reply.Result)
		}
		for _, job := range jobs {
			err := p.jobs.Transition(ctx, job.ID, func(j *Job) {
				j.Status = StatusCancelled
				j.CompletedTime = time.Now()
			})
			if err != nil {
				return err
			}
			member := statestore.JobMember(job.WorkspaceID, job.DockSN, job.ID)
			p.state.ZRemove(statestore.SetTimedExecute, member)
		}
	}
	return nil
}

// Pause suspends a flying mission. Idempotent when the local cache already
// shows this job paused.
func (p *Publisher) Pause(ctx context.Context, jobID string) error {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if paused, ok := p.jobs.PausedState(job.DockSN); ok && paused.JobID == jobID {
		return nil
	}
	if err := p.checkInMission(job); err != nil {
		return err
	}

	reply, err := p.caller.Call(ctx, job.DockSN, MethodPause, flightRequest{FlightID: jobID})
	if err != nil {
		return errors.Wrapf(err, "pause job %s", jobID)
	}
	if reply.Result != dispatch.ReplyOK {
		return errors.Errorf("dock %s rejected pause: %d", job.DockSN, reply.Result)
	}

	// Preserve the last seen progress across the pause.
	running, ok := p.jobs.RunningState(job.DockSN)
	if !ok || running.JobID != jobID {
		running = RunningState{JobID: jobID}
	}
	p.jobs.ClearRunning(job.DockSN)
	p.jobs.SetPaused(job.DockSN, running)
	return p.jobs.Transition(ctx, jobID, func(j *Job) {
		j.Status = StatusPaused
	})
}

// Resume continues a paused mission, restoring the running pointer from the
// last known progress. Idempotent when the job is already running.
func (p *Publisher) Resume(ctx context.Context, jobID string) error {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if running, ok := p.jobs.RunningState(job.DockSN); ok && running.JobID == jobID {
		return nil
	}
	if err := p.checkInMission(job); err != nil {
		return err
	}

	reply, err := p.caller.Call(ctx, job.DockSN, MethodResume, flightRequest{FlightID: jobID})
	if err != nil {
		return errors.Wrapf(err, "resume job %s", jobID)
	}
	if reply.Result != dispatch.ReplyOK {
		return errors.Errorf("dock %s rejected resume: %d", job.DockSN, reply.Result)
	}

	state, ok := p.jobs.PausedState(job.DockSN)
	if !ok || state.JobID != jobID {
		state = RunningState{JobID: jobID}
	}
	p.jobs.ClearPaused(job.DockSN)
	p.jobs.SetRunning(job.DockSN, state)
	return p.jobs.Transition(ctx, jobID, func(j *Job) {
		j.Status = StatusInProgress
	})
}

// checkInMission verifies, from live dock and aircraft telemetry, that the
// dock is flying a mission right now.
func (p *Publisher) checkInMission(job *Job) error {
	dockOSD, ok := telemetry.CurrentOSD(p.state, job.DockSN)
	if !ok || dockOSD.ModeCode != telemetry.DockModeWorking {
		return errors.Errorf("dock %s is not working a mission", job.DockSN)
	}
	childSN, ok := p.presence.Child(job.DockSN)
	if !ok {
		return errors.Errorf("dock %s has no aircraft", job.DockSN)
	}
	aircraftOSD, ok := telemetry.CurrentOSD(p.state, childSN)
	if !ok {
		return errors.Errorf("no telemetry for aircraft %s", childSN)
	}
	switch aircraftOSD.ModeCode {
	case telemetry.AircraftModeMission, telemetry.AircraftModeJoystick:
		return nil
	}
	return errors.Errorf("aircraft %s is not in a mission (mode %d)", childSN, aircraftOSD.ModeCode)
}
