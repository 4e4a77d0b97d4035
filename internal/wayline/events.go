package wayline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skyfleet/cloudlink/internal/dispatch"
)

// Asynchronous notifications from the dock.
const (
	MethodProgress    = "task_progress"
	MethodReady       = "task_ready"
	MethodResourceGet = "task_resource_get"
)

// Progress event statuses reported by the dock.
const (
	EventStatusSent       = "sent"
	EventStatusInProgress = "in_progress"
	EventStatusPaused     = "paused"
	EventStatusOK         = "ok"
	EventStatusRejected   = "rejected"
	EventStatusCanceled   = "canceled"
	EventStatusFailed     = "failed"
	EventStatusTimeout    = "timeout"
)

func terminalEvent(status string) bool {
	switch status {
	case EventStatusOK, EventStatusRejected, EventStatusCanceled,
		EventStatusFailed, EventStatusTimeout:
		return true
	}
	return false
}

type progressExt struct {
	FlightID   string `json:"flight_id"`
	MediaCount int    `json:"media_count"`
}

type progressOutput struct {
	Status   string      `json:"status"`
	Progress Progress    `json:"progress"`
	Ext      progressExt `json:"ext"`
}

type progressEvent struct {
	Result int            `json:"result"`
	Output progressOutput `json:"output"`
}

type readyEvent struct {
	FlightIDs []string `json:"flight_ids"`
}

type resourceRequest struct {
	FlightID string `json:"flight_id"`
}

type resourceResponse struct {
	File missionFile `json:"file"`
}

// EventTransport acknowledges inbound events and requests.
type EventTransport interface {
	Ack(category dispatch.Category, sn string, req *dispatch.Envelope, result int, output interface{}) error
}

type Dispatcher interface {
	Register(category dispatch.Category, method string, h dispatch.HandlerFunc)
}

// Events consumes mission progress, readiness and resource-pull traffic from
// the docks.
type Events struct {
	jobs      *Store
	publisher *Publisher
	files     FileService
	transport EventTransport
	log       *logrus.Entry
}

func NewEvents(jobs *Store, publisher *Publisher, files FileService, transport EventTransport) *Events {
	return &Events{
		jobs:      jobs,
		publisher: publisher,
		files:     files,
		transport: transport,
		log:       logrus.WithField("component", "wayline.events"),
	}
}

func (e *Events) Register(ctx context.Context, d Dispatcher) {
	d.Register(dispatch.CategoryEvents, MethodProgress, e.handleProgress(ctx))
	d.Register(dispatch.CategoryEvents, MethodReady, e.handleReady(ctx))
	d.Register(dispatch.CategoryRequests, MethodResourceGet, e.handleResourceGet(ctx))
}

// handleProgress applies one progress report. Terminal reports win no matter
// how late or out of order they arrive; non-terminal ones just overwrite the
// running pointer, last write wins.
func (e *Events) handleProgress(ctx context.Context) dispatch.HandlerFunc {
	return func(dockSN string, env *dispatch.Envelope) {
		var ev progressEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			e.log.Warnf("Could not unmarshal progress from %s: %v", dockSN, err)
			return
		}
		jobID := ev.Output.Ext.FlightID
		if jobID == "" {
			e.log.Warnf("Progress from %s without flight id", dockSN)
			return
		}
		e.ack(dispatch.CategoryEvents, dockSN, env)

		if !terminalEvent(ev.Output.Status) {
			e.jobs.SetRunning(dockSN, RunningState{JobID: jobID, Progress: ev.Output.Progress})
			return
		}

		switch ev.Output.Status {
		case EventStatusOK:
			err := e.jobs.Transition(ctx, jobID, func(j *Job) {
				j.Status = StatusSuccess
				j.CompletedTime = time.Now()
				j.MediaCount = ev.Output.Ext.MediaCount
			})
			if err != nil {
				e.log.Warnf("Could not complete job %s: %v", jobID, err)
			}
		case EventStatusCanceled:
			err := e.jobs.Transition(ctx, jobID, func(j *Job) {
				j.Status = StatusCancelled
				j.CompletedTime = time.Now()
			})
			if err != nil {
				e.log.Warnf("Could not record abort of job %s: %v", jobID, err)
			}
		default:
			code := ev.Result
			if code == dispatch.ReplyOK {
				code = CodeInternal
			}
			e.jobs.MarkFailed(ctx, jobID, code)
		}

		if running, ok := e.jobs.RunningState(dockSN); ok && running.JobID == jobID {
			e.jobs.ClearRunning(dockSN)
		}
		if paused, ok := e.jobs.PausedState(dockSN); ok && paused.JobID == jobID {
			e.jobs.ClearPaused(dockSN)
		}
	}
}

// handleReady executes pending conditional jobs the dock reports as ready,
// unless the dock is backing off a blocking rejection.
func (e *Events) handleReady(ctx context.Context) dispatch.HandlerFunc {
	return func(dockSN string, env *dispatch.Envelope) {
		var ev readyEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			e.log.Warnf("Could not unmarshal ready event from %s: %v", dockSN, err)
			return
		}
		e.ack(dispatch.CategoryEvents, dockSN, env)

		if e.jobs.Blocked(dockSN) {
			return
		}
		for _, jobID := range ev.FlightIDs {
			job, err := e.jobs.Get(ctx, jobID)
			if err != nil {
				e.log.Warnf("Ready notice for unknown job %s: %v", jobID, err)
				continue
			}
			if job.Status != StatusPending {
				continue
			}
			if err := e.publisher.Execute(ctx, job); err != nil {
				e.log.Warnf("Ready execute of %s failed: %v", jobID, err)
			}
		}
	}
}

// handleResourceGet answers a dock pulling the mission file reference for a
// job it was told to prepare.
func (e *Events) handleResourceGet(ctx context.Context) dispatch.HandlerFunc {
	return func(dockSN string, env *dispatch.Envelope) {
		var req resourceRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			e.log.Warnf("Could not unmarshal resource request from %s: %v", dockSN, err)
			return
		}

		job, err := e.jobs.Get(ctx, req.FlightID)
		if err != nil {
			e.log.Warnf("Resource request for unknown job %s", req.FlightID)
			e.ackResult(dispatch.CategoryRequests, dockSN, env, CodeDataNotFound, nil)
			return
		}
		url, fingerprint, err := e.files.MissionResource(ctx, job.WorkspaceID, job.FileID)
		if err != nil {
			e.log.Warnf("Could not resolve mission file for %s: %v", req.FlightID, err)
			e.ackResult(dispatch.CategoryRequests, dockSN, env, CodeInternal, nil)
			return
		}
		e.ackResult(dispatch.CategoryRequests, dockSN, env, dispatch.ReplyOK,
			resourceResponse{File: missionFile{URL: url, Fingerprint: fingerprint}})
	}
}

func (e *Events) ack(category dispatch.Category, sn string, env *dispatch.Envelope) {
	e.ackResult(category, sn, env, dispatch.ReplyOK, nil)
}

func (e *Events) ackResult(category dispatch.Category, sn string, env *dispatch.Envelope, result int, output interface{}) {
	if err := e.transport.Ack(category, sn, env, result, output); err != nil {
		e.log.Warnf("Could not ack %s from %s: %v", env.Method, sn, err)
	}
}
