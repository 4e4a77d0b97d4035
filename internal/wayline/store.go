package wayline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/skyfleet/cloudlink/internal/statestore"
)

// Pointer TTLs. A dock that crashes mid-mission stops refreshing these, so
// the control plane's view self-heals after a bounded time.
const (
	RunningTTL = 10 * time.Minute
	PausedTTL  = 10 * time.Minute
	BlockedTTL = 10 * time.Minute
)

// ErrTerminal rejects mutation of a job that already reached a terminal
// status.
var ErrTerminal = errors.New("job status is terminal")

// Store is the job record layer: durable CRUD through Repository plus the
// live fields sourced from the state store.
type Store struct {
	repo  Repository
	state statestore.Store
	log   *logrus.Entry
}

func NewStore(repo Repository, state statestore.Store) *Store {
	return &Store{
		repo:  repo,
		state: state,
		log:   logrus.WithField("component", "wayline"),
	}
}

func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.Get(ctx, jobID)
}

func (s *Store) Create(ctx context.Context, job *Job) error {
	return s.repo.Create(ctx, job)
}

// Transition loads the job, applies mutate and writes it back. A job in a
// terminal status is never modified again.
func (s *Store) Transition(ctx context.Context, jobID string, mutate func(*Job)) error {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return errors.Wrapf(ErrTerminal, "job %s is %s", jobID, job.Status)
	}
	mutate(job)
	return s.repo.Update(ctx, job)
}

// MarkFailed records a terminal failure with its error code. Failures on an
// already-terminal job are dropped, so the first terminal outcome wins.
func (s *Store) MarkFailed(ctx context.Context, jobID string, code int) {
	err := s.Transition(ctx, jobID, func(job *Job) {
		job.Status = StatusFailed
		job.ErrorCode = code
		job.CompletedTime = time.Now()
	})
	if err != nil && !errors.Is(err, ErrTerminal) {
		s.log.Warnf("Could not mark job %s failed: %v", jobID, err)
		return
	}
	if err == nil {
		s.log.Infof("Job %s failed: code=%d", jobID, code)
	}
}

// View is the externally visible job: the durable record plus live fields.
type View struct {
	Job
	Progress *Progress `json:"progress,omitempty"`
	Paused   bool      `json:"paused"`
	Blocked  bool      `json:"blocked"`
}

func (s *Store) View(ctx context.Context, jobID string) (*View, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	view := &View{Job: *job}

	if running, ok := s.RunningState(job.DockSN); ok && running.JobID == jobID {
		progress := running.Progress
		view.Progress = &progress
	}
	if paused, ok := s.PausedState(job.DockSN); ok && paused.JobID == jobID {
		view.Paused = true
	}
	if blocked, ok := s.state.Get(statestore.BlockedJobKey(job.DockSN)); ok && string(blocked) == jobID {
		view.Blocked = true
	}
	return view, nil
}

// SetRunning writes the running pointer for a dock.
func (s *Store) SetRunning(dockSN string, rs RunningState) {
	b, _ := json.Marshal(rs)
	s.state.Set(statestore.RunningJobKey(dockSN), b, RunningTTL)
}

func (s *Store) ClearRunning(dockSN string) {
	s.state.Delete(statestore.RunningJobKey(dockSN))
}

func (s *Store) RunningState(dockSN string) (RunningState, bool) {
	return s.pointer(statestore.RunningJobKey(dockSN))
}

func (s *Store) SetPaused(dockSN string, rs RunningState) {
	b, _ := json.Marshal(rs)
	s.state.Set(statestore.PausedJobKey(dockSN), b, PausedTTL)
}

func (s *Store) ClearPaused(dockSN string) {
	s.state.Delete(statestore.PausedJobKey(dockSN))
}

func (s *Store) PausedState(dockSN string) (RunningState, bool) {
	return s.pointer(statestore.PausedJobKey(dockSN))
}

func (s *Store) pointer(key string) (RunningState, bool) {
	raw, ok := s.state.Get(key)
	if !ok {
		return RunningState{}, false
	}
	var rs RunningState
	if err := json.Unmarshal(raw, &rs); err != nil {
		s.log.Warnf("Corrupt pointer %s: %v", key, err)
		return RunningState{}, false
	}
	return rs, true
}

// Block backs the conditional scheduler off a dock after a blocking
// rejection.
func (s *Store) Block(dockSN, jobID string) {
	s.state.Set(statestore.BlockedJobKey(dockSN), []byte(jobID), BlockedTTL)
}

func (s *Store) Blocked(dockSN string) bool {
	return s.state.Exists(statestore.BlockedJobKey(dockSN))
}

// PutSeed caches a conditional job definition until its window closes.
func (s *Store) PutSeed(seed *Seed) {
	b, _ := json.Marshal(seed)
	ttl := time.Until(seed.Job.EndTime) + time.Hour
	s.state.Set(statestore.ConditionalKey(seed.Job.ID), b, ttl)
}

// ChainSeed rewrites a predecessor's conditional record to point at its live
// retry clone, so readers following the original id land on the current
// attempt.
func (s *Store) ChainSeed(predecessorID string, seed *Seed) {
	b, _ := json.Marshal(seed)
	ttl := time.Until(seed.Job.EndTime) + time.Hour
	s.state.Set(statestore.ConditionalKey(predecessorID), b, ttl)
}

func (s *Store) GetSeed(jobID string) (*Seed, bool) {
	raw, ok := s.state.Get(statestore.ConditionalKey(jobID))
	if !ok {
		return nil, false
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		s.log.Warnf("Corrupt conditional seed %s: %v", jobID, err)
		return nil, false
	}
	return &seed, true
}
