package wayline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/skyfleet/cloudlink/internal/dispatch"
	"github.com/skyfleet/cloudlink/internal/statestore"
)

// Sweep timing defaults.
const (
	DefaultCadence       = 5 * time.Second
	DefaultGrace         = 30 * time.Second
	DefaultLead          = 24 * time.Hour
	DefaultBlockDuration = 10 * time.Minute
)

var (
	timedExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudlink_scheduler_timed_expired_total",
		Help: "Timed jobs found past their grace window and failed.",
	})
	timedDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudlink_scheduler_timed_dispatched_total",
		Help: "Timed jobs handed to the dock by the deadline sweep.",
	})
	conditionalPrepared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudlink_scheduler_conditional_prepared_total",
		Help: "Conditional jobs whose dock-side prepare succeeded.",
	})
	conditionalClones = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudlink_scheduler_conditional_clones_total",
		Help: "Retry clones created after blocking rejections.",
	})
)

// Scheduler owns the two periodic sweeps that turn stored jobs into
// dispatched missions.
type Scheduler struct {
	state     statestore.Store
	jobs      *Store
	publisher *Publisher
	log       *logrus.Entry

	now           func() time.Time
	cadence       time.Duration
	grace         time.Duration
	lead          time.Duration
	blockDuration time.Duration
}

func NewScheduler(state statestore.Store, jobs *Store, publisher *Publisher) *Scheduler {
	return &Scheduler{
		state:         state,
		jobs:          jobs,
		publisher:     publisher,
		log:           logrus.WithField("component", "wayline.scheduler"),
		now:           time.Now,
		cadence:       DefaultCadence,
		grace:         DefaultGrace,
		lead:          DefaultLead,
		blockDuration: DefaultBlockDuration,
	}
}

// SetClock substitutes the time source; sweeps become deterministic in
// tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) SetCadence(d time.Duration) { s.cadence = d }

// SetWindows overrides the grace, lead and back-off durations.
func (s *Scheduler) SetWindows(grace, lead, block time.Duration) {
	if grace > 0 {
		s.grace = grace
	}
	if lead > 0 {
		s.lead = lead
	}
	if block > 0 {
		s.blockDuration = block
	}
}

// Run starts both sweep loops. They stop when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cadence):
				s.SweepTimed(ctx)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cadence):
				s.SweepConditional(ctx)
			}
		}
	}()
	s.log.Infof("Sweeps running every %v", s.cadence)
}

// EnqueueTimed inserts a TIMED job into the deadline set.
func (s *Scheduler) EnqueueTimed(job *Job) {
	member := statestore.JobMember(job.WorkspaceID, job.DockSN, job.ID)
	s.state.ZAdd(statestore.SetTimedExecute, member, job.BeginTime.UnixMilli())
}

// EnqueueConditional inserts a CONDITIONAL job into the preparation set and
// caches its seed.
func (s *Scheduler) EnqueueConditional(seed *Seed) {
	s.jobs.PutSeed(seed)
	member := statestore.JobMember(seed.Job.WorkspaceID, seed.Job.DockSN, seed.Job.ID)
	s.state.ZAdd(statestore.SetConditionalPrepare, member, seed.Job.BeginTime.UnixMilli())
}

// SweepTimed drains the deadline set: every entry at or past its due time is
// consumed exactly once, either dispatched or failed as expired.
func (s *Scheduler) SweepTimed(ctx context.Context) {
	for {
		member, score, ok := s.state.ZPopMin(statestore.SetTimedExecute)
		if !ok {
			return
		}
		due := time.UnixMilli(score)
		now := s.now()
		if due.After(now) {
			// Not due yet; put it back and stop.
			s.state.ZAdd(statestore.SetTimedExecute, member, score)
			return
		}

		_, _, jobID, err := statestore.SplitJobMember(member)
		if err != nil {
			s.log.Warnf("Dropping timed entry: %v", err)
			continue
		}

		if now.Sub(due) > s.grace {
			s.log.Warnf("Job %s missed its window by %v", jobID, now.Sub(due))
			s.jobs.MarkFailed(ctx, jobID, CodeTimeout)
			timedExpired.Inc()
			continue
		}

		job, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			s.log.Warnf("Timed job %s not loadable: %v", jobID, err)
			s.jobs.MarkFailed(ctx, jobID, CodeDataNotFound)
			continue
		}
		if err := s.publisher.Execute(ctx, job); err != nil {
			// Execute already resolved the job status.
			s.log.Warnf("Dispatch of %s failed: %v", jobID, err)
			continue
		}
		timedDispatched.Inc()
	}
}

// SweepConditional drains the preparation set up to the lead window. Each
// entry gets exactly one preparation attempt; blocking rejections inside the
// job's window spawn one retry clone.
func (s *Scheduler) SweepConditional(ctx context.Context) {
	for {
		member, score, ok := s.state.ZPopMin(statestore.SetConditionalPrepare)
		if !ok {
			return
		}
		due := time.UnixMilli(score)
		now := s.now()
		if due.Sub(now) > s.lead {
			// Nothing inside the preparation horizon yet.
			s.state.ZAdd(statestore.SetConditionalPrepare, member, score)
			return
		}

		_, _, jobID, err := statestore.SplitJobMember(member)
		if err != nil {
			s.log.Warnf("Dropping conditional entry: %v", err)
			continue
		}

		seed, ok := s.jobs.GetSeed(jobID)
		if !ok {
			// Evicted before its scheduled prepare. Inventing defaults
			// here would detach the mission from its definition.
			s.log.Warnf("Conditional seed for %s is gone", jobID)
			s.jobs.MarkFailed(ctx, jobID, CodeDataNotFound)
			continue
		}

		result, err := s.publisher.Prepare(ctx, &seed.Job, &seed.Conditions)
		if err != nil {
			s.jobs.MarkFailed(ctx, jobID, CodeInternal)
			continue
		}
		if result == dispatch.ReplyOK {
			conditionalPrepared.Inc()
			continue
		}

		s.jobs.MarkFailed(ctx, jobID, result)
		if IsBlocking(result) && now.Before(seed.Job.EndTime) {
			s.cloneBlocked(ctx, seed, now)
		}
	}
}

// cloneBlocked re-enqueues the mission as a fresh job starting after the
// back-off, chained to its predecessor through ParentID and the
// predecessor's conditional record.
func (s *Scheduler) cloneBlocked(ctx context.Context, seed *Seed, now time.Time) {
	clone := seed.Job
	clone.ID = uuid.New().String()
	clone.ParentID = seed.Job.ID
	clone.Status = StatusPending
	clone.BeginTime = now.Add(s.blockDuration)
	clone.ErrorCode = 0
	clone.ExecuteTime = time.Time{}
	clone.CompletedTime = time.Time{}

	if err := s.jobs.Create(ctx, &clone); err != nil {
		s.log.Warnf("Could not persist retry clone of %s: %v", seed.Job.ID, err)
		return
	}

	newSeed := &Seed{Job: clone, Conditions: seed.Conditions}
	s.EnqueueConditional(newSeed)
	s.jobs.ChainSeed(seed.Job.ID, newSeed)
	conditionalClones.Inc()
	s.log.Infof("Job %s blocked, retry clone %s begins %v", seed.Job.ID, clone.ID, clone.BeginTime)
}
