// Package jobs submits test jobs against reserved boards and completes
// them after a delay.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/infrasense/labfarm/pkg/access"
	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/infrasense/labfarm/pkg/labdb"
	"github.com/infrasense/labfarm/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// DefaultCompletionDelay is how long a job runs before it completes.
const DefaultCompletionDelay = 5 * time.Second

// Notifier delivers a notification to one user.
type Notifier interface {
	Notify(
		ctx context.Context, userID, title, message string, severity lab.Severity,
	) (lab.Notification, error)
}

// Scheduler owns the job lifecycle.
type Scheduler struct {
	log      logrus.FieldLogger
	db       *labdb.DB
	notifier Notifier
	policy   OutcomePolicy
	delay    time.Duration
	access   access.Options

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPolicy overrides how outcomes are chosen.
func WithPolicy(p OutcomePolicy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithCompletionDelay overrides the time between submission and
// completion.
func WithCompletionDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithAccessOptions sets how reservation holders are matched.
func WithAccessOptions(opts access.Options) Option {
	return func(s *Scheduler) { s.access = opts }
}

// NewScheduler creates a Scheduler. notifier may be nil.
func NewScheduler(
	log logrus.FieldLogger, db *labdb.DB, notifier Notifier, opts ...Option,
) *Scheduler {
	s := &Scheduler{
		log:      log.WithField("component", "jobs"),
		db:       db,
		notifier: notifier,
		policy:   DefaultPolicy(),
		delay:    DefaultCompletionDelay,
		timers:   make(map[string]*time.Timer, 8),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Submit creates a RUNNING job for owner on boards they currently hold and
// schedules its completion. It returns without waiting for the job.
func (s *Scheduler) Submit(
	ctx context.Context,
	owner lab.User,
	boardNames, testNames []string,
	model lab.ModelTag,
) (lab.TestJob, error) {
	if err := lab.Actor(&owner); err != nil {
		return lab.TestJob{}, err
	}

	if !owner.Role.CanReserve() {
		return lab.TestJob{}, lab.Forbiddenf("role %s cannot run jobs", owner.Role)
	}

	if len(boardNames) == 0 {
		return lab.TestJob{}, lab.Validationf("at least one board is required")
	}

	if len(testNames) == 0 {
		return lab.TestJob{}, lab.Validationf("at least one test is required")
	}

	if !model.Valid() {
		return lab.TestJob{}, lab.Validationf("unknown model %q", model)
	}

	boards, err := s.db.GetBoards(ctx)
	if err != nil {
		return lab.TestJob{}, err
	}

	for _, name := range boardNames {
		if !s.holds(owner, boards, name) {
			return lab.TestJob{}, lab.Conflictf("board %s is not reserved by %s", name, owner.Name)
		}
	}

	now := s.db.Now()
	deadline := now.Add(s.delay)

	job, err := s.db.CreateJob(ctx, lab.TestJob{
		UserID:        owner.ID,
		TestNames:     append([]string(nil), testNames...),
		BoardNames:    append([]string(nil), boardNames...),
		StartedAt:     now,
		CompleteAfter: &deadline,
		Status:        lab.JobRunning,
		Logs: []string{
			"[INFO] Job initialized by " + owner.Name,
			"[INFO] Allocating reserved boards: " + strings.Join(boardNames, ", "),
			"[INFO] Loading AI Model: " + string(model),
			fmt.Sprintf("[INFO] Starting execution of %d tests...", len(testNames)),
		},
		SelectedAIModel: model,
	})
	if err != nil {
		return lab.TestJob{}, err
	}

	metrics.RecordJobSubmitted()

	s.log.WithFields(logrus.Fields{
		"job":    job.ID,
		"user":   owner.ID,
		"boards": len(boardNames),
		"tests":  len(testNames),
		"in":     units.HumanDuration(s.delay),
	}).Info("Job submitted")

	s.arm(job.ID, s.delay)

	return job, nil
}

func (s *Scheduler) holds(owner lab.User, boards []lab.Board, name string) bool {
	for _, b := range boards {
		if b.Name == name && b.Status == lab.BoardReserved && access.IsHolder(owner, b, s.access) {
			return true
		}
	}

	return false
}

// Complete moves a RUNNING job to the outcome chosen by the policy and
// notifies its owner. It reports whether this call made the transition;
// a job that is already terminal is returned unchanged and nobody is
// notified again.
func (s *Scheduler) Complete(ctx context.Context, id string) (lab.TestJob, bool, error) {
	status := s.policy.Outcome()

	var completed bool

	job, err := s.db.ModifyJob(ctx, id, func(j *lab.TestJob) error {
		completed = false

		if j.Status != lab.JobRunning {
			return labdb.ErrNoChange
		}

		now := s.db.Now()

		j.Status = status
		j.CompletedAt = &now
		j.Logs = append(j.Logs, "[INFO] Running step 5/5...", outcomeLog(status))
		completed = true

		return nil
	})
	if err != nil {
		return lab.TestJob{}, false, err
	}

	if !completed {
		return job, false, nil
	}

	metrics.RecordJobCompleted(string(job.Status))

	s.log.WithFields(logrus.Fields{
		"job":    job.ID,
		"status": job.Status,
	}).Info("Job completed")

	if s.notifier == nil {
		return job, true, nil
	}

	severity := lab.SeverityError
	if job.Status == lab.JobPassed {
		severity = lab.SeveritySuccess
	}

	if _, err := s.notifier.Notify(
		ctx, job.UserID,
		fmt.Sprintf("Job %s Completed", job.ID),
		fmt.Sprintf("Status: %s. Tests: %s", job.Status, strings.Join(job.TestNames, ", ")),
		severity,
	); err != nil {
		return job, true, fmt.Errorf("notifying job owner: %w", err)
	}

	return job, true, nil
}

func outcomeLog(status lab.JobStatus) string {
	switch status {
	case lab.JobPassed:
		return "[SUCCESS] All checks passed."
	case lab.JobFailed:
		return "[ERROR] Assertion failed in module power_check"
	default:
		return "[ERROR] Execution aborted: board did not respond"
	}
}

// CompleteDue completes every RUNNING job whose deadline is at or before
// now and returns how many this call completed. Jobs without a deadline
// are left alone.
func (s *Scheduler) CompleteDue(ctx context.Context, now time.Time) (int, error) {
	jobs, err := s.db.GetJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing jobs: %w", err)
	}

	var (
		count int
		errs  []error
	)

	for _, j := range jobs {
		if !j.Due(now) {
			continue
		}

		_, completed, err := s.Complete(ctx, j.ID)
		if completed {
			count++
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("completing %s: %w", j.ID, err))
		}
	}

	if count > 0 {
		s.log.WithField("count", count).Info("Completed overdue jobs")
	}

	return count, errors.Join(errs...)
}

// Resume arms completion timers for RUNNING jobs that still have a future
// deadline, typically after a restart. Jobs already due are completed by
// the next CompleteDue pass.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	jobs, err := s.db.GetJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing jobs: %w", err)
	}

	now := s.db.Now()

	var armed int

	for _, j := range jobs {
		if j.Status != lab.JobRunning || j.CompleteAfter == nil {
			continue
		}

		if s.arm(j.ID, j.CompleteAfter.Sub(now)) {
			armed++
		}
	}

	if armed > 0 {
		s.log.WithField("count", armed).Info("Resumed running jobs")
	}

	return armed, nil
}

// History returns the jobs user may see, most recent first. Admins see
// every job.
func (s *Scheduler) History(ctx context.Context, user lab.User) ([]lab.TestJob, error) {
	all, err := s.db.GetJobs(ctx)
	if err != nil {
		return nil, err
	}

	if user.Role == lab.RoleAdmin {
		return all, nil
	}

	out := make([]lab.TestJob, 0, len(all))

	for _, j := range all {
		if j.UserID == user.ID {
			out = append(out, j)
		}
	}

	return out, nil
}

// arm schedules a one-shot completion. It reports false when the
// scheduler is stopped or the job already has a timer.
func (s *Scheduler) arm(id string, after time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	if _, ok := s.timers[id]; ok {
		return false
	}

	s.timers[id] = time.AfterFunc(max(after, 0), func() { s.fire(id) })

	return true
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()

	delete(s.timers, id)

	if s.stopped {
		s.mu.Unlock()

		return
	}

	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	if _, _, err := s.Complete(context.Background(), id); err != nil {
		s.log.WithError(err).WithField("job", id).Warn("Failed to complete job")
	}
}

// Pending returns how many completion timers are armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}

// Stop cancels armed timers and waits for in-flight completions. Jobs left
// RUNNING keep their deadline and are picked up by CompleteDue.
func (s *Scheduler) Stop() {
	s.mu.Lock()

	s.stopped = true

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}

	s.mu.Unlock()

	s.wg.Wait()
}
