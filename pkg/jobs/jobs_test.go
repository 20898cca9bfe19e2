package jobs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/infrasense/labfarm/pkg/access"
	"github.com/infrasense/labfarm/pkg/jobs"
	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/infrasense/labfarm/pkg/labdb"
	"github.com/infrasense/labfarm/pkg/notify"
	"github.com/infrasense/labfarm/pkg/statestore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	alice   = lab.User{ID: "ALIC02", Name: "Alice Engineer", Role: lab.RoleTester, Status: lab.UserActive}
	charlie = lab.User{ID: "CHAR03", Name: "Charlie Dev", Role: lab.RoleUser, Status: lab.UserActive}
	bob     = lab.User{ID: "BOBV04", Name: "Bob Viewer", Role: lab.RoleViewer, Status: lab.UserActive}
)

type fixture struct {
	db        *labdb.DB
	notifier  *notify.Dispatcher
	scheduler *jobs.Scheduler
}

func setup(t *testing.T, opts ...jobs.Option) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	db := labdb.New(log, statestore.NewMemoryStore(),
		labdb.WithClock(func() time.Time { return now }),
		labdb.WithMaxAttempts(100),
	)

	_, err := db.Init(context.Background(), labdb.DefaultSeed(now))
	require.NoError(t, err)

	n := notify.NewDispatcher(log, db)

	opts = append([]jobs.Option{
		jobs.WithCompletionDelay(time.Hour),
		jobs.WithAccessOptions(access.Options{LegacyNameMatch: true}),
	}, opts...)

	s := jobs.NewScheduler(log, db, n, opts...)
	t.Cleanup(s.Stop)

	return &fixture{db: db, notifier: n, scheduler: s}
}

// reserveFor puts board id under user's reservation directly in the store.
func (f *fixture) reserveFor(t *testing.T, id string, user lab.User) {
	t.Helper()

	_, err := f.db.ModifyBoard(context.Background(), id, func(b *lab.Board) error {
		b.ClearReservation()
		b.SetReservation(user, now.Add(-time.Minute), now.Add(time.Hour))

		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) completionNotes(t *testing.T, userID, jobID string) int {
	t.Helper()

	notes, err := f.notifier.List(context.Background(), userID)
	require.NoError(t, err)

	var count int

	for _, n := range notes {
		if n.Title == "Job "+jobID+" Completed" {
			count++
		}
	}

	return count
}

func TestSubmit_ThenCompleteAfterDelay(t *testing.T) {
	ctx := context.Background()
	f := setup(t, jobs.WithCompletionDelay(10*time.Millisecond))

	job, err := f.scheduler.Submit(
		ctx, alice, []string{"Xeon-W-3400"}, []string{"t1", "t2"}, lab.ModelAuto,
	)
	require.NoError(t, err)
	assert.Equal(t, "JOB-0003", job.ID)
	assert.Equal(t, lab.JobRunning, job.Status)
	assert.Equal(t, []string{
		"[INFO] Job initialized by Alice Engineer",
		"[INFO] Allocating reserved boards: Xeon-W-3400",
		"[INFO] Loading AI Model: Auto-Select (GenAI)",
		"[INFO] Starting execution of 2 tests...",
	}, job.Logs)
	require.NotNil(t, job.CompleteAfter)

	seq, err := f.db.JobSequence(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, seq)

	require.Eventually(t, func() bool {
		j, err := f.db.GetJob(ctx, job.ID)

		return err == nil && j.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)

	done, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, []lab.JobStatus{lab.JobPassed, lab.JobFailed}, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "[INFO] Running step 5/5...", done.Logs[4])
	assert.Len(t, done.Logs, 6)
	assert.Equal(t, 1, f.completionNotes(t, alice.ID, job.ID))
	assert.Zero(t, f.scheduler.Pending())
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	tests := []struct {
		name    string
		owner   lab.User
		boards  []string
		tests   []string
		model   lab.ModelTag
		wantErr error
	}{
		{name: "no boards", owner: alice, tests: []string{"t1"}, model: lab.ModelAuto, wantErr: lab.ErrValidation},
		{name: "no tests", owner: alice, boards: []string{"Xeon-W-3400"}, model: lab.ModelAuto, wantErr: lab.ErrValidation},
		{name: "unknown model", owner: alice, boards: []string{"Xeon-W-3400"}, tests: []string{"t1"}, model: "GPT", wantErr: lab.ErrValidation},
		{name: "viewer", owner: bob, boards: []string{"Xeon-W-3400"}, tests: []string{"t1"}, model: lab.ModelAuto, wantErr: lab.ErrForbidden},
		{name: "board held by someone else", owner: charlie, boards: []string{"Xeon-W-3400"}, tests: []string{"t1"}, model: lab.ModelAuto, wantErr: lab.ErrConflict},
		{name: "board not reserved", owner: alice, boards: []string{"NUC-13-Extreme"}, tests: []string{"t1"}, model: lab.ModelAuto, wantErr: lab.ErrConflict},
		{name: "unknown board", owner: alice, boards: []string{"nope"}, tests: []string{"t1"}, model: lab.ModelAuto, wantErr: lab.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.scheduler.Submit(ctx, tt.owner, tt.boards, tt.tests, tt.model)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	seq, err := f.db.JobSequence(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, seq, "rejected submissions must not consume ids")
}

func TestSubmit_MonotonicAcrossActors(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.reserveFor(t, "1", charlie)

	want := []string{"JOB-0003", "JOB-0004", "JOB-0005", "JOB-0006", "JOB-0007", "JOB-0008"}

	for i, id := range want {
		owner, board := alice, "Xeon-W-3400"
		if i%2 == 1 {
			owner, board = charlie, "NUC-13-Extreme"
		}

		job, err := f.scheduler.Submit(ctx, owner, []string{board}, []string{"t1"}, lab.ModelLSTM)
		require.NoError(t, err)
		assert.Equal(t, id, job.ID)
	}

	all, err := f.db.GetJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "JOB-0008", all[0].ID, "newest job first")
	assert.Equal(t, len(want), f.scheduler.Pending())
}

func TestSubmit_ConcurrentIDsAreDistinct(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.reserveFor(t, "1", charlie)

	const perActor = 5

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]struct{}, 2*perActor)
	)

	submit := func(owner lab.User, board string) {
		defer wg.Done()

		for range perActor {
			job, err := f.scheduler.Submit(ctx, owner, []string{board}, []string{"t1"}, lab.ModelCNN)
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			ids[job.ID] = struct{}{}
			mu.Unlock()
		}
	}

	wg.Add(2)

	go submit(alice, "Xeon-W-3400")
	go submit(charlie, "NUC-13-Extreme")

	wg.Wait()

	assert.Len(t, ids, 2*perActor)

	for seq := int64(3); seq < 3+2*perActor; seq++ {
		assert.Contains(t, ids, lab.FormatJobID(seq))
	}
}

func TestComplete_RacersNotifyOnce(t *testing.T) {
	ctx := context.Background()
	f := setup(t, jobs.WithPolicy(jobs.FixedPolicy(lab.JobFailed)))

	job, err := f.scheduler.Submit(ctx, alice, []string{"Xeon-W-3400"}, []string{"t1", "t3"}, lab.ModelAuto)
	require.NoError(t, err)

	const racers = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		statuses []lab.JobStatus
	)

	for range racers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			j, completed, err := f.scheduler.Complete(ctx, job.ID)
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			defer mu.Unlock()

			if completed {
				winners++
			}

			statuses = append(statuses, j.Status)
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, winners)

	for _, s := range statuses {
		assert.Equal(t, lab.JobFailed, s)
	}

	assert.Equal(t, 1, f.completionNotes(t, alice.ID, job.ID))

	notes, err := f.notifier.List(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.SeverityError, notes[0].Type)
	assert.Equal(t, "Status: FAILED. Tests: t1, t3", notes[0].Message)

	done, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "[ERROR] Assertion failed in module power_check", done.Logs[len(done.Logs)-1])
}

func TestComplete_TerminalJobUntouched(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	j, completed, err := f.scheduler.Complete(ctx, "JOB-0001")
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, lab.JobPassed, j.Status)
	assert.Len(t, j.Logs, 2)

	_, _, err = f.scheduler.Complete(ctx, "JOB-9999")
	require.ErrorIs(t, err, lab.ErrNotFound)
}

func TestCompleteDue(t *testing.T) {
	ctx := context.Background()
	f := setup(t, jobs.WithPolicy(jobs.FixedPolicy(lab.JobPassed)))

	job, err := f.scheduler.Submit(ctx, alice, []string{"Xeon-W-3400"}, []string{"t1"}, lab.ModelAuto)
	require.NoError(t, err)

	n, err := f.scheduler.CompleteDue(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "deadline not reached")

	n, err = f.scheduler.CompleteDue(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.scheduler.CompleteDue(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	done, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.JobPassed, done.Status)
	assert.Equal(t, "[SUCCESS] All checks passed.", done.Logs[len(done.Logs)-1])
	assert.Equal(t, 1, f.completionNotes(t, alice.ID, job.ID))
}

func TestResume_ArmsRunningJobs(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.scheduler.Submit(ctx, alice, []string{"Xeon-W-3400"}, []string{"t1"}, lab.ModelAuto)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	restarted := jobs.NewScheduler(log, f.db, f.notifier)
	t.Cleanup(restarted.Stop)

	armed, err := restarted.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, armed)

	armed, err = restarted.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, armed, "already armed")
}

func TestStop_CancelsTimers(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	job, err := f.scheduler.Submit(ctx, alice, []string{"Xeon-W-3400"}, []string{"t1"}, lab.ModelAuto)
	require.NoError(t, err)
	require.Equal(t, 1, f.scheduler.Pending())

	f.scheduler.Stop()
	assert.Zero(t, f.scheduler.Pending())

	j, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.JobRunning, j.Status)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	own, err := f.scheduler.History(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, own, 2)

	none, err := f.scheduler.History(ctx, charlie)
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := f.scheduler.History(ctx, lab.User{ID: "ADMI01", Role: lab.RoleAdmin})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWeightedPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy jobs.WeightedPolicy
		want   []lab.JobStatus
	}{
		{name: "default", policy: jobs.DefaultPolicy(), want: []lab.JobStatus{lab.JobPassed, lab.JobFailed}},
		{name: "only errors", policy: jobs.WeightedPolicy{Error: 3}, want: []lab.JobStatus{lab.JobError}},
		{name: "all zero passes", policy: jobs.WeightedPolicy{}, want: []lab.JobStatus{lab.JobPassed}},
		{name: "negative ignored", policy: jobs.WeightedPolicy{Passed: -4, Failed: 1}, want: []lab.JobStatus{lab.JobFailed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 200 {
				assert.Contains(t, tt.want, tt.policy.Outcome())
			}
		})
	}
}
