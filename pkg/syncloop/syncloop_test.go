package syncloop_test

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
	"github.com/infrasense/labfarm/pkg/reservation"
	"github.com/infrasense/labfarm/pkg/statestore"
	"github.com/infrasense/labfarm/pkg/syncloop"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = t
}

type fixture struct {
	clock     *clock
	db        *labdb.DB
	manager   *reservation.Manager
	scheduler *jobs.Scheduler
}

func setup(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	c := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	db := labdb.New(log, statestore.NewMemoryStore(),
		labdb.WithClock(c.Now),
		labdb.WithMaxAttempts(100),
	)

	_, err := db.Init(context.Background(), labdb.DefaultSeed(c.Now()))
	require.NoError(t, err)

	n := notify.NewDispatcher(log, db)
	opts := access.Options{LegacyNameMatch: true}

	s := jobs.NewScheduler(log, db, n,
		jobs.WithCompletionDelay(time.Hour),
		jobs.WithAccessOptions(opts),
		jobs.WithPolicy(jobs.FixedPolicy(lab.JobPassed)),
	)
	t.Cleanup(s.Stop)

	return &fixture{
		clock:     c,
		db:        db,
		manager:   reservation.NewManager(log, db, n, opts),
		scheduler: s,
	}
}

func (f *fixture) loop(actorID string, onSnapshot func(syncloop.Snapshot)) *syncloop.Loop {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return syncloop.New(log, f.db, f.manager, f.scheduler, syncloop.Config{
		ActorID:    actorID,
		Interval:   10 * time.Millisecond,
		Access:     access.Options{LegacyNameMatch: true},
		OnSnapshot: onSnapshot,
	})
}

func TestRunOnce_FiltersForActor(t *testing.T) {
	f := setup(t)

	tests := []struct {
		actor  string
		boards []string
	}{
		{actor: "ADMI01", boards: []string{"1", "2", "3"}},
		{actor: "ALIC02", boards: []string{"1", "2", "3"}},
		{actor: "CHAR03", boards: []string{"1"}},
		{actor: "", boards: []string{"1", "2", "3"}},
	}

	for _, tt := range tests {
		t.Run("actor "+tt.actor, func(t *testing.T) {
			snap, err := f.loop(tt.actor, nil).RunOnce(context.Background())
			require.NoError(t, err)

			ids := make([]string, 0, len(snap.Boards))
			for _, b := range snap.Boards {
				ids = append(ids, b.ID)
			}

			assert.Equal(t, tt.boards, ids)
			assert.Len(t, snap.Users, 4)
		})
	}
}

func TestRunOnce_UnknownActor(t *testing.T) {
	f := setup(t)

	l := f.loop("NOPE", nil)

	_, err := l.RunOnce(context.Background())
	require.ErrorIs(t, err, lab.ErrNotFound)

	_, ok := l.Latest()
	assert.False(t, ok)
}

func TestRunOnce_ReleasesAndCompletes(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	alice := lab.User{ID: "ALIC02", Name: "Alice Engineer", Role: lab.RoleTester, Status: lab.UserActive}

	job, err := f.scheduler.Submit(ctx, alice, []string{"Xeon-W-3400"}, []string{"t1"}, lab.ModelAuto)
	require.NoError(t, err)

	// Another process never saw the submission; only its loop runs.
	f.scheduler.Stop()

	f.clock.Set(f.clock.Now().Add(2 * time.Hour))

	l := f.loop("ALIC02", nil)

	snap, err := l.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Expired)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 2, snap.Unread, "seeded notice plus completion")

	b, err := f.db.GetBoard(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, lab.BoardOnline, b.Status)

	j, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.JobPassed, j.Status)

	again, err := l.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Expired)
	assert.Zero(t, again.Completed)

	latest, ok := l.Latest()
	require.True(t, ok)
	assert.Equal(t, again.TakenAt, latest.TakenAt)
}

func TestStart_PublishesUntilStopped(t *testing.T) {
	f := setup(t)

	var (
		mu    sync.Mutex
		count int
	)

	l := f.loop("CHAR03", func(syncloop.Snapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, l.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return count >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Stop())

	mu.Lock()
	stopped := count
	mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, stopped, count)
}

// serialRecorder fails the test if its two mutations ever overlap.
type serialRecorder struct {
	t        *testing.T
	mu       sync.Mutex
	inFlight bool
	order    []string
}

func (r *serialRecorder) enter(name string) {
	r.mu.Lock()
	assert.False(r.t, r.inFlight, "%s started while another mutation was running", name)
	r.inFlight = true
	r.order = append(r.order, name)
	r.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	r.mu.Lock()
	r.inFlight = false
	r.mu.Unlock()
}

func (r *serialRecorder) ReconcileExpiry(context.Context, time.Time) (int, error) {
	r.enter("expiry")

	return 1, nil
}

func (r *serialRecorder) CompleteDue(context.Context, time.Time) (int, error) {
	r.enter("complete")

	return 2, nil
}

func TestRunOnce_MutationsRunInOrder(t *testing.T) {
	f := setup(t)
	rec := &serialRecorder{t: t}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	loop := syncloop.New(log, f.db, rec, rec, syncloop.Config{ActorID: "ALIC02"})

	snap, err := loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"expiry", "complete"}, rec.order)
	assert.Equal(t, 1, snap.Expired)
	assert.Equal(t, 2, snap.Completed)
	assert.Len(t, snap.Boards, 3)
}
