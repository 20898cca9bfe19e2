// Package syncloop keeps one actor's view of the lab current by polling
// the shared store and running the time-driven transitions every actor
// is allowed to apply.
package syncloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/infrasense/labfarm/pkg/access"
	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/infrasense/labfarm/pkg/labdb"
	"github.com/infrasense/labfarm/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultInterval is the poll period.
const DefaultInterval = 2 * time.Second

// ExpiryReconciler releases reservations whose window has ended.
type ExpiryReconciler interface {
	ReconcileExpiry(ctx context.Context, now time.Time) (int, error)
}

// JobCompleter completes jobs whose deadline has passed.
type JobCompleter interface {
	CompleteDue(ctx context.Context, now time.Time) (int, error)
}

// Snapshot is one actor's view of the lab after a pass.
type Snapshot struct {
	// Actor is nil for an unfiltered view.
	Actor         *lab.User
	Users         []lab.User
	Boards        []lab.Board
	Jobs          []lab.TestJob
	Notifications []lab.Notification
	Unread        int
	Expired       int
	Completed     int
	TakenAt       time.Time
}

// Config configures a Loop.
type Config struct {
	// ActorID selects whose view is built. Empty means every board and no
	// notifications.
	ActorID  string
	Interval time.Duration
	Access   access.Options
	// OnSnapshot is called after every successful pass.
	OnSnapshot func(Snapshot)
}

// Loop polls the store on an interval.
type Loop struct {
	log       logrus.FieldLogger
	db        *labdb.DB
	expiry    ExpiryReconciler
	completer JobCompleter
	cfg       Config

	mu     sync.RWMutex
	latest *Snapshot

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Loop. completer may be nil to leave overdue jobs alone.
func New(
	log logrus.FieldLogger,
	db *labdb.DB,
	expiry ExpiryReconciler,
	completer JobCompleter,
	cfg Config,
) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	return &Loop{
		log:       log.WithField("component", "syncloop"),
		db:        db,
		expiry:    expiry,
		completer: completer,
		cfg:       cfg,
		done:      make(chan struct{}),
	}
}

// Start runs a pass immediately and then on every tick until Stop is
// called or ctx is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	l.log.WithFields(logrus.Fields{
		"interval": l.cfg.Interval.String(),
		"actor":    l.cfg.ActorID,
	}).Info("Starting sync loop")

	l.wg.Add(1)

	go func() {
		defer l.wg.Done()

		l.pass(ctx)

		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.pass(ctx)
			case <-l.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the loop to exit and waits for the current pass.
func (l *Loop) Stop() error {
	close(l.done)
	l.wg.Wait()

	l.log.Info("Sync loop stopped")

	return nil
}

// Latest returns the most recent snapshot, or false before the first
// successful pass.
func (l *Loop) Latest() (Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.latest == nil {
		return Snapshot{}, false
	}

	return *l.latest, true
}

func (l *Loop) pass(ctx context.Context) {
	if _, err := l.RunOnce(ctx); err != nil {
		l.log.WithError(err).Warn("Sync pass failed")
	}
}

// RunOnce reconciles time-driven transitions, re-reads the store and
// publishes the actor's snapshot.
func (l *Loop) RunOnce(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	now := l.db.Now()

	// Mutations run one after the other; only the reads below fan out.
	expired, err := l.expiry.ReconcileExpiry(ctx, now)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reconciling expiry: %w", err)
	}

	var completed int

	if l.completer != nil {
		if completed, err = l.completer.CompleteDue(ctx, now); err != nil {
			return Snapshot{}, fmt.Errorf("completing due jobs: %w", err)
		}
	}

	snap, err := l.read(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap.Expired = expired
	snap.Completed = completed
	snap.TakenAt = now

	l.mu.Lock()
	l.latest = &snap
	l.mu.Unlock()

	if l.cfg.OnSnapshot != nil {
		l.cfg.OnSnapshot(snap)
	}

	metrics.RecordSyncPass(time.Since(start))

	l.log.WithFields(logrus.Fields{
		"boards":    len(snap.Boards),
		"jobs":      len(snap.Jobs),
		"expired":   expired,
		"completed": completed,
	}).Debug("Sync pass completed")

	return snap, nil
}

func (l *Loop) read(ctx context.Context) (Snapshot, error) {
	var (
		users  []lab.User
		boards []lab.Board
		jobs   []lab.TestJob
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		if users, err = l.db.GetUsers(gctx); err != nil {
			return fmt.Errorf("reading users: %w", err)
		}

		return nil
	})

	g.Go(func() (err error) {
		if boards, err = l.db.GetBoards(gctx); err != nil {
			return fmt.Errorf("reading boards: %w", err)
		}

		return nil
	})

	g.Go(func() (err error) {
		if jobs, err = l.db.GetJobs(gctx); err != nil {
			return fmt.Errorf("reading jobs: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Users: users, Boards: boards, Jobs: jobs}

	if l.cfg.ActorID == "" {
		return snap, nil
	}

	var actor *lab.User

	for i := range users {
		if users[i].ID == l.cfg.ActorID {
			actor = &users[i]

			break
		}
	}

	if actor == nil {
		return Snapshot{}, lab.NotFoundf("user %s", l.cfg.ActorID)
	}

	notes, err := l.db.GetNotifications(ctx, actor.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading notifications: %w", err)
	}

	snap.Actor = actor
	snap.Boards = access.ComputeVisibleBoards(*actor, boards, l.cfg.Access)
	snap.Notifications = notes

	for _, n := range notes {
		if !n.Read {
			snap.Unread++
		}
	}

	return snap, nil
}
