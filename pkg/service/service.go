// Package service assembles the lab components from configuration.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/infrasense/labfarm/pkg/access"
	"github.com/infrasense/labfarm/pkg/analysis"
	"github.com/infrasense/labfarm/pkg/config"
	"github.com/infrasense/labfarm/pkg/jobs"
	"github.com/infrasense/labfarm/pkg/labdb"
	"github.com/infrasense/labfarm/pkg/notify"
	"github.com/infrasense/labfarm/pkg/reservation"
	"github.com/infrasense/labfarm/pkg/statestore"
	"github.com/infrasense/labfarm/pkg/syncloop"
	"github.com/infrasense/labfarm/pkg/upload"
	"github.com/sirupsen/logrus"
)

// Service holds the wired components. Fields are set by Start.
type Service struct {
	log   logrus.FieldLogger
	cfg   *config.Config
	clock func() time.Time

	Store        statestore.Store
	DB           *labdb.DB
	Notify       *notify.Dispatcher
	Reservations *reservation.Manager
	Jobs         *jobs.Scheduler
	Analysis     *analysis.Service
	// Backups is nil when no backup target is enabled.
	Backups upload.Uploader
}

// Option configures a Service.
type Option func(*Service)

// WithStore uses store instead of the one selected by configuration.
func WithStore(store statestore.Store) Option {
	return func(s *Service) { s.Store = store }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.clock = now }
}

// New creates an unstarted Service.
func New(log logrus.FieldLogger, cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		log: log.WithField("component", "service"),
		cfg: cfg,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// AccessOptions returns the configured board filtering options.
func (s *Service) AccessOptions() access.Options {
	return access.Options{LegacyNameMatch: s.cfg.Access.LegacyNameMatch}
}

// Start opens the store, seeds missing collections and builds every
// component. Completion timers are not re-armed; call ResumeJobs in the
// process that owns job completion.
func (s *Service) Start(ctx context.Context) error {
	if s.Store == nil {
		store, err := statestore.New(s.log, &s.cfg.Database)
		if err != nil {
			return fmt.Errorf("creating store: %w", err)
		}

		s.Store = store
	}

	if err := s.Store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	dbOpts := []labdb.Option{}
	if s.clock != nil {
		dbOpts = append(dbOpts, labdb.WithClock(s.clock))
	}

	s.DB = labdb.New(s.log, s.Store, dbOpts...)

	seed, err := s.seed()
	if err != nil {
		return err
	}

	if _, err := s.DB.Init(ctx, seed); err != nil {
		return fmt.Errorf("seeding store: %w", err)
	}

	w := s.cfg.Jobs.OutcomeWeights

	s.Notify = notify.NewDispatcher(s.log, s.DB)
	s.Reservations = reservation.NewManager(s.log, s.DB, s.Notify, s.AccessOptions())
	s.Jobs = jobs.NewScheduler(s.log, s.DB, s.Notify,
		jobs.WithCompletionDelay(s.cfg.Jobs.CompletionDelay),
		jobs.WithAccessOptions(s.AccessOptions()),
		jobs.WithPolicy(jobs.WeightedPolicy{Passed: w.Passed, Failed: w.Failed, Error: w.Error}),
	)
	s.Analysis = analysis.NewService(s.log, s.DB, s.cfg.Analysis.Timeout)

	if s.cfg.Backup.Enabled() {
		backups, err := upload.New(s.log, &s.cfg.Backup)
		if err != nil {
			return fmt.Errorf("creating backup target: %w", err)
		}

		s.Backups = backups
	}

	return nil
}

func (s *Service) seed() (labdb.Document, error) {
	if s.cfg.Database.SeedFile == "" {
		now := time.Now()
		if s.clock != nil {
			now = s.clock()
		}

		return labdb.DefaultSeed(now), nil
	}

	doc, err := labdb.LoadSeedFile(s.cfg.Database.SeedFile)
	if err != nil {
		return labdb.Document{}, fmt.Errorf("loading seed: %w", err)
	}

	return doc, nil
}

// Reset overwrites the lab state with the configured seed.
func (s *Service) Reset(ctx context.Context) error {
	seed, err := s.seed()
	if err != nil {
		return err
	}

	return s.DB.Reset(ctx, seed)
}

// ResumeJobs re-arms completion timers for jobs still running.
func (s *Service) ResumeJobs(ctx context.Context) error {
	_, err := s.Jobs.Resume(ctx)

	return err
}

// SyncLoop returns a loop publishing actorID's view. Overdue jobs are
// completed only when jobs.recover_stranded is set.
func (s *Service) SyncLoop(actorID string, onSnapshot func(syncloop.Snapshot)) *syncloop.Loop {
	var completer syncloop.JobCompleter
	if s.cfg.Jobs.RecoverStranded {
		completer = s.Jobs
	}

	return syncloop.New(s.log, s.DB, s.Reservations, completer, syncloop.Config{
		ActorID:    actorID,
		Interval:   s.cfg.Sync.Interval,
		Access:     s.AccessOptions(),
		OnSnapshot: onSnapshot,
	})
}

// Stop cancels pending completions and closes the store.
func (s *Service) Stop() error {
	if s.Jobs != nil {
		s.Jobs.Stop()
	}

	if s.Store != nil {
		if err := s.Store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	return nil
}
