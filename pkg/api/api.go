package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/infrasense/labfarm/pkg/config"
	"github.com/infrasense/labfarm/pkg/service"
	"github.com/infrasense/labfarm/pkg/syncloop"
	"github.com/infrasense/labfarm/pkg/upload"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log         logrus.FieldLogger
	cfg         *config.Config
	svc         *service.Service
	credentials map[string][]byte
	limiter     *rateLimiterMap
	loop        *syncloop.Loop
	httpServer  *http.Server
	wg          sync.WaitGroup
	done        chan struct{}
}

// NewServer creates a new API server. It is the single writer that owns
// job completion timers and reservation expiry for the lab.
func NewServer(log logrus.FieldLogger, cfg *config.Config) Server {
	return newServer(log, cfg, service.New(log, cfg))
}

func newServer(log logrus.FieldLogger, cfg *config.Config, svc *service.Service) *server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		svc:  svc,
		done: make(chan struct{}),
	}
}

// prepare starts the service and hashes configured credentials.
func (s *server) prepare(ctx context.Context) error {
	if err := s.svc.Start(ctx); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}

	if s.cfg.API.Auth.Basic.Enabled {
		creds, err := hashCredentials(s.cfg.API.Auth.Basic.Users)
		if err != nil {
			return fmt.Errorf("hashing credentials: %w", err)
		}

		s.credentials = creds
	}

	if s.cfg.API.Server.RateLimit.Enabled {
		s.limiter = newRateLimiterMap(s.cfg.API.Server.RateLimit.RequestsPerMinute, s.done)
	}

	return nil
}

// Start initializes the service and starts the HTTP server, the
// reconciliation loop and optional periodic backups.
func (s *server) Start(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}

	if err := s.svc.ResumeJobs(ctx); err != nil {
		return fmt.Errorf("resuming jobs: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.API.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.API.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.API.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.API.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	if s.svc.Backups != nil && s.cfg.Backup.Interval > 0 {
		s.startBackups(ctx, s.cfg.Backup.Interval)
	}

	// The reconciliation loop starts after the listener so the first pass
	// does not delay readiness.
	s.loop = s.svc.SyncLoop("", nil)

	if err := s.loop.Start(ctx); err != nil {
		return fmt.Errorf("starting sync loop: %w", err)
	}

	return nil
}

func (s *server) startBackups(ctx context.Context, interval time.Duration) {
	s.log.WithField("interval", interval.String()).Info("Periodic backups enabled")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := upload.Backup(ctx, s.svc.DB, s.svc.Backups); err != nil {
					s.log.WithError(err).Warn("Periodic backup failed")
				}
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully shuts down the HTTP server and closes the store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.loop != nil {
		if err := s.loop.Stop(); err != nil {
			s.log.WithError(err).Warn("Sync loop stop error")
		}
	}

	if err := s.svc.Stop(); err != nil {
		return fmt.Errorf("stopping service: %w", err)
	}

	s.log.Info("API server stopped")

	return nil
}
