// Package analysis explains job outcomes. A configured Ollama server is
// tried first; the local keyword engine answers whenever it is unavailable.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/infrasense/labfarm/pkg/labdb"
	"github.com/sirupsen/logrus"
)

// Analyzer produces an analysis of a finished job. model labels the
// engine in the result text.
type Analyzer interface {
	Analyze(ctx context.Context, job lab.TestJob, model string) (lab.Analysis, error)
}

// Fallback tries Primary and answers with Secondary when it fails.
type Fallback struct {
	Log       logrus.FieldLogger
	Primary   Analyzer
	Secondary Analyzer
}

var _ Analyzer = (*Fallback)(nil)

// Analyze implements Analyzer. Fallback answers carry a "[Fallback]"
// suffix on the model label.
func (f *Fallback) Analyze(ctx context.Context, job lab.TestJob, model string) (lab.Analysis, error) {
	out, err := f.Primary.Analyze(ctx, job, model)
	if err == nil {
		return out, nil
	}

	if f.Log != nil {
		f.Log.WithError(err).WithField("job", job.ID).
			Warn("Primary analyzer failed, using fallback")
	}

	return f.Secondary.Analyze(ctx, job, model+" [Fallback]")
}

// Service analyses stored jobs with the provider selected in the stored
// AI configuration.
type Service struct {
	log     logrus.FieldLogger
	db      *labdb.DB
	timeout time.Duration
	local   Analyzer
}

// NewService creates a Service. timeout bounds each remote call.
func NewService(log logrus.FieldLogger, db *labdb.DB, timeout time.Duration) *Service {
	return &Service{
		log:     log.WithField("component", "analysis"),
		db:      db,
		timeout: timeout,
		local:   Local{},
	}
}

// AnalyzeJob analyses a job that has reached a terminal status.
func (s *Service) AnalyzeJob(ctx context.Context, jobID string, override lab.ModelTag) (lab.Analysis, error) {
	job, err := s.db.GetJob(ctx, jobID)
	if err != nil {
		return lab.Analysis{}, err
	}

	if !job.Status.Terminal() {
		return lab.Analysis{}, lab.Conflictf("job %s is %s", job.ID, job.Status)
	}

	if override != "" && !override.Valid() {
		return lab.Analysis{}, lab.Validationf("unknown model %q", override)
	}

	cfg, err := s.db.GetAIConfig(ctx)
	if err != nil {
		return lab.Analysis{}, err
	}

	analyzer, label := s.analyzer(cfg)

	switch {
	case override != "":
		label = string(override)
	case job.SelectedAIModel != "":
		label = string(job.SelectedAIModel)
	}

	out, err := analyzer.Analyze(ctx, job, label)
	if err != nil {
		return lab.Analysis{}, fmt.Errorf("analysing job %s: %w", job.ID, err)
	}

	s.log.WithFields(logrus.Fields{
		"job":      job.ID,
		"provider": cfg.Provider,
		"model":    label,
	}).Info("Job analysed")

	return out, nil
}

// TestConnection checks the configured Ollama server.
func (s *Service) TestConnection(ctx context.Context) error {
	cfg, err := s.db.GetAIConfig(ctx)
	if err != nil {
		return err
	}

	if cfg.Provider != lab.ProviderOllama {
		return lab.Validationf("provider %s has no connection to test", cfg.Provider)
	}

	return NewOllama(cfg.OllamaURL, cfg.OllamaModel, s.timeout).Ping(ctx)
}

// analyzer returns the engine for cfg and its default model label.
// GOOGLE_CLOUD has no client here and is served by the local engine.
func (s *Service) analyzer(cfg lab.AIConfig) (Analyzer, string) {
	if cfg.Provider != lab.ProviderOllama {
		return s.local, LocalEngineModel
	}

	return &Fallback{
		Log:       s.log,
		Primary:   NewOllama(cfg.OllamaURL, cfg.OllamaModel, s.timeout),
		Secondary: s.local,
	}, fmt.Sprintf("Ollama (%s)", cfg.OllamaModel)
}
