package main

import (
	"context"
	"fmt"

	"github.com/infrasense/labfarm/pkg/config"
	"github.com/infrasense/labfarm/pkg/service"
)

// loadConfig reads --config (optional) plus LABFARM_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// startService loads the config and opens the shared store. The caller
// must Stop the returned service.
func startService(ctx context.Context) (*service.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	svc := service.New(log, cfg)

	if err := svc.Start(ctx); err != nil {
		_ = svc.Stop()

		return nil, fmt.Errorf("starting service: %w", err)
	}

	return svc, nil
}
