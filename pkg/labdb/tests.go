package labdb

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/infrasense/labfarm/pkg/statestore"
)

// GetTestCases returns the whole test catalogue.
func (d *DB) GetTestCases(ctx context.Context) ([]lab.TestCase, error) {
	tests, _, err := load[[]lab.TestCase](ctx, d.store, KeyTests)

	return tests, err
}

// AddTestCase stores tc, assigning an id when none is set.
func (d *DB) AddTestCase(ctx context.Context, tc lab.TestCase) (lab.TestCase, error) {
	if tc.ID == "" {
		tc.ID = "tc-" + d.newID()
	}

	if tc.Visibility == "" {
		tc.Visibility = lab.VisibilityPublic
	}

	if err := tc.Validate(); err != nil {
		return lab.TestCase{}, err
	}

	_, err := update(ctx, d, KeyTests, func(tests *[]lab.TestCase) error {
		if slices.ContainsFunc(*tests, func(t lab.TestCase) bool { return t.ID == tc.ID }) {
			return lab.Conflictf("test case %s already exists", tc.ID)
		}

		*tests = append(*tests, tc)

		return nil
	})
	if err != nil {
		return lab.TestCase{}, err
	}

	return tc, nil
}

// DeleteTestCase removes a test case by id.
func (d *DB) DeleteTestCase(ctx context.Context, id string) error {
	_, err := update(ctx, d, KeyTests, func(tests *[]lab.TestCase) error {
		n := len(*tests)
		*tests = slices.DeleteFunc(*tests, func(t lab.TestCase) bool { return t.ID == id })

		if len(*tests) == n {
			return lab.NotFoundf("test case %s", id)
		}

		return nil
	})

	return err
}

// GetAIConfig returns the stored analysis configuration or the default.
func (d *DB) GetAIConfig(ctx context.Context) (lab.AIConfig, error) {
	cfg, version, err := load[lab.AIConfig](ctx, d.store, KeyAIConfig)
	if err != nil {
		return lab.AIConfig{}, err
	}

	if version == 0 {
		return lab.DefaultAIConfig(), nil
	}

	return cfg, nil
}

// SaveAIConfig stores cfg after checking the provider.
func (d *DB) SaveAIConfig(ctx context.Context, cfg lab.AIConfig) error {
	if cfg.Provider != lab.ProviderOllama && cfg.Provider != lab.ProviderGoogleCloud {
		return lab.Validationf("unknown AI provider %q", cfg.Provider)
	}

	value, err := json.Marshal(cfg)
	if err != nil {
		return lab.Persistence("encoding AI config", err)
	}

	if _, err := d.store.Put(ctx, KeyAIConfig, value, statestore.AnyVersion); err != nil {
		return lab.Persistence("writing AI config", err)
	}

	return nil
}
