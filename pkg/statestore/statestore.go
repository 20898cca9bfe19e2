// Package statestore persists versioned collections shared by every lab
// actor. Each key holds one opaque JSON document and a version that
// increases on every write, which callers use for compare-and-set.
package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/infrasense/labfarm/pkg/config"
	"github.com/sirupsen/logrus"
)

// AnyVersion makes Put overwrite regardless of the stored version.
const AnyVersion int64 = -1

// ErrVersionMismatch is returned by Put when the stored version differs
// from the expected one.
var ErrVersionMismatch = errors.New("version mismatch")

// Entry is a stored document and its version. A missing key reads as the
// zero Entry.
type Entry struct {
	Value   []byte
	Version int64
}

// Exists reports whether the entry was found.
func (e Entry) Exists() bool {
	return e.Version > 0
}

// Store provides versioned key/value persistence.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Get returns the entry for key, or the zero Entry if it is missing.
	Get(ctx context.Context, key string) (Entry, error)

	// Put writes value if the stored version equals expected and returns
	// the new version. Expected 0 requires the key to be absent;
	// AnyVersion skips the check.
	Put(ctx context.Context, key string, value []byte, expected int64) (int64, error)

	// Increment atomically adds one to the integer stored at key, treating
	// a missing key as zero, and returns the new value.
	Increment(ctx context.Context, key string) (int64, error)

	// Snapshot reads the given keys, or every key when none are given.
	// Missing keys are omitted.
	Snapshot(ctx context.Context, keys ...string) (map[string]Entry, error)

	// Replace overwrites all given keys at once.
	Replace(ctx context.Context, values map[string][]byte) error
}

// New returns the store selected by cfg.Driver.
func New(log logrus.FieldLogger, cfg *config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverSQLite, config.DriverPostgres:
		return NewSQLStore(log, cfg), nil
	case config.DriverRedis:
		return NewRedisStore(log, &cfg.Redis), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// maxAnyVersionAttempts bounds the read-then-CAS loop used for
// last-write-wins puts on backends without a native upsert counter.
const maxAnyVersionAttempts = 10

func putAnyVersion(
	ctx context.Context,
	get func(context.Context, string) (Entry, error),
	cas func(context.Context, string, []byte, int64) (int64, error),
	key string,
	value []byte,
) (int64, error) {
	for range maxAnyVersionAttempts {
		cur, err := get(ctx, key)
		if err != nil {
			return 0, err
		}

		version, err := cas(ctx, key, value, cur.Version)
		if errors.Is(err, ErrVersionMismatch) {
			continue
		}

		return version, err
	}

	return 0, fmt.Errorf("writing %s: %w", key, ErrVersionMismatch)
}
