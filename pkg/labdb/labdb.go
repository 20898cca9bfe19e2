// Package labdb is the typed surface over the shared state store. Every
// mutation reads a collection, applies a callback and writes it back with
// compare-and-set, retrying on concurrent writes, so checks made inside
// the callback hold at the moment the write lands.
package labdb

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/infrasense/labfarm/pkg/metrics"
	"github.com/infrasense/labfarm/pkg/statestore"
	"github.com/sirupsen/logrus"
)

// Collection keys.
const (
	KeyUsers         = "users"
	KeyBoards        = "boards"
	KeyJobs          = "jobs"
	KeyJobSeq        = "job_seq"
	KeyNotifications = "notifications"
	KeyTests         = "tests"
	KeyAIConfig      = "ai_config"
)

// Keys lists every collection in export order.
var Keys = []string{
	KeyUsers, KeyBoards, KeyJobs, KeyJobSeq, KeyNotifications, KeyTests, KeyAIConfig,
}

// DefaultMaxAttempts bounds the compare-and-set retry loop.
const DefaultMaxAttempts = 10

// ErrNoChange may be returned by a mutate callback to skip the write.
var ErrNoChange = errors.New("no change")

// DB is the typed collection surface.
type DB struct {
	log         logrus.FieldLogger
	store       statestore.Store
	now         func() time.Time
	newID       func() string
	maxAttempts int
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

// WithIDGenerator overrides how record identifiers are generated.
func WithIDGenerator(newID func() string) Option {
	return func(d *DB) { d.newID = newID }
}

// WithMaxAttempts overrides the compare-and-set retry bound.
func WithMaxAttempts(n int) Option {
	return func(d *DB) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// New creates a DB over store. The store must already be started.
func New(log logrus.FieldLogger, store statestore.Store, opts ...Option) *DB {
	d := &DB{
		log:         log.WithField("component", "labdb"),
		store:       store,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		maxAttempts: DefaultMaxAttempts,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Now returns the DB's current time.
func (d *DB) Now() time.Time {
	return d.now()
}

// load reads and decodes a collection. A missing key yields the zero value
// at version 0.
func load[T any](ctx context.Context, s statestore.Store, key string) (T, int64, error) {
	var v T

	e, err := s.Get(ctx, key)
	if err != nil {
		return v, 0, lab.Persistence("reading "+key, err)
	}

	if !e.Exists() {
		return v, 0, nil
	}

	if err := json.Unmarshal(e.Value, &v); err != nil {
		return v, 0, lab.Persistence("decoding "+key, err)
	}

	return v, e.Version, nil
}

// update runs a read-modify-CAS loop on one collection. mutate is re-run
// on fresh data after a conflict and must not leak state between calls.
func update[T any](
	ctx context.Context, d *DB, key string, mutate func(*T) error,
) (T, error) {
	var zero T

	for range d.maxAttempts {
		v, version, err := load[T](ctx, d.store, key)
		if err != nil {
			return zero, err
		}

		if err := mutate(&v); err != nil {
			if errors.Is(err, ErrNoChange) {
				return v, nil
			}

			return zero, err
		}

		data, err := json.Marshal(v)
		if err != nil {
			return zero, lab.Persistence("encoding "+key, err)
		}

		_, err = d.store.Put(ctx, key, data, version)
		if errors.Is(err, statestore.ErrVersionMismatch) {
			metrics.RecordStoreConflict(key)
			d.log.WithField("collection", key).Debug("Concurrent write, retrying")

			continue
		}

		if err != nil {
			return zero, lab.Persistence("writing "+key, err)
		}

		return v, nil
	}

	return zero, lab.Conflictf("%s changed concurrently %d times", key, d.maxAttempts)
}
