package statestore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/infrasense/labfarm/pkg/config"
	"github.com/infrasense/labfarm/pkg/statestore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func startStore(t *testing.T, s statestore.Store) statestore.Store {
	t.Helper()

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// backends returns a constructor per supported driver so that every test
// exercises the same contract against each implementation.
func backends() map[string]func(t *testing.T) statestore.Store {
	return map[string]func(t *testing.T) statestore.Store{
		"memory": func(t *testing.T) statestore.Store {
			return startStore(t, statestore.NewMemoryStore())
		},
		"sqlite": func(t *testing.T) statestore.Store {
			cfg := &config.DatabaseConfig{
				Driver: config.DriverSQLite,
				SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
			}

			return startStore(t, statestore.NewSQLStore(testLogger(), cfg))
		},
		"redis": func(t *testing.T) statestore.Store {
			mr := miniredis.RunT(t)
			cfg := &config.RedisConfig{Addr: mr.Addr(), Namespace: "test"}

			return startStore(t, statestore.NewRedisStore(testLogger(), cfg))
		},
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)

			e, err := s.Get(context.Background(), "boards")
			require.NoError(t, err)
			assert.False(t, e.Exists())
			assert.Equal(t, int64(0), e.Version)
		})
	}
}

func TestStore_CompareAndSet(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			v1, err := s.Put(ctx, "boards", []byte(`[1]`), 0)
			require.NoError(t, err)
			assert.Equal(t, int64(1), v1)

			_, err = s.Put(ctx, "boards", []byte(`[2]`), 0)
			require.ErrorIs(t, err, statestore.ErrVersionMismatch)

			v2, err := s.Put(ctx, "boards", []byte(`[2]`), v1)
			require.NoError(t, err)
			assert.Equal(t, int64(2), v2)

			_, err = s.Put(ctx, "boards", []byte(`[3]`), v1)
			require.ErrorIs(t, err, statestore.ErrVersionMismatch)

			e, err := s.Get(ctx, "boards")
			require.NoError(t, err)
			assert.Equal(t, `[2]`, string(e.Value))
			assert.Equal(t, v2, e.Version)

			v3, err := s.Put(ctx, "boards", []byte(`[4]`), statestore.AnyVersion)
			require.NoError(t, err)
			assert.Equal(t, int64(3), v3)
		})
	}
}

func TestStore_IncrementIsAtomic(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			_, err := s.Put(ctx, "job_seq", []byte("3"), 0)
			require.NoError(t, err)

			const workers = 8

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				seen = make(map[int64]struct{}, workers)
			)

			for range workers {
				wg.Add(1)

				go func() {
					defer wg.Done()

					n, err := s.Increment(ctx, "job_seq")
					assert.NoError(t, err)

					mu.Lock()
					seen[n] = struct{}{}
					mu.Unlock()
				}()
			}

			wg.Wait()

			assert.Len(t, seen, workers)

			for i := int64(4); i < 4+workers; i++ {
				assert.Contains(t, seen, i)
			}

			e, err := s.Get(ctx, "job_seq")
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprint(3+workers), string(e.Value))
		})
	}
}

func TestStore_IncrementMissingStartsAtOne(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			n, err := newStore(t).Increment(context.Background(), "job_seq")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestSQLStore_IncrementAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lab.db") + "?_pragma=busy_timeout(5000)&_txlock=immediate"

	newStore := func() statestore.Store {
		cfg := &config.DatabaseConfig{
			Driver: config.DriverSQLite,
			SQLite: config.SQLiteDatabaseConfig{Path: path},
		}

		return startStore(t, statestore.NewSQLStore(testLogger(), cfg))
	}

	stores := []statestore.Store{newStore(), newStore()}

	const (
		workers = 4
		rounds  = 25
	)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*rounds)
	)

	for i := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s := stores[i%len(stores)]

			for range rounds {
				n, err := s.Increment(ctx, "job_seq")
				if !assert.NoError(t, err) {
					return
				}

				mu.Lock()
				seen[n] = struct{}{}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Len(t, seen, workers*rounds)

	e, err := stores[0].Get(ctx, "job_seq")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(workers*rounds), string(e.Value))
}

func TestStore_ConcurrentCASHasOneWinner(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			v, err := s.Put(ctx, "boards", []byte(`"online"`), 0)
			require.NoError(t, err)

			const racers = 6

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)

			for i := range racers {
				wg.Add(1)

				go func() {
					defer wg.Done()

					_, err := s.Put(ctx, "boards", []byte(fmt.Sprintf(`"racer-%d"`, i)), v)
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}

			wg.Wait()

			assert.Equal(t, 1, wins)
		})
	}
}

func TestStore_SnapshotAndReplace(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			_, err := s.Put(ctx, "users", []byte(`["a"]`), 0)
			require.NoError(t, err)

			_, err = s.Put(ctx, "boards", []byte(`["b"]`), 0)
			require.NoError(t, err)

			snap, err := s.Snapshot(ctx, "users", "boards", "jobs")
			require.NoError(t, err)
			assert.Len(t, snap, 2)
			assert.Equal(t, `["a"]`, string(snap["users"].Value))

			require.NoError(t, s.Replace(ctx, map[string][]byte{
				"boards": []byte(`["c"]`),
				"jobs":   []byte(`[]`),
			}))

			all, err := s.Snapshot(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 3)
			assert.Equal(t, `["a"]`, string(all["users"].Value))
			assert.Equal(t, `["c"]`, string(all["boards"].Value))
			assert.Equal(t, int64(2), all["boards"].Version)
			assert.Equal(t, int64(1), all["jobs"].Version)
		})
	}
}

func TestNew(t *testing.T) {
	s, err := statestore.New(testLogger(), &config.DatabaseConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &statestore.MemoryStore{}, s)

	_, err = statestore.New(testLogger(), &config.DatabaseConfig{Driver: "mongo"})
	require.Error(t, err)
}
