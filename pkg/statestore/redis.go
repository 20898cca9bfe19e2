package statestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/infrasense/labfarm/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	fieldValue   = "value"
	fieldVersion = "version"
)

// Compile-time interface check.
var _ Store = (*redisStore)(nil)

type redisStore struct {
	log    logrus.FieldLogger
	cfg    *config.RedisConfig
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Store that keeps each collection in a redis
// hash at labfarm:{namespace}:collection:{key}.
func NewRedisStore(log logrus.FieldLogger, cfg *config.RedisConfig) Store {
	return &redisStore{
		log:    log.WithField("component", "statestore"),
		cfg:    cfg,
		prefix: fmt.Sprintf("labfarm:%s:collection:", cfg.Namespace),
	}
}

// Start connects to redis and verifies the connection.
func (s *redisStore) Start(ctx context.Context) error {
	s.client = redis.NewClient(&redis.Options{
		Addr:     s.cfg.Addr,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"addr":      s.cfg.Addr,
		"namespace": s.cfg.Namespace,
	}).Info("Redis connected")

	return nil
}

// Stop closes the redis client.
func (s *redisStore) Stop() error {
	if s.client == nil {
		return nil
	}

	return s.client.Close()
}

func (s *redisStore) key(name string) string {
	return s.prefix + name
}

func (s *redisStore) Get(ctx context.Context, key string) (Entry, error) {
	return readHash(ctx, s.client, s.key(key))
}

func readHash(ctx context.Context, c redis.Cmdable, key string) (Entry, error) {
	vals, err := c.HMGet(ctx, key, fieldValue, fieldVersion).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("reading %s: %w", key, err)
	}

	return parseHash(key, vals)
}

func parseHash(key string, vals []any) (Entry, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Entry{}, nil
	}

	value, _ := vals[0].(string)
	versionStr, _ := vals[1].(string)

	version, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing version of %s: %w", key, err)
	}

	return Entry{Value: []byte(value), Version: version}, nil
}

func (s *redisStore) Put(
	ctx context.Context, key string, value []byte, expected int64,
) (int64, error) {
	if expected == AnyVersion {
		return putAnyVersion(ctx, s.Get, s.compareAndSet, key, value)
	}

	return s.compareAndSet(ctx, key, value, expected)
}

func (s *redisStore) compareAndSet(
	ctx context.Context, key string, value []byte, expected int64,
) (int64, error) {
	rkey := s.key(key)

	var next int64

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := readHash(ctx, tx, rkey)
		if err != nil {
			return err
		}

		if cur.Version != expected {
			return ErrVersionMismatch
		}

		next = cur.Version + 1

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rkey, fieldValue, string(value), fieldVersion, next)

			return nil
		})

		return err
	}, rkey)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, redis.TxFailedErr):
		return 0, fmt.Errorf(
			"writing %s at version %d: %w", key, expected, ErrVersionMismatch,
		)
	default:
		return 0, fmt.Errorf("writing %s: %w", key, err)
	}
}

func (s *redisStore) Increment(ctx context.Context, key string) (int64, error) {
	rkey := s.key(key)

	var incr *redis.IntCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, rkey, fieldValue, 1)
		pipe.HIncrBy(ctx, rkey, fieldVersion, 1)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}

	return incr.Val(), nil
}

func (s *redisStore) Snapshot(
	ctx context.Context, keys ...string,
) (map[string]Entry, error) {
	if len(keys) == 0 {
		var err error

		keys, err = s.scanKeys(ctx)
		if err != nil {
			return nil, err
		}
	}

	cmds := make([]*redis.SliceCmd, len(keys))

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HMGet(ctx, s.key(k), fieldValue, fieldVersion)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	out := make(map[string]Entry, len(keys))

	for i, k := range keys {
		e, err := parseHash(k, cmds[i].Val())
		if err != nil {
			return nil, err
		}

		if e.Exists() {
			out[k] = e
		}
	}

	return out, nil
}

func (s *redisStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string

	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning collections: %w", err)
	}

	return keys, nil
}

func (s *redisStore) Replace(ctx context.Context, values map[string][]byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			rkey := s.key(k)
			pipe.HSet(ctx, rkey, fieldValue, string(v))
			pipe.HIncrBy(ctx, rkey, fieldVersion, 1)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("replacing collections: %w", err)
	}

	s.log.WithField("count", len(values)).Debug("Replaced collections")

	return nil
}
