// Package upload stores lab snapshots off the state store, either in an
// S3-compatible bucket or in a local directory.
package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/infrasense/labfarm/pkg/config"
	"github.com/sirupsen/logrus"
)

const (
	defaultPrefix = "labfarm"
	objectPrefix  = "labfarm-"
	objectSuffix  = ".json"
	// objectTimeLayout sorts lexically in time order.
	objectTimeLayout = "20060102T150405Z"
)

// ErrNoBackup is returned by Latest when nothing has been stored yet.
var ErrNoBackup = errors.New("no backup found")

// Uploader stores and retrieves snapshot documents.
type Uploader interface {
	// Preflight verifies that the target is reachable and writable.
	Preflight(ctx context.Context) error

	// Upload stores data as the snapshot taken at ts and returns its key.
	Upload(ctx context.Context, ts time.Time, data []byte) (string, error)

	// Latest returns the most recent snapshot and its key.
	Latest(ctx context.Context) ([]byte, string, error)
}

// New returns the uploader for the enabled backup target.
func New(log logrus.FieldLogger, cfg *config.BackupConfig) (Uploader, error) {
	switch {
	case cfg.S3.Enabled:
		return NewS3Uploader(log, &cfg.S3, cfg.Prefix)
	case cfg.Local.Enabled:
		return NewLocalUploader(log, &cfg.Local)
	default:
		return nil, errors.New("no backup target enabled")
	}
}

// objectName returns the file name of the snapshot taken at ts.
func objectName(ts time.Time) string {
	return objectPrefix + ts.UTC().Format(objectTimeLayout) + objectSuffix
}

// isObjectName reports whether name looks like a snapshot file.
func isObjectName(name string) bool {
	return strings.HasPrefix(name, objectPrefix) && strings.HasSuffix(name, objectSuffix)
}

// resolvePrefix trims trailing slashes and falls back to the default.
func resolvePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return defaultPrefix
	}

	return prefix
}

func preflightContent() string {
	return fmt.Sprintf("labfarm write test: %s", time.Now().UTC().Format(time.RFC3339))
}
