package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/infrasense/labfarm/pkg/config"
	"github.com/infrasense/labfarm/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// localUploader writes snapshots into a directory.
type localUploader struct {
	log   logrus.FieldLogger
	dir   string
	owner *fsutil.OwnerConfig
}

var _ Uploader = (*localUploader)(nil)

// NewLocalUploader creates an uploader writing into cfg.Dir.
func NewLocalUploader(log logrus.FieldLogger, cfg *config.LocalBackupConfig) (Uploader, error) {
	if cfg.Dir == "" {
		return nil, errors.New("backup directory is required")
	}

	owner, err := fsutil.ParseOwner(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("parsing backup owner: %w", err)
	}

	return &localUploader{
		log:   log.WithField("component", "local-uploader"),
		dir:   cfg.Dir,
		owner: owner,
	}, nil
}

// Preflight creates the directory and checks it is writable.
func (u *localUploader) Preflight(_ context.Context) error {
	if err := fsutil.MkdirAll(u.dir, 0o755, u.owner); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}

	testFile := filepath.Join(u.dir, ".labfarm-write-test")

	if err := os.WriteFile(testFile, []byte(preflightContent()), 0o600); err != nil {
		return fmt.Errorf("writing test file to %s: %w", u.dir, err)
	}

	return os.Remove(testFile)
}

// Upload implements Uploader.
func (u *localUploader) Upload(_ context.Context, ts time.Time, data []byte) (string, error) {
	if err := fsutil.MkdirAll(u.dir, 0o755, u.owner); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	name := filepath.Join(u.dir, objectName(ts))

	if err := fsutil.WriteFileAtomic(name, data, 0o600, u.owner); err != nil {
		return "", fmt.Errorf("writing snapshot: %w", err)
	}

	u.log.WithFields(logrus.Fields{
		"path":  name,
		"bytes": len(data),
	}).Info("Snapshot written")

	return name, nil
}

// Latest implements Uploader.
func (u *localUploader) Latest(_ context.Context) ([]byte, string, error) {
	entries, err := os.ReadDir(u.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrNoBackup
	}

	if err != nil {
		return nil, "", fmt.Errorf("listing backup directory: %w", err)
	}

	var latest string

	for _, e := range entries {
		if !e.IsDir() && isObjectName(e.Name()) && e.Name() > latest {
			latest = e.Name()
		}
	}

	if latest == "" {
		return nil, "", ErrNoBackup
	}

	name := filepath.Join(u.dir, latest)

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, "", fmt.Errorf("reading snapshot: %w", err)
	}

	return data, name, nil
}
