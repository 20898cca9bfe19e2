package upload_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/infrasense/labfarm/pkg/config"
	"github.com/infrasense/labfarm/pkg/labdb"
	"github.com/infrasense/labfarm/pkg/statestore"
	"github.com/infrasense/labfarm/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestLocalUploader_LatestWins(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "backups")

	u, err := upload.NewLocalUploader(testLogger(), &config.LocalBackupConfig{Dir: dir})
	require.NoError(t, err)

	_, _, err = u.Latest(ctx)
	require.ErrorIs(t, err, upload.ErrNoBackup)

	require.NoError(t, u.Preflight(ctx))

	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	_, err = u.Upload(ctx, ts.Add(time.Hour), []byte("newer"))
	require.NoError(t, err)

	_, err = u.Upload(ctx, ts, []byte("older"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("zzz"), 0o600))

	data, name, err := u.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "newer", string(data))
	assert.Equal(t, "labfarm-20260302T100000Z.json", filepath.Base(name))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temp or write-test files left behind")
}

func TestBackupAndRestore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	db := labdb.New(testLogger(), statestore.NewMemoryStore(),
		labdb.WithClock(func() time.Time { return now }))

	_, err := db.Init(ctx, labdb.DefaultSeed(now))
	require.NoError(t, err)

	u, err := upload.NewLocalUploader(testLogger(), &config.LocalBackupConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = upload.Backup(ctx, db, u)
	require.NoError(t, err)

	before, err := db.Export(ctx)
	require.NoError(t, err)

	require.NoError(t, db.DeleteBoard(ctx, "1"))

	_, n, err := upload.Restore(ctx, db, u)
	require.NoError(t, err)
	assert.Equal(t, len(labdb.Keys), n)

	after, err := db.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
