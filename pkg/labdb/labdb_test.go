package labdb_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/infrasense/labfarm/pkg/labdb"
	"github.com/infrasense/labfarm/pkg/statestore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupDB(t *testing.T, seed bool) (*labdb.DB, *statestore.MemoryStore) {
	t.Helper()

	var seq atomic.Int64

	store := statestore.NewMemoryStore()
	db := labdb.New(testLogger(), store,
		labdb.WithClock(func() time.Time { return testNow }),
		labdb.WithIDGenerator(func() string { return fmt.Sprint(seq.Add(1)) }),
		labdb.WithMaxAttempts(100),
	)

	if seed {
		_, err := db.Init(context.Background(), labdb.DefaultSeed(testNow))
		require.NoError(t, err)
	}

	return db, store
}

func TestInit_WritesOnlyMissingCollections(t *testing.T) {
	ctx := context.Background()
	db, store := setupDB(t, false)

	_, err := store.Put(ctx, labdb.KeyUsers, []byte(`[]`), 0)
	require.NoError(t, err)

	written, err := db.Init(ctx, labdb.DefaultSeed(testNow))
	require.NoError(t, err)
	assert.Equal(t, len(labdb.Keys)-1, written)

	users, err := db.GetUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	boards, err := db.GetBoards(ctx)
	require.NoError(t, err)
	assert.Len(t, boards, 3)

	again, err := db.Init(ctx, labdb.DefaultSeed(testNow))
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestDefaultSeedIsValid(t *testing.T) {
	doc := labdb.DefaultSeed(testNow)
	require.NoError(t, doc.Validate())

	assert.Equal(t, lab.BoardReserved, doc.Boards[1].Status)
	assert.Equal(t, "ALIC02", doc.Boards[1].ReservedUserID)
	assert.Equal(t, int64(3), *doc.JobSeq)
}

func TestCreateJob_SequencesIdentifiers(t *testing.T) {
	ctx := context.Background()
	db, _ := setupDB(t, true)

	first, err := db.CreateJob(ctx, lab.TestJob{UserID: "ALIC02", Status: lab.JobRunning})
	require.NoError(t, err)
	assert.Equal(t, "JOB-0003", first.ID)

	second, err := db.CreateJob(ctx, lab.TestJob{UserID: "CHAR03", Status: lab.JobRunning})
	require.NoError(t, err)
	assert.Equal(t, "JOB-0004", second.ID)

	seq, err := db.JobSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)

	jobs, err := db.GetJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	assert.Equal(t, "JOB-0004", jobs[0].ID)
	assert.Equal(t, "JOB-0003", jobs[1].ID)
}

func TestCreateJob_MissingCounterStartsAtOne(t *testing.T) {
	db, _ := setupDB(t, false)

	job, err := db.CreateJob(context.Background(), lab.TestJob{UserID: "u", Status: lab.JobRunning})
	require.NoError(t, err)
	assert.Equal(t, "JOB-0001", job.ID)
}

func TestCreateJob_ConcurrentIdentifiersAreUnique(t *testing.T) {
	ctx := context.Background()
	db, _ := setupDB(t, true)

	const n = 10

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]struct{}, n)
	)

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			job, err := db.CreateJob(ctx, lab.TestJob{
				UserID: fmt.Sprintf("user-%d", i),
				Status: lab.JobRunning,
			})
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			ids[job.ID] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, ids, n)

	jobs, err := db.GetJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, n+2)
}

func TestModifyBoard_RejectsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	db, _ := setupDB(t, true)

	_, err := db.ModifyBoard(ctx, "1", func(b *lab.Board) error {
		b.Status = lab.BoardReserved

		return nil
	})
	require.ErrorIs(t, err, lab.ErrValidation)

	b, err := db.GetBoard(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, lab.BoardOnline, b.Status)

	_, err = db.ModifyBoard(ctx, "404", func(*lab.Board) error { return nil })
	require.ErrorIs(t, err, lab.ErrNotFound)
}

func TestModifyBoard_RetriesOnConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	db, store := setupDB(t, true)

	calls := 0

	_, err := db.ModifyBoard(ctx, "1", func(b *lab.Board) error {
		calls++

		if calls == 1 {
			// Another actor writes the collection between read and write.
			e, err := store.Get(ctx, labdb.KeyBoards)
			require.NoError(t, err)

			_, err = store.Put(ctx, labdb.KeyBoards, e.Value, e.Version)
			require.NoError(t, err)
		}

		b.Location = "Lab 9"

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	b, err := db.GetBoard(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Lab 9", b.Location)
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	db, _ := setupDB(t, true)

	dave := lab.User{
		ID: "DAVE05", Name: "Dave Crew", Email: "crew@intel.com",
		Role: lab.RoleLabCrew, Status: lab.UserActive,
	}

	_, err := db.AddUser(ctx, dave)
	require.NoError(t, err)

	_, err = db.AddUser(ctx, dave)
	require.ErrorIs(t, err, lab.ErrConflict)

	dup := dave
	dup.ID = "OTHER1"
	dup.Email = "ADMIN@intel.com"
	_, err = db.AddUser(ctx, dup)
	require.ErrorIs(t, err, lab.ErrConflict)

	dave.Status = lab.UserRejected
	_, err = db.UpdateUser(ctx, dave)
	require.NoError(t, err)

	got, err := db.GetUser(ctx, "DAVE05")
	require.NoError(t, err)
	assert.Equal(t, lab.UserRejected, got.Status)

	require.NoError(t, db.DeleteUser(ctx, "DAVE05"))
	_, err = db.GetUser(ctx, "DAVE05")
	require.ErrorIs(t, err, lab.ErrNotFound)
	require.ErrorIs(t, db.DeleteUser(ctx, "DAVE05"), lab.ErrNotFound)
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	db, _ := setupDB(t, true)

	n, err := db.AddNotification(ctx, lab.Notification{
		UserID: "ALIC02", Title: "Job JOB-0003 Completed", Type: lab.SeveritySuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, "notif-1", n.ID)
	assert.False(t, n.Read)

	_, err = db.AddNotification(ctx, lab.Notification{
		UserID: "CHAR03", Title: "Other", Type: lab.SeverityInfo,
	})
	require.NoError(t, err)

	alice, err := db.GetNotifications(ctx, "ALIC02")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, n.ID, alice[0].ID)
	assert.Equal(t, "n1", alice[1].ID)

	require.NoError(t, db.MarkNotificationRead(ctx, "CHAR03", n.ID))

	alice, err = db.GetNotifications(ctx, "ALIC02")
	require.NoError(t, err)
	assert.False(t, alice[0].Read, "only the recipient can mark it read")

	require.NoError(t, db.MarkNotificationRead(ctx, "ALIC02", n.ID))
	require.NoError(t, db.MarkNotificationRead(ctx, "ALIC02", n.ID))
	require.NoError(t, db.MarkNotificationRead(ctx, "ALIC02", "missing"))

	alice, err = db.GetNotifications(ctx, "ALIC02")
	require.NoError(t, err)
	assert.True(t, alice[0].Read)

	removed, err := db.ClearNotifications(ctx, "ALIC02")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	charlie, err := db.GetNotifications(ctx, "CHAR03")
	require.NoError(t, err)
	assert.Len(t, charlie, 1)

	_, err = db.AddNotification(ctx, lab.Notification{Title: "x", Type: lab.SeverityInfo})
	require.ErrorIs(t, err, lab.ErrValidation)
}

func TestTestCasesAndAIConfig(t *testing.T) {
	ctx := context.Background()
	db, _ := setupDB(t, false)

	cfg, err := db.GetAIConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, lab.DefaultAIConfig(), cfg)

	cfg.OllamaModel = "mistral"
	require.NoError(t, db.SaveAIConfig(ctx, cfg))

	cfg, err = db.GetAIConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mistral", cfg.OllamaModel)

	require.ErrorIs(t, db.SaveAIConfig(ctx, lab.AIConfig{Provider: "OPENAI"}), lab.ErrValidation)

	tc, err := db.AddTestCase(ctx, lab.TestCase{
		Name: "Custom Boot", Category: lab.CategoryCustom, OwnerID: "CHAR03",
		Visibility: lab.VisibilityPrivate, IsCustom: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tc.ID)

	tests, err := db.GetTestCases(ctx)
	require.NoError(t, err)
	assert.Len(t, tests, 1)

	require.NoError(t, db.DeleteTestCase(ctx, tc.ID))
	require.ErrorIs(t, db.DeleteTestCase(ctx, tc.ID), lab.ErrNotFound)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	source, _ := setupDB(t, true)

	doc, err := source.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Users, 4)
	require.NotNil(t, doc.JobSeq)
	assert.Equal(t, int64(3), *doc.JobSeq)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	target, _ := setupDB(t, false)

	n, err := target.Import(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, len(labdb.Keys), n)

	boards, err := target.GetBoards(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.Boards, boards)

	job, err := target.CreateJob(ctx, lab.TestJob{UserID: "ALIC02", Status: lab.JobRunning})
	require.NoError(t, err)
	assert.Equal(t, "JOB-0003", job.ID)
}

func TestImport_PartialDocumentKeepsOtherCollections(t *testing.T) {
	ctx := context.Background()
	db, _ := setupDB(t, true)

	n, err := db.Import(ctx, []byte(`{"boards": [], "support": [{"id": "SIG-1"}], "users": null}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	boards, err := db.GetBoards(ctx)
	require.NoError(t, err)
	assert.Empty(t, boards)

	users, err := db.GetUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 4)
}

func TestImport_InvalidDocumentWritesNothing(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "malformed json", data: `{"boards": [`},
		{name: "wrong shape", data: `{"boards": {"id": "1"}}`},
		{
			name: "reserved board without window",
			data: `{"users": [], "boards": [{"id":"9","name":"x","type":"PHYSICAL",` +
				`"status":"RESERVED","visibility":"PUBLIC"}]}`,
		},
		{name: "unknown role", data: `{"users": [{"id":"X","name":"X","role":"ROOT","status":"ACTIVE"}]}`},
		{name: "malformed job id", data: `{"jobs": [{"id":"TASK-7","status":"PASSED"}]}`},
		{
			name: "duplicate job id",
			data: `{"jobs": [{"id":"JOB-0007","status":"PASSED"},{"id":"JOB-0007","status":"FAILED"}]}`,
		},
		{name: "sequence behind jobs", data: `{"jobs": [{"id":"JOB-0007","status":"PASSED"}], "jobSeq": 7}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			db, _ := setupDB(t, true)

			before, err := db.Export(ctx)
			require.NoError(t, err)

			_, err = db.Import(ctx, []byte(tt.data))
			require.ErrorIs(t, err, lab.ErrPersistence)

			after, err := db.Export(ctx)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	db, _ := setupDB(t, true)

	require.NoError(t, db.DeleteBoard(ctx, "1"))
	require.NoError(t, db.Reset(ctx, labdb.DefaultSeed(testNow)))

	boards, err := db.GetBoards(ctx)
	require.NoError(t, err)
	assert.Len(t, boards, 3)
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - id: OPS001
    name: Ops Lead
    email: ops@example.com
    role: ADMIN
    status: ACTIVE
boards:
  - id: b1
    name: Arrow-Lake-RVP
    ip: 10.0.0.5
    type: PHYSICAL
    status: ONLINE
    visibility: PUBLIC
    location: Lab 4
job_seq: 10
`), 0o644))

	doc, err := labdb.LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, doc.Users, 1)
	assert.Equal(t, lab.RoleAdmin, doc.Users[0].Role)
	assert.Equal(t, "Arrow-Lake-RVP", doc.Boards[0].Name)
	require.NotNil(t, doc.JobSeq)

	db, _ := setupDB(t, false)
	_, err = db.Init(context.Background(), doc)
	require.NoError(t, err)

	job, err := db.CreateJob(context.Background(), lab.TestJob{UserID: "OPS001", Status: lab.JobRunning})
	require.NoError(t, err)
	assert.Equal(t, "JOB-0010", job.ID)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("boards:\n  - id: x\n    status: FLYING\n"), 0o644))
	_, err = labdb.LoadSeedFile(bad)
	require.Error(t, err)
}
