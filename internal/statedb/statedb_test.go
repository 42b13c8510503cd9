package statedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertAndLoadTaskPool(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertTaskPool(ctx, "1", "foo", ",1", "waiting", false, 0))
	require.NoError(t, db.UpsertTaskPool(ctx, "1", "foo", ",1", "running", false, 1))

	rows, err := db.LoadPool(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "running", rows[0].Status)
	assert.Equal(t, 1, rows[0].SubmitNum)
}

func TestRemoveTaskPool(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertTaskPool(ctx, "1", "foo", ",1", "succeeded", false, 1))
	require.NoError(t, db.RemoveTaskPool(ctx, "1", "foo", ",1"))

	rows, err := db.LoadPool(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRecordTransitionChainVerifies(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.RecordTransition(ctx, "1", "foo", ",1", "waiting", now))
	require.NoError(t, db.RecordTransition(ctx, "1", "foo", ",1", "running", now.Add(time.Second)))
	require.NoError(t, db.RecordTransition(ctx, "1", "foo", ",1", "succeeded", now.Add(2*time.Second)))

	ok, err := db.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordJobUpsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	job := JobRecord{Cycle: "1", Name: "foo", SubmitNum: 1, Platform: "localhost", JobID: "123", TryNum: 1, RunStatus: -1}
	require.NoError(t, db.RecordJob(ctx, job))

	job.RunStatus = 0
	job.TimeExit = "2026-01-01T00:00:00Z"
	require.NoError(t, db.RecordJob(ctx, job))

	var runStatus int
	err := db.conn.QueryRowContext(ctx, `SELECT run_status FROM task_jobs WHERE cycle = ? AND name = ? AND submit_num = ?`, "1", "foo", 1).Scan(&runStatus)
	require.NoError(t, err)
	assert.Equal(t, 0, runStatus)
}

func TestRecordAndLoadOutputs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.RecordOutputs(ctx, "1", "foo", ",1", map[string]bool{"succeeded": true, "started": true}))
	out, err := db.LoadOutputs(ctx, "1", "foo", ",1")
	require.NoError(t, err)
	assert.True(t, out["succeeded"])
	assert.True(t, out["started"])
}

func TestSetAndGetParam(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetParam(ctx, "run_uuid", "abc-123"))
	value, ok, err := db.GetParam(ctx, "run_uuid")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc-123", value)

	_, ok, err = db.GetParam(ctx, "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunUUIDStableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.db")
	ctx := context.Background()

	db1, err := Open(path)
	require.NoError(t, err)
	id1, err := db1.RunUUID(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)
	require.NoError(t, db1.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()
	id2, err := db2.RunUUID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestSchemaVersionRecorded(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	value, ok, err := db.GetParam(ctx, "schema_major")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", value)
}

func TestBroadcastLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.AddBroadcast(ctx, "*", "foo", "script", "true"))
	active, err := db.ActiveBroadcasts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, db.CancelBroadcast(ctx, active[0].ID))
	active, err = db.ActiveBroadcasts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCheckpointRecordsEvent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Checkpoint(ctx, "shutdown"))

	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoint_id`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReopenPreservesChainTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.RecordTransition(context.Background(), "1", "foo", ",1", "succeeded", time.Now()))
	require.NoError(t, db.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.RecordTransition(context.Background(), "1", "bar", ",1", "succeeded", time.Now()))

	ok, err := reopened.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
