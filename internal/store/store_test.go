package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cylc.sqlite")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)
	v, err := s.getSchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestUpsertAndGetTaskRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	row := TaskRow{Name: "foo", Point: "20260101T0000Z", Status: "running", Held: true, SubmitNum: 2, TryNum: 1, Spawned: true}
	require.NoError(t, s.UpsertTask(ctx, row))

	got, err := s.GetTask(ctx, "foo", "20260101T0000Z")
	require.NoError(t, err)
	assert.Equal(t, row, got)
}

func TestUpsertTaskOverwritesOnConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertTask(ctx, TaskRow{Name: "foo", Point: "p1", Status: "waiting"}))
	require.NoError(t, s.UpsertTask(ctx, TaskRow{Name: "foo", Point: "p1", Status: "running", TryNum: 3}))

	got, err := s.GetTask(ctx, "foo", "p1")
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, 3, got.TryNum)
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetTask(context.Background(), "nope", "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTaskRemovesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertTask(ctx, TaskRow{Name: "foo", Point: "p1", Status: "waiting"}))
	require.NoError(t, s.DeleteTask(ctx, "foo", "p1"))

	_, err := s.GetTask(ctx, "foo", "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTasksReturnsAllRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertTask(ctx, TaskRow{Name: "a", Point: "p1", Status: "waiting"}))
	require.NoError(t, s.UpsertTask(ctx, TaskRow{Name: "b", Point: "p1", Status: "waiting"}))

	rows, err := s.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSetOutputCompletedUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertTask(ctx, TaskRow{Name: "foo", Point: "p1", Status: "running"}))
	require.NoError(t, s.SetOutputCompleted(ctx, "foo", "p1", "succeeded", true))
	require.NoError(t, s.SetOutputCompleted(ctx, "foo", "p1", "succeeded", false))
}

func TestBroadcastUpsertAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertBroadcast(ctx, "*", "foo", "execution retry delays", "PT5M"))
	require.NoError(t, s.DeleteBroadcast(ctx, "*", "foo", "execution retry delays"))
}

func TestInstallTargetStatusRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetInstallTargetStatus(ctx, "target1", "ok"))

	status, err := s.GetInstallTargetStatus(ctx, "target1")
	require.NoError(t, err)
	assert.Equal(t, "ok", status)
}

func TestInstallTargetStatusNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetInstallTargetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertJobRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertTask(ctx, TaskRow{Name: "foo", Point: "p1", Status: "running"}))
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpsertJob(ctx, JobRow{
		Name: "foo", Point: "p1", SubmitNum: 1,
		BatchSysName: "background", BatchSysJobID: "12345",
		Host: "localhost", SubmitTime: &now,
	}))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sentinel := errors.New("boom")

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES ('rolled_back', 'x')`)
		require.NoError(t, execErr)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'rolled_back'`)
	var v string
	assert.ErrorIs(t, row.Scan(&v), sql.ErrNoRows, "a failed WithTx must roll back its writes")
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES ('committed', 'x')`)
		return err
	}))

	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'committed'`)
	var v string
	require.NoError(t, row.Scan(&v))
	assert.Equal(t, "x", v)
}
