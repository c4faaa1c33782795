package pq_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcp-go/protocolcore/protocol"
	pqstore "github.com/mcp-go/protocolcore/protocol/taskstore/pq"
)

// These exercise Store against a real Postgres instance and are skipped
// unless PROTOCOLCORE_TEST_POSTGRES_DSN is set, matching how the
// teacher's own database-backed suites are gated behind an env var
// rather than shipping a fake driver.
func openTestStore(t *testing.T) *pqstore.Store {
	t.Helper()
	dsn := os.Getenv("PROTOCOLCORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PROTOCOLCORE_TEST_POSTGRES_DSN not set, skipping Postgres-backed task store tests")
	}
	store, err := pqstore.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreCreateGetRoundTrip(t *testing.T) {
	store := openTestStore(t)

	task, err := store.CreateTask("session-1", protocol.NewRequestID(1), &protocol.TaskCreateParams{})
	require.NoError(t, err)
	require.Equal(t, protocol.TaskWorking, task.Status)

	got, ok, err := store.GetTask(task.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.TaskID, got.TaskID)
}

func TestStoreResultUnavailableUntilTerminal(t *testing.T) {
	store := openTestStore(t)

	task, err := store.CreateTask("session-1", protocol.NewRequestID(2), nil)
	require.NoError(t, err)

	_, err = store.GetTaskResult(task.TaskID)
	require.Error(t, err)

	_, err = store.StoreTaskResult(task.TaskID, []byte(`{"ok":true}`))
	require.NoError(t, err)

	result, err := store.GetTaskResult(task.TaskID)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestStoreTerminalTransitionCannotBeOverwritten(t *testing.T) {
	store := openTestStore(t)

	task, err := store.CreateTask("session-1", protocol.NewRequestID(3), nil)
	require.NoError(t, err)

	_, err = store.UpdateTaskStatus(task.TaskID, protocol.TaskCancelled, "cancelled by test")
	require.NoError(t, err)

	_, err = store.UpdateTaskStatus(task.TaskID, protocol.TaskWorking, "should fail")
	require.Error(t, err)
}
