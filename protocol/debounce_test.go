package protocol_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-go/protocolcore/protocol"
	"github.com/mcp-go/protocolcore/protocol/transporttest"
)

func TestDebouncedNotificationsCoalesce(t *testing.T) {
	engineA := protocol.NewEngine(&protocol.Options{
		DebouncedNotificationMethods: map[string]bool{"notifications/list_changed": true},
	})
	engineB := protocol.NewEngine(&protocol.Options{})
	pa, pb := transporttest.NewPair("s")
	require.NoError(t, engineA.Connect(context.Background(), pa))
	require.NoError(t, engineB.Connect(context.Background(), pb))
	t.Cleanup(func() { engineA.Close(); engineB.Close() })

	var received int
	done := make(chan struct{}, 1)
	engineB.SetNotificationHandler(func(method string, params json.RawMessage, extra *protocol.InboundExtra) {
		received++
		select {
		case done <- struct{}{}:
		default:
		}
	})

	a := protocol.NewAgent(engineA, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Notify("notifications/list_changed", nil))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("debounced notification never arrived")
	}
	time.Sleep(20 * time.Millisecond) // let any extra, incorrect sends land before asserting
	assert.Equal(t, 1, received, "five debounced calls in one batch should coalesce into a single send")
}

func TestNotificationsWithParamsAreNeverDebounced(t *testing.T) {
	engineA := protocol.NewEngine(&protocol.Options{
		DebouncedNotificationMethods: map[string]bool{"notifications/list_changed": true},
	})
	engineB := protocol.NewEngine(&protocol.Options{})
	pa, pb := transporttest.NewPair("s")
	require.NoError(t, engineA.Connect(context.Background(), pa))
	require.NoError(t, engineB.Connect(context.Background(), pb))
	t.Cleanup(func() { engineA.Close(); engineB.Close() })

	var received int
	engineB.SetNotificationHandler(func(method string, params json.RawMessage, extra *protocol.InboundExtra) {
		received++
	})

	a := protocol.NewAgent(engineA, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Notify("notifications/list_changed", map[string]any{"i": i}))
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, received, "a notification carrying params must never be debounced, to avoid data loss")
}
