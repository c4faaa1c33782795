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

// connectedPair wires two engines together over an in-memory pipe and
// wraps each in an unrestricted Agent, since Engine's own
// request/notification surface is package-private - role facades are
// the exported door onto it.
func connectedPair(t *testing.T, optsA, optsB *protocol.Options) (*protocol.Agent, *protocol.Agent) {
	t.Helper()
	engineA := protocol.NewEngine(optsA)
	engineB := protocol.NewEngine(optsB)
	pa, pb := transporttest.NewPair("test-session")
	require.NoError(t, engineA.Connect(context.Background(), pa))
	require.NoError(t, engineB.Connect(context.Background(), pb))
	t.Cleanup(func() {
		engineA.Close()
		engineB.Close()
	})
	return protocol.NewAgent(engineA, nil), protocol.NewAgent(engineB, nil)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	a, b := connectedPair(t, &protocol.Options{}, &protocol.Options{})
	b.SetRequestHandler(func(ic *protocol.InboundRequestContext) (any, error) {
		var p map[string]any
		require.NoError(t, json.Unmarshal(ic.Params, &p))
		return map[string]any{"echo": p["value"]}, nil
	})

	raw, err := a.Request(context.Background(), "ping", map[string]any{"value": "hello"}, protocol.RequestOptions{Timeout: time.Second})
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "hello", result["echo"])
}

func TestRequestMethodNotFound(t *testing.T) {
	a, _ := connectedPair(t, &protocol.Options{}, &protocol.Options{})

	_, err := a.Request(context.Background(), "nonexistent/method", nil, protocol.RequestOptions{Timeout: time.Second})
	require.Error(t, err)
	// Errors cross the wire as plain code+message+data, so the caller
	// always sees an ApplicationError even though b raised a
	// ProtocolError locally; the code is what round-trips.
	var appErr *protocol.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, protocol.CodeMethodNotFound, appErr.Code())
}

func TestRequestTimeoutExpiresWithoutResponse(t *testing.T) {
	a, b := connectedPair(t, &protocol.Options{}, &protocol.Options{})
	block := make(chan struct{})
	b.SetRequestHandler(func(ic *protocol.InboundRequestContext) (any, error) {
		<-block
		return map[string]any{}, nil
	})
	defer close(block)

	_, err := a.Request(context.Background(), "slow", nil, protocol.RequestOptions{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	var timeoutErr *protocol.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestProgressNotificationResetsSoftDeadline(t *testing.T) {
	a, b := connectedPair(t, &protocol.Options{}, &protocol.Options{})
	b.SetRequestHandler(func(ic *protocol.InboundRequestContext) (any, error) {
		for i := 0; i < 3; i++ {
			time.Sleep(15 * time.Millisecond)
			_ = ic.SendProgress(float64(i), nil, "")
		}
		return map[string]any{"done": true}, nil
	})

	var updates int
	handle, err := a.BeginRequest(context.Background(), "long-running", nil, protocol.RequestOptions{
		Timeout:         25 * time.Millisecond,
		ResetOnProgress: true,
		OnProgress:      func(protocol.ProgressUpdate) { updates++ },
	})
	require.NoError(t, err)

	raw, err := handle.Result(context.Background())
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, true, result["done"])
	assert.Equal(t, 3, updates, "OnProgress should fire once per progress notification")
}

func TestCancelRequestSettlesLocallyAndNotifiesPeer(t *testing.T) {
	a, b := connectedPair(t, &protocol.Options{}, &protocol.Options{})
	started := make(chan struct{})
	released := make(chan struct{})
	b.SetRequestHandler(func(ic *protocol.InboundRequestContext) (any, error) {
		close(started)
		<-ic.Context().Done()
		close(released)
		return nil, ic.Context().Err()
	})

	handle, err := a.BeginRequest(context.Background(), "long-running", nil, protocol.RequestOptions{Timeout: time.Second})
	require.NoError(t, err)
	<-started

	a.Engine().CancelRequest(handle.ID, "caller gave up")

	_, err = handle.Result(context.Background())
	require.Error(t, err)
	var cancelErr *protocol.CancelError
	require.ErrorAs(t, err, &cancelErr)
	assert.Equal(t, "local", cancelErr.Source)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("remote handler was never notified of cancellation")
	}
}

// S2 - hard ceiling enforced even under continuous progress.
func TestMaxTotalTimeoutEnforcedUnderContinuousProgress(t *testing.T) {
	a, b := connectedPair(t, &protocol.Options{}, &protocol.Options{})
	block := make(chan struct{})
	b.SetRequestHandler(func(ic *protocol.InboundRequestContext) (any, error) {
		time.Sleep(80 * time.Millisecond)
		_ = ic.SendProgress(50, nil, "")
		time.Sleep(80 * time.Millisecond)
		_ = ic.SendProgress(75, nil, "")
		<-block
		return map[string]any{}, nil
	})
	defer close(block)

	var updates int
	_, err := a.Request(context.Background(), "long-running", nil, protocol.RequestOptions{
		Timeout:         time.Second,
		MaxTotalTimeout: 150 * time.Millisecond,
		ResetOnProgress: true,
		OnProgress:      func(protocol.ProgressUpdate) { updates++ },
	})

	require.Error(t, err)
	var timeoutErr *protocol.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Contains(t, timeoutErr.Error(), "Maximum total timeout exceeded")
	assert.Equal(t, 1, updates, "only the progress update that arrived before the hard ceiling fired should count")
}

// Boundary case: timeout=0 (expressed as a negative RequestOptions.Timeout,
// since the zero value itself means "use the engine default") fails the
// request immediately with a timeout, without waiting for the peer.
func TestZeroTimeoutFailsImmediately(t *testing.T) {
	a, b := connectedPair(t, &protocol.Options{}, &protocol.Options{})
	b.SetRequestHandler(func(ic *protocol.InboundRequestContext) (any, error) {
		return map[string]any{}, nil
	})

	start := time.Now()
	_, err := a.Request(context.Background(), "ping", nil, protocol.RequestOptions{Timeout: -1})
	elapsed := time.Since(start)

	require.Error(t, err)
	var timeoutErr *protocol.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Less(t, elapsed, 50*time.Millisecond, "a zero timeout must fail immediately, not after any wait")
}

// Boundary case: sending while the engine is closing discards the
// message - the caller sees an error rather than a message silently
// going out on a dead transport.
func TestSendDuringCloseDiscardsMessage(t *testing.T) {
	a, _ := connectedPair(t, &protocol.Options{}, &protocol.Options{})
	require.NoError(t, a.Close())

	_, err := a.Request(context.Background(), "ping", nil, protocol.RequestOptions{Timeout: time.Second})
	require.Error(t, err)
}

// Round-trip/idempotence: cancel applied twice to the same request
// produces exactly one notifications/cancelled.
func TestCancelTwiceProducesOneCancelledNotification(t *testing.T) {
	// The receiving engine consumes notifications/cancelled itself and
	// never hands it to a user notification handler, so the count is
	// taken from what a's end of the pipe sent.
	engineA := protocol.NewEngine(&protocol.Options{})
	engineB := protocol.NewEngine(&protocol.Options{})
	pa, pb := transporttest.NewPair("test-session")
	require.NoError(t, engineA.Connect(context.Background(), pa))
	require.NoError(t, engineB.Connect(context.Background(), pb))
	t.Cleanup(func() {
		engineA.Close()
		engineB.Close()
	})
	a, b := protocol.NewAgent(engineA, nil), protocol.NewAgent(engineB, nil)

	started := make(chan struct{})
	b.SetRequestHandler(func(ic *protocol.InboundRequestContext) (any, error) {
		close(started)
		<-ic.Context().Done()
		return nil, ic.Context().Err()
	})

	handle, err := a.BeginRequest(context.Background(), "long-running", nil, protocol.RequestOptions{Timeout: time.Second})
	require.NoError(t, err)
	<-started

	a.Engine().CancelRequest(handle.ID, "first")
	a.Engine().CancelRequest(handle.ID, "second")

	_, err = handle.Result(context.Background())
	require.Error(t, err)

	cancelled := 0
	for _, msg := range pa.Sent() {
		if msg.Kind == protocol.KindNotification && msg.Method == protocol.NotificationCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled, "cancelling an already-cancelled request must not send a second notification")
}

func TestNotificationHandlerReceivesUnknownMethods(t *testing.T) {
	a, b := connectedPair(t, &protocol.Options{}, &protocol.Options{})
	received := make(chan string, 1)
	b.SetNotificationHandler(func(method string, params json.RawMessage, extra *protocol.InboundExtra) {
		received <- method
	})

	require.NoError(t, a.Notify("custom/event", map[string]any{"x": 1}))

	select {
	case method := <-received:
		assert.Equal(t, "custom/event", method)
	case <-time.After(time.Second):
		t.Fatal("notification handler was never invoked")
	}
}
