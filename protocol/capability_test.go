package protocol_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-go/protocolcore/protocol"
	"github.com/mcp-go/protocolcore/protocol/transporttest"
)

func methodMapper(requiredKey string, methods ...string) func(string) (string, bool) {
	set := map[string]bool{}
	for _, m := range methods {
		set[m] = true
	}
	return func(method string) (string, bool) {
		return requiredKey, set[method]
	}
}

func TestStrictCapabilityEnforcementBlocksUnadvertisedMethod(t *testing.T) {
	engineA := protocol.NewEngine(&protocol.Options{
		MethodCapabilityMapper:    methodMapper("tools", "tools/call"),
		EnforceStrictCapabilities: true,
	})
	engineB := protocol.NewEngine(&protocol.Options{})
	pa, pb := transporttest.NewPair("s")
	require.NoError(t, engineA.Connect(context.Background(), pa))
	require.NoError(t, engineB.Connect(context.Background(), pb))
	t.Cleanup(func() { engineA.Close(); engineB.Close() })

	a := protocol.NewAgent(engineA, nil)
	_, err := a.Request(context.Background(), "tools/call", nil, protocol.RequestOptions{Timeout: time.Second})
	require.Error(t, err)
	var capErr *protocol.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "remote", capErr.Side)
}

func TestNonStrictCapabilityEnforcementPermitsUnadvertisedMethod(t *testing.T) {
	engineA := protocol.NewEngine(&protocol.Options{
		MethodCapabilityMapper:    methodMapper("tools", "tools/call"),
		EnforceStrictCapabilities: false,
	})
	engineB := protocol.NewEngine(&protocol.Options{})
	pa, pb := transporttest.NewPair("s")
	require.NoError(t, engineA.Connect(context.Background(), pa))
	require.NoError(t, engineB.Connect(context.Background(), pb))
	t.Cleanup(func() { engineA.Close(); engineB.Close() })

	engineB.SetRequestHandler(func(ic *protocol.InboundRequestContext) (any, error) {
		return map[string]any{"ok": true}, nil
	})

	a := protocol.NewAgent(engineA, nil)
	_, err := a.Request(context.Background(), "tools/call", nil, protocol.RequestOptions{Timeout: time.Second})
	assert.NoError(t, err)
}

func TestCapabilityRegistrationRejectedAfterBind(t *testing.T) {
	engine := protocol.NewEngine(&protocol.Options{})
	pa, _ := transporttest.NewPair("s")
	require.NoError(t, engine.Connect(context.Background(), pa))
	t.Cleanup(func() { engine.Close() })

	err := engine.RegisterLocalCapabilities(protocol.CapabilitySet{"tools": map[string]any{}})
	require.Error(t, err)
	var stateErr *protocol.StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestRoleFacadeRejectsDisallowedMethod(t *testing.T) {
	engineA := protocol.NewEngine(&protocol.Options{})
	engineB := protocol.NewEngine(&protocol.Options{})
	pa, pb := transporttest.NewPair("s")
	require.NoError(t, engineA.Connect(context.Background(), pa))
	require.NoError(t, engineB.Connect(context.Background(), pb))
	t.Cleanup(func() { engineA.Close(); engineB.Close() })

	agent := protocol.NewAgent(engineA, map[string]bool{"allowed/method": true})
	_, err := agent.Request(context.Background(), "forbidden/method", nil, protocol.RequestOptions{Timeout: time.Second})
	require.Error(t, err)
	var protoErr *protocol.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
	assert.Equal(t, protocol.CodeInvalidRequest, protoErr.Code())
}
