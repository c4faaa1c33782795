package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mcp-go/protocolcore/protocol"
	protocolconfig "github.com/mcp-go/protocolcore/protocol/config"
)

const sampleYAML = `
engine:
  default_timeout_ms: 5000
  default_max_total_timeout_ms: 60000
  enforce_strict_capabilities: true
  debounced_notifications:
    - notifications/list_changed
    - notifications/resources/list_changed
capabilities:
  tools: {}
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesTuningToOptions(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := protocolconfig.Load(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { cfg.Close() })

	opts := &protocol.Options{}
	cfg.ApplyTo(opts)

	assert.Equal(t, 5*time.Second, opts.DefaultTimeout)
	assert.Equal(t, 60*time.Second, opts.DefaultMaxTotalTimeout)
	assert.True(t, opts.EnforceStrictCapabilities)
	assert.True(t, opts.DebouncedNotificationMethods["notifications/list_changed"])
	assert.True(t, opts.DebouncedNotificationMethods["notifications/resources/list_changed"])
	if _, ok := opts.Capabilities["tools"]; !assert.True(t, ok) {
		t.Fatalf("expected tools capability to be present, got %#v", opts.Capabilities)
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := protocolconfig.Load(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { cfg.Close() })

	changed := make(chan struct{}, 1)
	require.NoError(t, cfg.Watch(func(*protocolconfig.FileConfig) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))

	updated := `
engine:
  default_timeout_ms: 9000
  enforce_strict_capabilities: false
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch never observed the file change")
	}

	opts := &protocol.Options{}
	cfg.ApplyTo(opts)
	assert.Equal(t, 9*time.Second, opts.DefaultTimeout)
	assert.False(t, opts.EnforceStrictCapabilities)
}
