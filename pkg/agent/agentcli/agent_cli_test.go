package agentcli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/neuroplastio/keysync/internal/devices"
	"github.com/neuroplastio/keysync/internal/devices/devicestest"
	"github.com/neuroplastio/keysync/pkg/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func execute(t *testing.T, dir string, backend *devicestest.Backend, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(dir,
		agent.WithLogger(zaptest.NewLogger(t)),
		agent.WithBackend("test", func(*zap.Logger) (devices.Backend, error) {
			return backend, nil
		}),
	)
	var out bytes.Buffer
	cmd.SetArgs(append([]string{"--backend", "test"}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, dir, devicestest.NewBackend(), "config")
	require.NoError(t, err)
	assert.Equal(t, agent.DefaultTemplate, out)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("outgoing:\n  KEY_X: KEY_ESC\n"), 0644))
	out, err = execute(t, dir, devicestest.NewBackend(), "config", "--effective")
	require.NoError(t, err)
	assert.Equal(t, "devices: null\nincoming: null\noutgoing:\n  KEY_X: KEY_ESC\n", out)
}

func TestListDevicesCommand(t *testing.T) {
	backend := devicestest.NewBackend()
	backend.AddDevice("Test Keyboard")
	out, err := execute(t, t.TempDir(), backend, "list-devices")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "Test Keyboard"`)
	assert.Contains(t, out, `"keyboard": true`)
}

func TestDefaultAddresses(t *testing.T) {
	cmd := NewRootCmd(t.TempDir())
	server, _, err := cmd.Find([]string{"server"})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:1234", server.Flags().Lookup("bind-address").DefValue)

	client, _, err := cmd.Find([]string{"client"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1234", client.Flags().Lookup("server").DefValue)
}

func TestInvalidLogLevel(t *testing.T) {
	cmd := NewRootCmd(t.TempDir())
	cmd.SetArgs([]string{"--log-level", "loud", "config"})
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "invalid log level")
}
