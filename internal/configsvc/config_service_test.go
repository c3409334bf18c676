package configsvc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/neuroplastio/keysync/keyapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testConfig struct {
	Incoming map[string]string `yaml:"incoming" json:"incoming"`
	Devices  []string          `yaml:"devices" json:"devices"`
}

func TestRead(t *testing.T) {
	type testCase struct {
		name     string
		content  string
		expected testConfig
		kind     error
	}
	testCases := []testCase{
		{
			name:     "mapping and devices",
			content:  "incoming:\n  KEY_A: KEY_B\ndevices:\n  - /dev/input/event3\n",
			expected: testConfig{Incoming: map[string]string{"KEY_A": "KEY_B"}, Devices: []string{"/dev/input/event3"}},
		},
		{
			name:     "devices omitted",
			content:  "incoming:\n  KEY_A: KEY_B\n",
			expected: testConfig{Incoming: map[string]string{"KEY_A": "KEY_B"}},
		},
		{
			name:     "empty file",
			content:  "",
			expected: testConfig{},
		},
		{
			name:    "duplicate key",
			content: "incoming:\n  KEY_A: KEY_B\n  KEY_A: KEY_C\n",
			kind:    keyapi.ErrDuplicateMapping,
		},
		{
			name:    "malformed",
			content: "incoming: [unterminated\n",
			kind:    keyapi.ErrInvalidConfig,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0644))
			cfg, err := Read(path, testConfig{})
			if tc.kind != nil {
				var cerr *keyapi.ConfigError
				require.ErrorAs(t, err, &cerr)
				assert.ErrorIs(t, err, tc.kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, cfg)
		})
	}
}

func TestEnsureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	created, err := EnsureFile(path, []byte("# template\n"))
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, os.WriteFile(path, []byte("incoming: {}\n"), 0644))
	created, err = EnsureFile(path, []byte("# template\n"))
	require.NoError(t, err)
	assert.False(t, created)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "incoming: {}\n", string(content))
}

func TestDump(t *testing.T) {
	out, err := Dump(testConfig{Incoming: map[string]string{"KEY_A": "KEY_B"}})
	require.NoError(t, err)
	assert.Equal(t, "devices: null\nincoming:\n  KEY_A: KEY_B\n", string(out))
}

func TestRegisterWatchesChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := New(zaptest.NewLogger(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, svc.Start(ctx))
	}()
	defer func() {
		cancel()
		<-done
	}()
	<-svc.Ready()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("incoming:\n  KEY_A: KEY_B\n"), 0644))

	type update struct {
		cfg testConfig
		err error
	}
	updates := make(chan update, 16)
	cfg, err := Register(svc, path, testConfig{}, func(cfg testConfig, err error) {
		updates <- update{cfg, err}
	})
	require.NoError(t, err)
	assert.Equal(t, "KEY_B", cfg.Incoming["KEY_A"])

	waitFor := func(match func(update) bool) update {
		timeout := time.After(2 * time.Second)
		for {
			select {
			case u := <-updates:
				if match(u) {
					return u
				}
			case <-timeout:
				t.Fatal("no matching config update")
			}
		}
	}

	require.NoError(t, os.WriteFile(path, []byte("incoming:\n  KEY_A: KEY_C\n"), 0644))
	u := waitFor(func(u update) bool { return u.err == nil && u.cfg.Incoming["KEY_A"] == "KEY_C" })
	assert.Equal(t, map[string]string{"KEY_A": "KEY_C"}, u.cfg.Incoming)

	require.NoError(t, os.WriteFile(path, []byte("incoming:\n  KEY_A: KEY_C\n  KEY_A: KEY_D\n"), 0644))
	u = waitFor(func(u update) bool { return errors.Is(u.err, keyapi.ErrDuplicateMapping) })
	assert.Empty(t, u.cfg.Incoming)
}
