package agent

// Config holds the process settings. The key mappings and device selection
// live in the file at ConfigPath, which is watched for mapping changes.
type Config struct {
	DataDir    string `json:"dataDir"`
	ConfigPath string `json:"configPath"`
	Backend    string `json:"backend"`
	LogLevel   string `json:"logLevel"`
	QueueSize  int    `json:"queueSize"`
}

const (
	DefaultServerAddress = "0.0.0.0:1234"
	DefaultClientAddress = "127.0.0.1:1234"
	DefaultBackend       = "evdev"
	DefaultQueueSize     = 256
)

// SyncConfig is the content of the config file.
// A nil Devices selects every keyboard; an empty list selects none.
type SyncConfig struct {
	Devices  []string          `yaml:"devices" json:"devices"`
	Incoming map[string]string `yaml:"incoming" json:"incoming"`
	Outgoing map[string]string `yaml:"outgoing" json:"outgoing"`
}

// DefaultTemplate is written when the config file does not exist.
const DefaultTemplate = `# keysync configuration
#
# devices selects the local keyboards whose keys are shared with the hub.
# Entries starting with "/" are device paths; anything else is a regular
# expression matched against the device name. Leave devices out to share
# every keyboard, or set it to [] to only receive.
#
# devices:
#   - /dev/input/event3
#   - "AT Translated Set 2"
#
# outgoing translates local keys before they are sent to the hub.
# incoming translates keys received from the hub before they are typed.
# Keys are evdev names (KEY_ESC, KEY_CAPSLOCK, ...). Keys without an entry
# pass through unchanged. At least one entry is required.
#
# outgoing:
#   KEY_CAPSLOCK: KEY_ESC
# incoming:
#   KEY_ESC: KEY_ESC

incoming:
outgoing:
`
