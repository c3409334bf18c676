package keyapi

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownKey       = errors.New("unknown key")
	ErrDuplicateMapping = errors.New("duplicate mapping")
	ErrReservedDevice   = errors.New("entry selects the virtual injection device")
	ErrEmptyConfig      = errors.New("no key mappings configured")
	ErrInvalidConfig    = errors.New("invalid config file")
)

// ConfigError reports an invalid configuration. Kind is one of the Err* sentinels above
// and can be matched with errors.Is.
type ConfigError struct {
	Kind    error
	Section string
	Key     string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Kind.Error()
	if e.Section != "" {
		msg = fmt.Sprintf("%s: %s", e.Section, msg)
	}
	if e.Key != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Key)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "config error: " + msg
}

func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
