package devices

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/neuroplastio/keysync/keyapi"
)

// Reserved identifies the virtual injection device. A Filter can never select it.
type Reserved struct {
	Paths []string
	Names []string
}

func (r Reserved) contains(info Info) bool {
	for _, p := range r.Paths {
		if p != "" && p == info.Path {
			return true
		}
	}
	for _, n := range r.Names {
		if n != "" && n == info.Name {
			return true
		}
	}
	return false
}

type selector struct {
	raw  string
	path string
	re   *regexp.Regexp
}

func (s selector) match(info Info) bool {
	if s.re == nil {
		return s.path == info.Path
	}
	return s.re.MatchString(info.Name) || s.re.MatchString(info.Path)
}

func (s selector) selectsReserved(r Reserved) bool {
	for _, p := range r.Paths {
		if p == "" {
			continue
		}
		if (s.re == nil && s.path == p) || (s.re != nil && s.re.MatchString(p)) {
			return true
		}
	}
	if s.re == nil {
		return false
	}
	for _, n := range r.Names {
		if n != "" && s.re.MatchString(n) {
			return true
		}
	}
	return false
}

// Filter is the device allowlist. It is immutable after construction.
type Filter struct {
	all       bool
	selectors []selector
	reserved  Reserved
}

// NewFilter builds the allowlist from configured entries.
// Entries starting with "/" are literal device paths; anything else is a regular expression
// matched against the device name and path, falling back to a literal match when it does not compile.
// A nil entries slice selects every keyboard except the reserved device; an empty one selects nothing.
// An entry that would select the reserved device is rejected with ErrReservedDevice.
func NewFilter(entries []string, reserved Reserved) (*Filter, error) {
	f := &Filter{
		all:      entries == nil,
		reserved: reserved,
	}
	for _, entry := range entries {
		if entry == "" {
			continue
		}
		var s selector
		if strings.HasPrefix(entry, "/") {
			s = selector{raw: entry, path: entry}
		} else {
			re, err := regexp.Compile(entry)
			if err != nil {
				re = regexp.MustCompile(regexp.QuoteMeta(entry))
			}
			s = selector{raw: entry, re: re}
		}
		if s.selectsReserved(reserved) {
			return nil, &keyapi.ConfigError{
				Kind:    keyapi.ErrReservedDevice,
				Section: "devices",
				Key:     entry,
				Err:     fmt.Errorf("reserved %s", describeReserved(reserved)),
			}
		}
		f.selectors = append(f.selectors, s)
	}
	return f, nil
}

func describeReserved(r Reserved) string {
	parts := append(append([]string{}, r.Names...), r.Paths...)
	return strings.Join(parts, ", ")
}

// Match reports whether the device should be monitored.
func (f *Filter) Match(info Info) bool {
	if f.reserved.contains(info) {
		return false
	}
	if f.all {
		return info.Keyboard
	}
	for _, s := range f.selectors {
		if s.match(info) {
			return true
		}
	}
	return false
}

// Entries returns the configured selectors, or nil when every keyboard is selected.
func (f *Filter) Entries() []string {
	if f.all {
		return nil
	}
	entries := make([]string, 0, len(f.selectors))
	for _, s := range f.selectors {
		entries = append(entries, s.raw)
	}
	return entries
}
