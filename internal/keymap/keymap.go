// Package keymap translates key codes between the local keyboard and the wire.
package keymap

import (
	"fmt"
	"sort"

	"github.com/neuroplastio/keysync/keyapi"
	"go.uber.org/atomic"
)

const (
	Incoming = "incoming"
	Outgoing = "outgoing"
)

// Table maps source codes to target codes. A Table is never modified after Build,
// so it can be shared between goroutines without locking.
type Table struct {
	direction string
	codes     map[keyapi.Code]keyapi.Code
}

// NewTable resolves the configured names of one direction.
// Each source key must resolve to a known code and may only appear once; aliases such as
// "KEY_ESC" and "esc" name the same source key.
func NewTable(direction string, entries map[string]string) (Table, error) {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	codes := make(map[keyapi.Code]keyapi.Code, len(entries))
	sources := make(map[keyapi.Code]string, len(entries))
	for _, name := range names {
		from, err := keyapi.ParseCode(name)
		if err != nil {
			return Table{}, &keyapi.ConfigError{Kind: keyapi.ErrUnknownKey, Section: direction, Key: name, Err: err}
		}
		to, err := keyapi.ParseCode(entries[name])
		if err != nil {
			return Table{}, &keyapi.ConfigError{Kind: keyapi.ErrUnknownKey, Section: direction, Key: entries[name], Err: err}
		}
		if prev, ok := sources[from]; ok {
			return Table{}, &keyapi.ConfigError{Kind: keyapi.ErrDuplicateMapping, Section: direction, Key: name, Err: errAlias(prev)}
		}
		sources[from] = name
		codes[from] = to
	}
	return Table{direction: direction, codes: codes}, nil
}

// Translate returns the mapped code, or code itself when it has no entry.
func (t Table) Translate(code keyapi.Code) keyapi.Code {
	if to, ok := t.codes[code]; ok {
		return to
	}
	return code
}

// Apply translates the code of an action, keeping its transition and timestamp.
func (t Table) Apply(action keyapi.KeyAction) keyapi.KeyAction {
	return action.WithCode(t.Translate(action.Code))
}

func (t Table) Len() int {
	return len(t.codes)
}

func (t Table) Direction() string {
	return t.direction
}

// Targets returns the distinct target codes in ascending order.
func (t Table) Targets() []keyapi.Code {
	seen := make(map[keyapi.Code]struct{}, len(t.codes))
	targets := make([]keyapi.Code, 0, len(t.codes))
	for _, to := range t.codes {
		if _, ok := seen[to]; ok {
			continue
		}
		seen[to] = struct{}{}
		targets = append(targets, to)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	return targets
}

type Tables struct {
	Incoming Table
	Outgoing Table
}

// Build validates both directions. It fails with ErrEmptyConfig when neither direction has entries.
func Build(incoming, outgoing map[string]string) (Tables, error) {
	in, err := NewTable(Incoming, incoming)
	if err != nil {
		return Tables{}, err
	}
	out, err := NewTable(Outgoing, outgoing)
	if err != nil {
		return Tables{}, err
	}
	if in.Len() == 0 && out.Len() == 0 {
		return Tables{}, &keyapi.ConfigError{Kind: keyapi.ErrEmptyConfig}
	}
	return Tables{Incoming: in, Outgoing: out}, nil
}

// Holder publishes the active Tables. Readers always observe a complete pair;
// a reload replaces both tables at once.
type Holder struct {
	tables *atomic.Pointer[Tables]
}

func NewHolder(tables Tables) *Holder {
	return &Holder{tables: atomic.NewPointer(&tables)}
}

func (h *Holder) Load() *Tables {
	return h.tables.Load()
}

func (h *Holder) Store(tables Tables) {
	h.tables.Store(&tables)
}

type errAlias string

func (e errAlias) Error() string {
	return fmt.Sprintf("already mapped as %q", string(e))
}
