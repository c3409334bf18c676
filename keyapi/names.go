package keyapi

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	evdev "github.com/holoplot/go-evdev"
)

const keyPrefix = "KEY_"

// maxKeyboardCode bounds the codes a virtual keyboard advertises by default.
// Codes from BTN_MISC upwards belong to mice and joysticks.
const maxKeyboardCode = Code(evdev.BTN_MISC)

// ParseCode resolves a configured key name to its code.
// Names are case-insensitive, the KEY_ prefix is optional and plain decimal codes are accepted.
func ParseCode(name string) (Code, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return 0, fmt.Errorf("empty key name")
	}
	if n, err := strconv.ParseUint(trimmed, 10, 16); err == nil {
		return Code(n), nil
	}
	upper := strings.ToUpper(trimmed)
	if code, ok := evdev.KEYFromString[upper]; ok {
		return Code(code), nil
	}
	if !strings.HasPrefix(upper, keyPrefix) {
		if code, ok := evdev.KEYFromString[keyPrefix+upper]; ok {
			return Code(code), nil
		}
	}
	return 0, fmt.Errorf("unknown key name %q", name)
}

func (c Code) String() string {
	name, ok := evdev.KEYToString[evdev.EvCode(c)]
	if !ok {
		return fmt.Sprintf("0x%x", uint16(c))
	}
	// aliased codes are joined with a slash, e.g. "KEY_MUTE/KEY_MIN_INTERESTING"
	if i := strings.IndexByte(name, '/'); i > 0 {
		name = name[:i]
	}
	return name
}

// KeyboardCodes returns every named code below BTN_MISC in ascending order.
func KeyboardCodes() []Code {
	codes := make([]Code, 0, len(evdev.KEYToString))
	for code := range evdev.KEYToString {
		c := Code(code)
		if c == 0 || c >= maxKeyboardCode {
			continue
		}
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
