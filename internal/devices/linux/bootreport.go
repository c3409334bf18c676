package linux

import (
	"github.com/neuroplastio/keysync/keyapi"
)

// bootKeyboardDescriptor is the standard HID boot protocol keyboard:
// one modifier byte, one reserved byte, six key slots, five LED outputs.
var bootKeyboardDescriptor = []byte{
	0x05, 0x01, 0x09, 0x06, 0xa1, 0x01, 0x05, 0x07, 0x19, 0xe0, 0x29, 0xe7, 0x15, 0x00, 0x25, 0x01,
	0x75, 0x01, 0x95, 0x08, 0x81, 0x02, 0x95, 0x01, 0x75, 0x08, 0x81, 0x01, 0x95, 0x05, 0x75, 0x01,
	0x05, 0x08, 0x19, 0x01, 0x29, 0x05, 0x91, 0x02, 0x95, 0x01, 0x75, 0x03, 0x91, 0x01, 0x95, 0x06,
	0x75, 0x08, 0x15, 0x00, 0x25, 0x65, 0x05, 0x07, 0x19, 0x00, 0x29, 0x65, 0x81, 0x00, 0xc0,
}

const (
	bootReportSize   = 8
	bootKeySlots     = 6
	usageRollover    = 0x01
	usageMaxKeyboard = 0x65
)

// hidKeyboard maps keyboard page usages 0x00..0x65 to input event codes.
var hidKeyboard = [usageMaxKeyboard + 1]keyapi.Code{
	0, 0, 0, 0, 30, 48, 46, 32, 18, 33, 34, 35, 23, 36, 37, 38,
	50, 49, 24, 25, 16, 19, 31, 20, 22, 47, 17, 45, 21, 44, 2, 3,
	4, 5, 6, 7, 8, 9, 10, 11, 28, 1, 14, 15, 57, 12, 13, 26,
	27, 43, 43, 39, 40, 41, 51, 52, 53, 58, 59, 60, 61, 62, 63, 64,
	65, 66, 67, 68, 87, 88, 99, 70, 119, 110, 102, 104, 111, 107, 109, 106,
	105, 108, 103, 69, 98, 55, 74, 78, 96, 79, 80, 81, 75, 76, 77, 71,
	72, 73, 82, 83, 86, 127,
}

// hidModifiers maps modifier bits 0..7 (usages 0xe0..0xe7) to input event codes.
var hidModifiers = [8]keyapi.Code{29, 42, 56, 125, 97, 54, 100, 126}

var codeToUsage = func() map[keyapi.Code]byte {
	m := make(map[keyapi.Code]byte, len(hidKeyboard))
	for usage, code := range hidKeyboard {
		if code == 0 {
			continue
		}
		if _, ok := m[code]; ok {
			continue
		}
		m[code] = byte(usage)
	}
	return m
}()

func modifierBit(code keyapi.Code) (byte, bool) {
	for i, c := range hidModifiers {
		if c == code {
			return 1 << i, true
		}
	}
	return 0, false
}

// bootCodes lists every code the boot keyboard can carry.
func bootCodes() []keyapi.Code {
	codes := make([]keyapi.Code, 0, len(codeToUsage)+len(hidModifiers))
	codes = append(codes, hidModifiers[:]...)
	for usage, code := range hidKeyboard {
		if code != 0 && codeToUsage[code] == byte(usage) {
			codes = append(codes, code)
		}
	}
	return codes
}

type bootReport struct {
	modifiers byte
	keys      [bootKeySlots]byte
}

func parseBootReport(buf []byte) (bootReport, bool) {
	// Devices with numbered reports prefix a report ID.
	if len(buf) == bootReportSize+1 {
		buf = buf[1:]
	}
	if len(buf) < bootReportSize {
		return bootReport{}, false
	}
	r := bootReport{modifiers: buf[0]}
	copy(r.keys[:], buf[2:bootReportSize])
	return r, true
}

func (r bootReport) bytes() []byte {
	buf := make([]byte, bootReportSize)
	buf[0] = r.modifiers
	copy(buf[2:], r.keys[:])
	return buf
}

func (r bootReport) rollover() bool {
	for _, k := range r.keys {
		if k == usageRollover {
			return true
		}
	}
	return false
}

func (r bootReport) has(usage byte) bool {
	for _, k := range r.keys {
		if k == usage {
			return true
		}
	}
	return false
}

// diffBootReports returns the transitions that lead from prev to next:
// modifier changes first, then released keys, then pressed keys.
func diffBootReports(prev, next bootReport) []keyapi.KeyAction {
	var actions []keyapi.KeyAction
	changed := prev.modifiers ^ next.modifiers
	for i, code := range hidModifiers {
		bit := byte(1) << i
		if changed&bit == 0 {
			continue
		}
		if next.modifiers&bit != 0 {
			actions = append(actions, keyapi.KeyAction{Code: code, Transition: keyapi.Pressed})
		} else {
			actions = append(actions, keyapi.KeyAction{Code: code, Transition: keyapi.Released})
		}
	}
	for _, k := range prev.keys {
		if k <= usageRollover || k > usageMaxKeyboard || next.has(k) {
			continue
		}
		if code := hidKeyboard[k]; code != 0 {
			actions = append(actions, keyapi.KeyAction{Code: code, Transition: keyapi.Released})
		}
	}
	for _, k := range next.keys {
		if k <= usageRollover || k > usageMaxKeyboard || prev.has(k) {
			continue
		}
		if code := hidKeyboard[k]; code != 0 {
			actions = append(actions, keyapi.KeyAction{Code: code, Transition: keyapi.Pressed})
		}
	}
	return actions
}

// apply folds one action into the report. It reports false for codes
// the boot keyboard cannot represent and for presses beyond six keys.
func (r *bootReport) apply(action keyapi.KeyAction) bool {
	if bit, ok := modifierBit(action.Code); ok {
		switch action.Transition {
		case keyapi.Pressed:
			r.modifiers |= bit
		case keyapi.Released:
			r.modifiers &^= bit
		}
		return true
	}
	usage, ok := codeToUsage[action.Code]
	if !ok {
		return false
	}
	switch action.Transition {
	case keyapi.Pressed:
		if r.has(usage) {
			return true
		}
		for i, k := range r.keys {
			if k == 0 {
				r.keys[i] = usage
				return true
			}
		}
		return false
	case keyapi.Released:
		for i, k := range r.keys {
			if k == usage {
				r.keys[i] = 0
			}
		}
	}
	return true
}
