package keyapi

import (
	"fmt"
	"time"
)

// Code is a raw key identifier in the Linux input event code space.
type Code uint16

// Transition is the state change a KeyAction describes.
// The numeric values are part of the wire format.
type Transition uint8

const (
	Pressed Transition = iota
	Released
	Repeated
)

func (t Transition) String() string {
	switch t {
	case Pressed:
		return "pressed"
	case Released:
		return "released"
	case Repeated:
		return "repeated"
	default:
		return fmt.Sprintf("transition(%d)", uint8(t))
	}
}

func (t Transition) Valid() bool {
	return t <= Repeated
}

// TransitionFromValue converts an evdev EV_KEY value (0 release, 1 press, 2 autorepeat).
func TransitionFromValue(value int32) (Transition, bool) {
	switch value {
	case 0:
		return Released, true
	case 1:
		return Pressed, true
	case 2:
		return Repeated, true
	}
	return 0, false
}

// Value is the inverse of TransitionFromValue.
func (t Transition) Value() int32 {
	switch t {
	case Released:
		return 0
	case Repeated:
		return 2
	default:
		return 1
	}
}

// KeyAction is a single key event. It is passed by value and never mutated after creation.
type KeyAction struct {
	Code       Code
	Transition Transition
	// At is the monotonic instant the action was observed by this process.
	// It is not transmitted; decoded actions carry their receive time.
	At time.Time
}

func NewKeyAction(code Code, transition Transition, at time.Time) KeyAction {
	return KeyAction{Code: code, Transition: transition, At: at}
}

// WithCode returns a copy of the action carrying a different code.
func (a KeyAction) WithCode(code Code) KeyAction {
	a.Code = code
	return a
}

func (a KeyAction) String() string {
	return fmt.Sprintf("%s %s", a.Code, a.Transition)
}
