package session

import (
	"errors"
	"fmt"
	"time"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Input drives the session state machine.
type Input uint8

const (
	Dial Input = iota
	Established
	Failed
	Lost
)

func (i Input) String() string {
	switch i {
	case Dial:
		return "dial"
	case Established:
		return "established"
	case Failed:
		return "failed"
	case Lost:
		return "lost"
	}
	return fmt.Sprintf("Input(%d)", uint8(i))
}

var ErrInvalidTransition = errors.New("invalid session transition")

// Next returns the state reached from s on input in.
//
//	Disconnected --dial--> Connecting --established--> Connected
//	Connecting --failed--> Disconnected
//	Connected --lost--> Disconnected
func Next(s State, in Input) (State, error) {
	switch {
	case s == Disconnected && in == Dial:
		return Connecting, nil
	case s == Connecting && in == Established:
		return Connected, nil
	case s == Connecting && in == Failed:
		return Disconnected, nil
	case s == Connected && in == Lost:
		return Disconnected, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, in)
}

// Backoff yields exponentially growing delays, capped at max.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		initial: initial,
		max:     max,
		next:    initial,
	}
}

func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	if d > b.max {
		d = b.max
	}
	return d
}

func (b *Backoff) Reset() {
	b.next = b.initial
}
