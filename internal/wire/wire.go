// Package wire implements the length-prefixed frame format exchanged between peers and the hub.
//
// A frame is a 4-byte little-endian payload length followed by the payload.
// The payload of a key frame is the key code (u16, little-endian) and the transition (u8).
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/neuroplastio/keysync/keyapi"
)

const (
	HeaderSize  = 4
	PayloadSize = 3
	FrameSize   = HeaderSize + PayloadSize

	// MaxPayloadSize bounds the length a peer may announce before the frame is rejected
	// without reading it.
	MaxPayloadSize = 64
)

var ErrFrameTooLarge = errors.New("frame too large")

// ProtocolError is returned for frames that were read completely but cannot be decoded,
// and for frames announcing an unacceptable length.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Encode returns the complete frame for the action.
func Encode(action keyapi.KeyAction) []byte {
	frame := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(frame, PayloadSize)
	putPayload(frame[HeaderSize:], action)
	return frame
}

func putPayload(buf []byte, action keyapi.KeyAction) {
	binary.LittleEndian.PutUint16(buf, uint16(action.Code))
	buf[2] = byte(action.Transition)
}

// Decode parses a frame payload. The returned action is stamped with at.
func Decode(payload []byte, at time.Time) (keyapi.KeyAction, error) {
	if len(payload) != PayloadSize {
		return keyapi.KeyAction{}, &ProtocolError{Reason: fmt.Sprintf("unexpected payload size %d", len(payload))}
	}
	transition := keyapi.Transition(payload[2])
	if !transition.Valid() {
		return keyapi.KeyAction{}, &ProtocolError{Reason: fmt.Sprintf("unknown transition %d", payload[2])}
	}
	code := keyapi.Code(binary.LittleEndian.Uint16(payload))
	return keyapi.NewKeyAction(code, transition, at), nil
}

// WriteAction writes one frame. A frame is written with a single Write call.
func WriteAction(w io.Writer, action keyapi.KeyAction) error {
	_, err := w.Write(Encode(action))
	return err
}

// Reader reads frames from a byte stream.
type Reader struct {
	r       *bufio.Reader
	header  [HeaderSize]byte
	payload [MaxPayloadSize]byte
	now     func() time.Time
}

func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   bufio.NewReaderSize(r, 256),
		now: time.Now,
	}
}

// ReadFrame returns the next payload. The returned slice is only valid until the next call.
// A stream closed on a frame boundary yields io.EOF, a stream closed mid-frame yields
// io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(r.header[:])
	if size > MaxPayloadSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("announced size %d", size), Err: ErrFrameTooLarge}
	}
	payload := r.payload[:size]
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// ReadAction reads and decodes the next frame.
func (r *Reader) ReadAction() (keyapi.KeyAction, error) {
	payload, err := r.ReadFrame()
	if err != nil {
		return keyapi.KeyAction{}, err
	}
	return Decode(payload, r.now())
}
