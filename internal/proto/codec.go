package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// =======================
// Frame layout
// =======================
//
// Wire format (network / big-endian):
//
//	uint32 length
//	[length]byte CBOR-encoded Message

const frameHeaderLen = 4

// DefaultMaxFrameSize bounds a single control frame.
const DefaultMaxFrameSize = 16 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("proto: cbor encoder options: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 10,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("proto: cbor decoder options: %v", err))
	}
}

// MarshalFrame validates m and returns its complete framed encoding.
func MarshalFrame(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	frame := make([]byte, frameHeaderLen+len(body))
	binary.BigEndian.PutUint32(frame[:frameHeaderLen], uint32(len(body)))
	copy(frame[frameHeaderLen:], body)
	return frame, nil
}

// WriteMessage writes one framed message in a single Write call.
func WriteMessage(w io.Writer, m *Message) error {
	frame, err := MarshalFrame(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads exactly one framed message. A clean end of stream before a
// header is returned as io.EOF; everything else is wrapped.
func ReadMessage(r io.Reader, maxFrameSize int) (*Message, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	if uint64(n) > uint64(maxFrameSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxFrameSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	var m Message
	if err := decMode.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
