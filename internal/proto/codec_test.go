package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/gochnlzr/internal/spectrum"
)

func TestBrokerStateSurvivesFraming(t *testing.T) {
	caps := []spectrum.Capability{{
		Spec:         spectrum.SpecFromEdges(90e6, 110e6),
		Latitude:     52.37,
		Longitude:    4.89,
		Polarization: 2,
	}}
	grants := []spectrum.ChannelGrant{{ID: 42, Spec: spectrum.SpecFromEdges(100e6, 102e6)}}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, NewBrokerState(caps, grants)))
	require.NoError(t, WriteMessage(&buf, NewHeartbeat()))

	m, err := ReadMessage(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, TypeBrokerState, m.Type)
	assert.Equal(t, caps, m.BrokerState.SpectrumCapabilities())
	assert.Equal(t, grants, m.BrokerState.SpectrumGrants())

	m, err = ReadMessage(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, m.Type)

	_, err = ReadMessage(&buf, 0)
	assert.Equal(t, io.EOF, err)
}

func TestChannelRequestKeepsConstraints(t *testing.T) {
	req := spectrum.ChannelRequest{
		Spec:            spectrum.ChannelSpec{CenterFrequency: 433.92e6, Bandwidth: 25e3},
		SampleRate:      48_000,
		MaxRateDiff:     150,
		Polarization:    1,
		Latitude:        -33.9,
		Longitude:       151.2,
		MaxLocationDiff: 25,
	}
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, NewChannelRequest(req)))

	m, err := ReadMessage(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, req, m.ChannelRequest.Request())
}

func TestSamplesMessageFrame(t *testing.T) {
	f := SampleFrame{ChannelID: 3, Samples: []complex64{complex(1, -1), complex(0.5, 0.25)}}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, NewSamples(f)))
	m, err := ReadMessage(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, f, m.Samples.Frame())
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 1024)

	_, err := ReadMessage(bytes.NewReader(hdr[:]), 512)
	assert.True(t, errors.Is(err, ErrFrameTooLarge), "got %v", err)
}

func TestReadMessageRejectsEmptyFrame(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 0}), 0)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestReadMessageTruncatedBody(t *testing.T) {
	frame, err := MarshalFrame(NewChannelState(48_000, 101e6))
	require.NoError(t, err)

	_, err = ReadMessage(bytes.NewReader(frame[:len(frame)-1]), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadMessageRejectsBodyMismatch(t *testing.T) {
	// Announces SAMPLES but carries a channel state body.
	body, err := cbor.Marshal(map[int]any{1: uint8(TypeSamples), 7: map[int]any{1: 1, 2: 2.0}})
	require.NoError(t, err)

	_, err = ReadMessage(bytes.NewReader(frameOf(body)), 0)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestReadMessageRejectsGarbage(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(frameOf([]byte{0xff, 0x00, 0x13})), 0)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestWriteMessageValidates(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, &Message{Type: TypeChannelResponse})
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.Zero(t, buf.Len())

	err = WriteMessage(&buf, &Message{Type: TypeSamples, Samples: &Samples{IQ: []float32{1}}})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	err = WriteMessage(&buf, &Message{Type: MessageType(99)})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "MULTIPLEX_REQUEST", TypeMultiplexRequest.String())
	assert.Equal(t, "UNKNOWN(200)", MessageType(200).String())
}

func frameOf(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}
