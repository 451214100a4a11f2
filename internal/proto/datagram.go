package proto

import (
	"encoding/binary"
	"fmt"
	"math"
)

// =======================
// Sample datagram layout
// =======================
//
// Wire format (network / big-endian):
//
//	uint64 channel_id
//	N x { float32 i, float32 q }

const (
	datagramHeaderLen = 8
	bytesPerSample    = 2 * 4
)

// SampleFrame is one decoded batch of IQ samples for a channel. Consumers must
// treat Samples as read-only; the same frame is handed to every sink.
type SampleFrame struct {
	ChannelID uint64
	Samples   []complex64
}

// DatagramSize is the receive buffer needed for samplesPerDatagram samples.
func DatagramSize(samplesPerDatagram int) int {
	return samplesPerDatagram*bytesPerSample + datagramHeaderLen
}

// DecodeDatagram parses one sample datagram.
func DecodeDatagram(b []byte) (SampleFrame, error) {
	if len(b) < datagramHeaderLen {
		return SampleFrame{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedDatagram, len(b))
	}
	payload := b[datagramHeaderLen:]
	if len(payload)%bytesPerSample != 0 {
		return SampleFrame{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedDatagram, len(payload)%bytesPerSample)
	}

	f := SampleFrame{
		ChannelID: binary.BigEndian.Uint64(b[:datagramHeaderLen]),
		Samples:   make([]complex64, len(payload)/bytesPerSample),
	}
	for i := range f.Samples {
		off := i * bytesPerSample
		re := math.Float32frombits(binary.BigEndian.Uint32(payload[off : off+4]))
		im := math.Float32frombits(binary.BigEndian.Uint32(payload[off+4 : off+8]))
		f.Samples[i] = complex(re, im)
	}
	return f, nil
}

// EncodeDatagram is the inverse of DecodeDatagram.
func EncodeDatagram(f SampleFrame) []byte {
	b := make([]byte, DatagramSize(len(f.Samples)))
	binary.BigEndian.PutUint64(b[:datagramHeaderLen], f.ChannelID)
	for i, s := range f.Samples {
		off := datagramHeaderLen + i*bytesPerSample
		binary.BigEndian.PutUint32(b[off:off+4], math.Float32bits(real(s)))
		binary.BigEndian.PutUint32(b[off+4:off+8], math.Float32bits(imag(s)))
	}
	return b
}
