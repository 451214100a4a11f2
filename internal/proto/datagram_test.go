package proto

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatagramSize(t *testing.T) {
	assert.Equal(t, 8, DatagramSize(0))
	assert.Equal(t, 150*8+8, DatagramSize(150))
}

func TestDecodeDatagram(t *testing.T) {
	b := make([]byte, 8+16)
	binary.BigEndian.PutUint64(b[:8], 77)
	// 1.0, -2.0, 0.5, 0 as big-endian float32
	copy(b[8:], []byte{
		0x3f, 0x80, 0x00, 0x00,
		0xc0, 0x00, 0x00, 0x00,
		0x3f, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	})

	f, err := DecodeDatagram(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), f.ChannelID)
	assert.Equal(t, []complex64{complex(1, -2), complex(0.5, 0)}, f.Samples)
	assert.Equal(t, b, EncodeDatagram(f))
}

func TestDecodeDatagramHeaderOnly(t *testing.T) {
	f, err := DecodeDatagram(EncodeDatagram(SampleFrame{ChannelID: 5}))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), f.ChannelID)
	assert.Empty(t, f.Samples)
}

func TestDecodeDatagramMalformed(t *testing.T) {
	_, err := DecodeDatagram([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedDatagram)

	_, err = DecodeDatagram(make([]byte, 8+12))
	assert.ErrorIs(t, err, ErrMalformedDatagram)
}
