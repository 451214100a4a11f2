package dsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHamming(t *testing.T) {
	win := Hamming(4)
	expected := []float64{0.08, 0.77, 0.77, 0.08}
	require.Len(t, win, len(expected))
	for i := range expected {
		assert.InDelta(t, expected[i], win[i], 1e-6, "index %d", i)
	}
	assert.Empty(t, Hamming(0))
	assert.Equal(t, []float64{1}, Hamming(1))
}

func TestApplyWindowZeroPads(t *testing.T) {
	dst := make([]complex128, 3)
	dst[2] = 9
	applyWindow(dst, []complex64{1 + 1i, 2}, []float64{0.5, 0.25, 1})
	assert.Equal(t, []complex128{0.5 + 0.5i, 0.5, 0}, dst)
}

func TestFFTShift(t *testing.T) {
	in := []complex128{0, 1, 2, 3}
	fftShift(in)
	assert.Equal(t, []complex128{2, 3, 0, 1}, in)

	odd := []complex128{0, 1, 2}
	fftShift(odd)
	assert.Equal(t, []complex128{1, 2, 0}, odd)
}
