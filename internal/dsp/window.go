package dsp

import "math"

// Hamming returns a Hamming window of length n.
// If n is zero or negative, an empty slice is returned.
func Hamming(n int) []float64 {
	switch {
	case n <= 0:
		return []float64{}
	case n == 1:
		return []float64{1}
	}
	win := make([]float64, n)
	for i := range win {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// applyWindow multiplies samples into dst by the window, zero-padding past the
// end of samples. dst and window must have equal length.
func applyWindow(dst []complex128, samples []complex64, window []float64) {
	for i := range dst {
		if i >= len(samples) {
			dst[i] = 0
			continue
		}
		s := samples[i]
		dst[i] = complex(float64(real(s))*window[i], float64(imag(s))*window[i])
	}
}

// fftShift rotates in place so that DC lands in the middle bin.
func fftShift(data []complex128) {
	n := len(data)
	half := n / 2
	rotated := append(append(make([]complex128, 0, n), data[half:]...), data[:half]...)
	copy(data, rotated)
}
