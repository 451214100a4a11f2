// Package dsp estimates the spectral content of channel baseband samples.
package dsp

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// DefaultSize is the FFT length used when none is given.
	DefaultSize = 256
	// FloorDBFS stands in for the power of an empty bin.
	FloorDBFS = -200.0
)

// Peak is the strongest spectral component of a block of samples.
type Peak struct {
	OffsetHz  float64 // relative to the channel center
	PowerDBFS float64
}

// Analyzer keeps a Hamming window and FFT plan of a fixed size so that
// repeated analyses do not rebuild them. It is safe for concurrent use.
type Analyzer struct {
	mu        sync.Mutex
	size      int
	window    []float64
	windowSum float64
	fft       *fourier.CmplxFFT
	buf       []complex128
}

// NewAnalyzer returns an analyzer of the given FFT size. Sizes below two fall
// back to DefaultSize.
func NewAnalyzer(size int) *Analyzer {
	if size < 2 {
		size = DefaultSize
	}
	window := Hamming(size)
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return &Analyzer{
		size:      size,
		window:    window,
		windowSum: sum,
		fft:       fourier.NewCmplxFFT(size),
		buf:       make([]complex128, size),
	}
}

func (a *Analyzer) Size() int { return a.size }

// PowerSpectrum returns the DC-centered power spectrum in dBFS, where a full
// scale tone centered on a bin reads 0. Input shorter than the analyzer size
// is zero-padded; longer input is truncated to its most recent samples.
func (a *Analyzer) PowerSpectrum(samples []complex64) []float64 {
	if len(samples) > a.size {
		samples = samples[len(samples)-a.size:]
	}

	a.mu.Lock()
	applyWindow(a.buf, samples, a.window)
	coeffs := a.fft.Coefficients(nil, a.buf)
	a.mu.Unlock()

	fftShift(coeffs)
	out := make([]float64, len(coeffs))
	for i, c := range coeffs {
		c /= complex(a.windowSum, 0)
		p := real(c)*real(c) + imag(c)*imag(c)
		if p <= 0 {
			out[i] = FloorDBFS
			continue
		}
		out[i] = math.Max(10*math.Log10(p), FloorDBFS)
	}
	return out
}

// Peak finds the strongest bin. It reports false for empty or silent input.
func (a *Analyzer) Peak(samples []complex64, sampleRate float64) (Peak, bool) {
	if len(samples) == 0 {
		return Peak{}, false
	}
	spectrum := a.PowerSpectrum(samples)
	best := 0
	for i, p := range spectrum {
		if p > spectrum[best] {
			best = i
		}
	}
	if spectrum[best] <= FloorDBFS {
		return Peak{}, false
	}
	binHz := sampleRate / float64(a.size)
	return Peak{
		OffsetHz:  float64(best-a.size/2) * binHz,
		PowerDBFS: spectrum[best],
	}, true
}
