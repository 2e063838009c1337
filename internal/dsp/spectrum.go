package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyzer computes windowed power spectra. It keeps scratch buffers and is
// not safe for concurrent use; create one per goroutine.
type Analyzer struct {
	fft    *fourier.FFT
	size   int
	window []float64
	buf    []float64
	coeff  []complex128
}

// NewAnalyzer returns an analyzer applying a Hamming window of windowSize
// samples and zero padding to fftSize.
func NewAnalyzer(windowSize, fftSize int) *Analyzer {
	if fftSize < windowSize {
		fftSize = NextPow2(windowSize)
	}
	return &Analyzer{
		fft:    fourier.NewFFT(fftSize),
		size:   fftSize,
		window: Hamming(windowSize),
		buf:    make([]float64, fftSize),
		coeff:  make([]complex128, fftSize/2+1),
	}
}

// Bins is the number of power spectrum bins (fftSize/2 + 1).
func (a *Analyzer) Bins() int { return a.size/2 + 1 }

// FFTSize is the transform length.
func (a *Analyzer) FFTSize() int { return a.size }

// Power writes the power spectrum of frame into dst, allocating when dst is
// too small. Frames shorter than the window are zero padded.
func (a *Analyzer) Power(frame, dst []float64) []float64 {
	for i := range a.buf {
		a.buf[i] = 0
	}
	n := len(a.window)
	if len(frame) < n {
		n = len(frame)
	}
	for i := 0; i < n; i++ {
		a.buf[i] = frame[i] * a.window[i]
	}
	a.coeff = a.fft.Coefficients(a.coeff, a.buf)
	if cap(dst) < len(a.coeff) {
		dst = make([]float64, len(a.coeff))
	}
	dst = dst[:len(a.coeff)]
	for i, c := range a.coeff {
		m := cmplx.Abs(c)
		dst[i] = m * m
	}
	return dst
}

// BinHz returns the centre frequency of bin k.
func BinHz(k, fftSize, sampleRate int) float64 {
	return float64(k) * float64(sampleRate) / float64(fftSize)
}

// SpectralCentroid is the magnitude-weighted mean frequency of a power spectrum.
func SpectralCentroid(power []float64, fftSize, sampleRate int) float64 {
	var num, den float64
	for k, p := range power {
		m := math.Sqrt(p)
		num += BinHz(k, fftSize, sampleRate) * m
		den += m
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// SpectralRolloff is the frequency below which fraction of the magnitude lies.
func SpectralRolloff(power []float64, fftSize, sampleRate int, fraction float64) float64 {
	var total float64
	for _, p := range power {
		total += math.Sqrt(p)
	}
	if total == 0 {
		return 0
	}
	target := fraction * total
	var acc float64
	for k, p := range power {
		acc += math.Sqrt(p)
		if acc >= target {
			return BinHz(k, fftSize, sampleRate)
		}
	}
	return BinHz(len(power)-1, fftSize, sampleRate)
}

// SpectralFlatness is the ratio of geometric to arithmetic mean power, in [0,1].
func SpectralFlatness(power []float64) float64 {
	if len(power) == 0 {
		return 0
	}
	var logSum, sum float64
	for _, p := range power {
		logSum += math.Log(p + Floor)
		sum += p + Floor
	}
	n := float64(len(power))
	return math.Exp(logSum/n) / (sum / n)
}

// SpectralFlux is the L2 norm of the positive change between two
// sum-normalized magnitude spectra.
func SpectralFlux(prev, cur []float64) float64 {
	if len(prev) != len(cur) || len(cur) == 0 {
		return 0
	}
	var ps, cs float64
	for i := range cur {
		ps += math.Sqrt(prev[i])
		cs += math.Sqrt(cur[i])
	}
	if ps == 0 || cs == 0 {
		return 0
	}
	var flux float64
	for i := range cur {
		d := math.Sqrt(cur[i])/cs - math.Sqrt(prev[i])/ps
		if d > 0 {
			flux += d * d
		}
	}
	return math.Sqrt(flux)
}
