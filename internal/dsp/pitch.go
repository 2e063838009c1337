package dsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// PitchConfig controls autocorrelation pitch tracking.
type PitchConfig struct {
	SampleRate int
	FrameSize  int // samples, 40 ms by default
	HopSize    int // samples, 10 ms by default
	MinHz      float64
	MaxHz      float64
	// VoicingThreshold is the minimum normalized autocorrelation at the
	// chosen lag for a frame to count as voiced.
	VoicingThreshold float64
	// SilenceDB skips frames quieter than this level.
	SilenceDB float64
}

// DefaultPitchConfig covers adult speaking voices (60-500 Hz).
func DefaultPitchConfig(sampleRate int) PitchConfig {
	return PitchConfig{
		SampleRate:       sampleRate,
		FrameSize:        sampleRate * 40 / 1000,
		HopSize:          sampleRate / 100,
		MinHz:            60,
		MaxHz:            500,
		VoicingThreshold: 0.3,
		SilenceDB:        -50,
	}
}

// PitchTracker estimates the fundamental frequency of single frames. It is
// not safe for concurrent use.
type PitchTracker struct {
	cfg    PitchConfig
	fft    *fourier.FFT
	buf    []float64
	coeff  []complex128
	acf    []float64
	minLag int
	maxLag int
}

// NewPitchTracker prepares FFT buffers sized for cfg.FrameSize.
func NewPitchTracker(cfg PitchConfig) *PitchTracker {
	n := NextPow2(2 * cfg.FrameSize)
	minLag := int(math.Floor(float64(cfg.SampleRate) / cfg.MaxHz))
	maxLag := int(math.Ceil(float64(cfg.SampleRate) / cfg.MinHz))
	if minLag < 2 {
		minLag = 2
	}
	if maxLag > cfg.FrameSize-2 {
		maxLag = cfg.FrameSize - 2
	}
	return &PitchTracker{
		cfg:    cfg,
		fft:    fourier.NewFFT(n),
		buf:    make([]float64, n),
		coeff:  make([]complex128, n/2+1),
		acf:    make([]float64, n),
		minLag: minLag,
		maxLag: maxLag,
	}
}

// Estimate returns the fundamental frequency of frame in Hz, or 0 when the
// frame is silent or unvoiced.
func (p *PitchTracker) Estimate(frame []float64) float64 {
	if len(frame) == 0 || DBFS(RMS(frame)) < p.cfg.SilenceDB {
		return 0
	}
	var mean float64
	for _, v := range frame {
		mean += v
	}
	mean /= float64(len(frame))
	for i := range p.buf {
		p.buf[i] = 0
	}
	for i, v := range frame {
		if i >= len(p.buf) {
			break
		}
		p.buf[i] = v - mean
	}

	// Wiener-Khinchin: the inverse transform of the power spectrum is the
	// (unnormalized) autocorrelation.
	p.coeff = p.fft.Coefficients(p.coeff, p.buf)
	for i, c := range p.coeff {
		re, im := real(c), imag(c)
		p.coeff[i] = complex(re*re+im*im, 0)
	}
	p.acf = p.fft.Sequence(p.acf, p.coeff)
	r0 := p.acf[0]
	if r0 <= 0 {
		return 0
	}

	best, bestVal := -1, p.cfg.VoicingThreshold
	for lag := p.minLag; lag <= p.maxLag; lag++ {
		v := p.acf[lag] / r0
		if v < bestVal {
			continue
		}
		if p.acf[lag] < p.acf[lag-1] || p.acf[lag] < p.acf[lag+1] {
			continue
		}
		best, bestVal = lag, v
	}
	if best < 0 {
		return 0
	}

	a, b, c := p.acf[best-1], p.acf[best], p.acf[best+1]
	lag := float64(best)
	if den := a - 2*b + c; den != 0 {
		lag += 0.5 * (a - c) / den
	}
	return float64(p.cfg.SampleRate) / lag
}

// PitchTrack returns one f0 estimate per hop; unvoiced frames are 0.
func PitchTrack(x []float64, cfg PitchConfig) []float64 {
	frames := Frames(x, cfg.FrameSize, cfg.HopSize)
	if len(frames) == 0 {
		return nil
	}
	tracker := NewPitchTracker(cfg)
	track := make([]float64, len(frames))
	for i, frame := range frames {
		track[i] = tracker.Estimate(frame)
	}
	return track
}

// Voiced returns the non-zero entries of a pitch track.
func Voiced(track []float64) []float64 {
	out := make([]float64, 0, len(track))
	for _, f := range track {
		if f > 0 {
			out = append(out, f)
		}
	}
	return out
}
