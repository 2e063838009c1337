package dsp

import "math"

// MelConfig controls mel filterbank extraction.
type MelConfig struct {
	SampleRate  int
	WindowSize  int // samples, 25 ms by default
	HopSize     int // samples, 10 ms by default
	FFTSize     int
	NumMels     int
	LowFreq     float64
	HighFreq    float64
	PreEmphasis float64
}

// DefaultMelConfig follows the Kaldi convention: 25 ms windows every 10 ms,
// 80 mel bins between 20 Hz and 7.6 kHz (or Nyquist, whichever is lower).
func DefaultMelConfig(sampleRate int) MelConfig {
	window := sampleRate * 25 / 1000
	high := 7600.0
	if nyquist := float64(sampleRate) / 2; high > nyquist {
		high = nyquist
	}
	return MelConfig{
		SampleRate:  sampleRate,
		WindowSize:  window,
		HopSize:     sampleRate / 100,
		FFTSize:     NextPow2(window),
		NumMels:     80,
		LowFreq:     20,
		HighFreq:    high,
		PreEmphasis: 0.97,
	}
}

func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// MelBank is a bank of triangular filters over power spectrum bins.
type MelBank struct {
	filters [][]float64
	first   []int
}

// NewMelBank builds numMels triangular filters spaced evenly on the HTK mel scale.
func NewMelBank(numMels, fftSize, sampleRate int, lowFreq, highFreq float64) *MelBank {
	half := fftSize/2 + 1
	lowMel := hzToMel(lowFreq)
	highMel := hzToMel(highFreq)

	bins := make([]int, numMels+2)
	step := (highMel - lowMel) / float64(numMels+1)
	for i := range bins {
		hz := melToHz(lowMel + float64(i)*step)
		bin := int(math.Round(hz * float64(fftSize) / float64(sampleRate)))
		if bin >= half {
			bin = half - 1
		}
		bins[i] = bin
	}
	// every filter spans at least one bin
	for i := 1; i < len(bins); i++ {
		if bins[i] <= bins[i-1] {
			bins[i] = bins[i-1] + 1
		}
	}

	bank := &MelBank{filters: make([][]float64, numMels), first: make([]int, numMels)}
	for m := 0; m < numMels; m++ {
		left, center, right := bins[m], bins[m+1], bins[m+2]
		if right >= half {
			right = half - 1
		}
		if center > right {
			center = right
		}
		var filter []float64
		for k := left; k <= right; k++ {
			var w float64
			switch {
			case k < center && center > left:
				w = float64(k-left) / float64(center-left)
			case k == center:
				w = 1
			case k > center && right > center:
				w = float64(right-k) / float64(right-center)
			}
			filter = append(filter, w)
		}
		bank.filters[m] = filter
		bank.first[m] = left
	}
	return bank
}

// Size is the number of filters.
func (b *MelBank) Size() int { return len(b.filters) }

// Apply projects a power spectrum onto the filters.
func (b *MelBank) Apply(power, dst []float64) []float64 {
	if cap(dst) < len(b.filters) {
		dst = make([]float64, len(b.filters))
	}
	dst = dst[:len(b.filters)]
	for m, filter := range b.filters {
		var sum float64
		for i, w := range filter {
			k := b.first[m] + i
			if k < len(power) {
				sum += w * power[k]
			}
		}
		dst[m] = sum
	}
	return dst
}

// MelSpectrogram returns the [T][NumMels] power mel spectrogram of x.
func MelSpectrogram(x []float64, cfg MelConfig) [][]float64 {
	if len(x) < cfg.WindowSize {
		return nil
	}
	analyzer := NewAnalyzer(cfg.WindowSize, cfg.FFTSize)
	bank := NewMelBank(cfg.NumMels, analyzer.FFTSize(), cfg.SampleRate, cfg.LowFreq, cfg.HighFreq)

	frames := Frames(x, cfg.WindowSize, cfg.HopSize)
	out := make([][]float64, len(frames))
	emph := make([]float64, cfg.WindowSize)
	var power []float64
	for t, frame := range frames {
		start := t * cfg.HopSize
		for i := range frame {
			s := frame[i]
			if i > 0 {
				s -= cfg.PreEmphasis * frame[i-1]
			} else if start > 0 {
				s -= cfg.PreEmphasis * x[start-1]
			}
			emph[i] = s
		}
		power = analyzer.Power(emph, power)
		out[t] = bank.Apply(power, nil)
	}
	return out
}

// LogMel returns log mel filterbank energies with a Floor to avoid -Inf.
func LogMel(x []float64, cfg MelConfig) [][]float64 {
	spec := MelSpectrogram(x, cfg)
	for _, row := range spec {
		for i, v := range row {
			row[i] = math.Log(math.Max(v, Floor))
		}
	}
	return spec
}

// CMVN normalizes each column of features to zero mean and unit variance in place.
func CMVN(features [][]float64) {
	if len(features) == 0 {
		return
	}
	dims := len(features[0])
	n := float64(len(features))
	for m := 0; m < dims; m++ {
		var sum float64
		for _, f := range features {
			sum += f[m]
		}
		mean := sum / n
		var varSum float64
		for _, f := range features {
			d := f[m] - mean
			varSum += d * d
		}
		std := math.Sqrt(varSum / n)
		if std < Floor {
			std = Floor
		}
		for _, f := range features {
			f[m] = (f[m] - mean) / std
		}
	}
}

// PowerToDB converts power values to decibels relative to the largest value,
// clipping everything more than topDB below it.
func PowerToDB(spec [][]float64, topDB float64) [][]float64 {
	ref := Floor
	for _, row := range spec {
		for _, v := range row {
			if v > ref {
				ref = v
			}
		}
	}
	refDB := 10 * math.Log10(ref)
	out := make([][]float64, len(spec))
	for t, row := range spec {
		out[t] = make([]float64, len(row))
		for i, v := range row {
			db := 10*math.Log10(math.Max(v, Floor)) - refDB
			if db < -topDB {
				db = -topDB
			}
			out[t][i] = db
		}
	}
	return out
}
