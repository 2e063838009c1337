package audio

import (
	"fmt"
	"math"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Downmix averages interleaved channels into a mono signal.
func Downmix(c Clip) []float64 {
	if c.Channels <= 1 {
		return c.Samples
	}
	frames := len(c.Samples) / c.Channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < c.Channels; ch++ {
			sum += c.Samples[i*c.Channels+ch]
		}
		mono[i] = sum / float64(c.Channels)
	}
	return mono
}

// Resample converts mono samples from inRate to outRate. The output is
// time aligned with the input: the filter offset for the rate pair is
// measured once with an impulse and removed.
func Resample(samples []float64, inRate, outRate int) ([]float64, error) {
	if inRate == outRate || len(samples) == 0 {
		return samples, nil
	}
	shift, err := alignment(inRate, outRate)
	if err != nil {
		return nil, err
	}
	out, err := convert(samples, inRate, outRate)
	if err != nil {
		return nil, err
	}
	switch {
	case shift > 0:
		out = out[min(shift, len(out)):]
	case shift < 0:
		out = append(make([]float64, -shift, len(out)-shift), out...)
	}

	want := int(math.Round(float64(len(samples)) * float64(outRate) / float64(inRate)))
	if len(out) > want {
		return out[:want], nil
	}
	return append(out, make([]float64, want-len(out))...), nil
}

func convert(samples []float64, inRate, outRate int) ([]float64, error) {
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	// Trailing silence pushes the filter tail out before the flush.
	padded := make([]float64, len(samples)+inRate/10)
	copy(padded, samples)
	out, err := r.Process(padded)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("flush resampler: %w", err)
	}
	return append(out, tail...), nil
}

// offsets caches the measured output shift per [in, out] rate pair.
var offsets sync.Map

// alignment reports how many output samples a converted signal lags its
// ideal position; negative means it leads.
func alignment(inRate, outRate int) (int, error) {
	key := [2]int{inRate, outRate}
	if v, ok := offsets.Load(key); ok {
		return v.(int), nil
	}
	impulse := make([]float64, inRate/2)
	at := len(impulse) / 2
	impulse[at] = 1
	out, err := convert(impulse, inRate, outRate)
	if err != nil {
		return 0, err
	}
	peak := 0
	for i, v := range out {
		if math.Abs(v) > math.Abs(out[peak]) {
			peak = i
		}
	}
	shift := peak - int(math.Round(float64(at)*float64(outRate)/float64(inRate)))
	offsets.Store(key, shift)
	return shift, nil
}
