package features

import (
	"context"
	"math"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dsp"
)

const acousticDim = 24

// Acoustic summarizes pitch, voice quality, loudness and spectral shape.
// Frequencies are in kHz and levels in dB/100 so every value is O(1).
type Acoustic struct{}

func (Acoustic) Name() string { return config.StreamAcoustic }
func (Acoustic) Dim() int     { return acousticDim }

func (Acoustic) Extract(ctx context.Context, p *audio.Processed) ([]float64, error) {
	x := speechSamples(p)
	out := make([]float64, acousticDim)
	if len(x) == 0 {
		return out, nil
	}
	rate := p.SampleRate

	pitchCfg := dsp.DefaultPitchConfig(rate)
	track := dsp.PitchTrack(x, pitchCfg)
	voiced := dsp.Voiced(track)
	ps := dsp.Summarize(voiced)
	out[0] = ps.Mean / 1000
	out[1] = ps.Std / 1000
	out[2] = ps.Min / 1000
	out[3] = ps.Max / 1000
	out[4] = (ps.Max - ps.Min) / 1000

	periods, amps := voicedCycles(x, track, pitchCfg)
	out[5], out[6] = jitter(periods)
	out[7], out[8] = shimmer(amps)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	melCfg := dsp.DefaultMelConfig(rate)
	frames := dsp.Frames(x, melCfg.WindowSize, melCfg.HopSize)
	analyzer := dsp.NewAnalyzer(melCfg.WindowSize, melCfg.FFTSize)
	fft := analyzer.FFTSize()
	var loud, centroid, rolloff, flatness, flux, zcr []float64
	var power, prev []float64
	for _, frame := range frames {
		loud = append(loud, dsp.DBFS(dsp.RMS(frame)))
		zcr = append(zcr, dsp.ZeroCrossingRate(frame))
		power = analyzer.Power(frame, power)
		centroid = append(centroid, dsp.SpectralCentroid(power, fft, rate)/1000)
		rolloff = append(rolloff, dsp.SpectralRolloff(power, fft, rate, 0.85)/1000)
		flatness = append(flatness, dsp.SpectralFlatness(power))
		if prev != nil {
			flux = append(flux, dsp.SpectralFlux(prev, power))
		}
		prev = append(prev[:0], power...)
	}

	ls := dsp.Summarize(loud)
	out[9] = ls.Mean / 100
	out[10] = ls.Std / 100
	out[11] = ls.Max / 100
	out[12] = ls.P10 / 100
	out[13] = ls.P90 / 100

	for i, series := range [][]float64{centroid, rolloff, flatness, flux, zcr} {
		s := dsp.Summarize(series)
		out[14+2*i] = s.Mean
		out[15+2*i] = s.Std
	}
	return out, nil
}

// voicedCycles returns pitch periods (seconds) and peak amplitudes of
// consecutive voiced analysis frames.
func voicedCycles(x []float64, track []float64, cfg dsp.PitchConfig) (periods, amps []float64) {
	for i, f0 := range track {
		if f0 <= 0 {
			continue
		}
		start := i * cfg.HopSize
		end := start + cfg.FrameSize
		if end > len(x) {
			end = len(x)
		}
		periods = append(periods, 1/f0)
		amps = append(amps, dsp.Peak(x[start:end]))
	}
	return periods, amps
}

// jitter returns local and RAP period perturbation.
func jitter(periods []float64) (local, rap float64) {
	mean := dsp.Mean(periods)
	if len(periods) < 2 || mean == 0 {
		return 0, 0
	}
	var sum float64
	for i := 1; i < len(periods); i++ {
		sum += math.Abs(periods[i] - periods[i-1])
	}
	local = sum / float64(len(periods)-1) / mean
	if len(periods) < 3 {
		return local, 0
	}
	sum = 0
	for i := 1; i < len(periods)-1; i++ {
		avg := (periods[i-1] + periods[i] + periods[i+1]) / 3
		sum += math.Abs(periods[i] - avg)
	}
	rap = sum / float64(len(periods)-2) / mean
	return local, rap
}

// shimmer returns local amplitude perturbation and its dB form.
func shimmer(amps []float64) (local, db float64) {
	mean := dsp.Mean(amps)
	if len(amps) < 2 || mean == 0 {
		return 0, 0
	}
	var sum, sumDB float64
	for i := 1; i < len(amps); i++ {
		sum += math.Abs(amps[i] - amps[i-1])
		if amps[i] > 0 && amps[i-1] > 0 {
			sumDB += math.Abs(20 * math.Log10(amps[i]/amps[i-1]))
		}
	}
	n := float64(len(amps) - 1)
	return sum / n / mean, sumDB / n
}

// speechSamples prefers voiced regions and falls back to the whole clip.
func speechSamples(p *audio.Processed) []float64 {
	if v := p.Voiced(); len(v) > 0 {
		return v
	}
	return p.Samples
}
