package features

import (
	"context"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dsp"
)

const (
	melDim   = 7
	melTopDB = 80.0
)

// Mel summarizes the power mel spectrogram in dB relative to its maximum.
// Values are divided by the 80 dB range. The level statistics lie in
// [-1, 0]; the standard deviation in slot 1 lies in [0, 0.5].
type Mel struct{}

func (Mel) Name() string { return config.StreamMel }
func (Mel) Dim() int     { return melDim }

func (Mel) Extract(_ context.Context, p *audio.Processed) ([]float64, error) {
	out := make([]float64, melDim)
	spec := dsp.MelSpectrogram(speechSamples(p), dsp.DefaultMelConfig(p.SampleRate))
	if len(spec) == 0 {
		return out, nil
	}
	db := dsp.PowerToDB(spec, melTopDB)
	flat := make([]float64, 0, len(db)*len(db[0]))
	for _, row := range db {
		flat = append(flat, row...)
	}
	s := dsp.Summarize(flat)
	for i, v := range []float64{s.Mean, s.Std, s.P25, s.P50, s.P75, s.Max, s.Min} {
		out[i] = v / melTopDB
	}
	return out, nil
}
