package features

import (
	"context"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dsp"
)

const prosodicDim = 16

// Syllable nuclei are energy peaks at least this far apart.
const (
	envelopeHopMS    = 10
	envelopeWindowMS = 20
	syllableGapMS    = 80
)

// Prosodic describes timing, intonation and energy. Speaking and
// articulation rates are syllables per second divided by ten; pause and
// filler rates are events per second, unscaled. Pitch values are in kHz.
type Prosodic struct{}

func (Prosodic) Name() string { return config.StreamProsodic }
func (Prosodic) Dim() int     { return prosodicDim }

func (Prosodic) Extract(_ context.Context, p *audio.Processed) ([]float64, error) {
	out := make([]float64, prosodicDim)
	st := p.Stats
	if st.DurationSeconds <= 0 || p.SampleRate <= 0 {
		return out, nil
	}

	syllables := float64(countSyllables(p))
	out[0] = syllables / st.DurationSeconds / 10
	if st.VoicedSeconds > 0 {
		out[1] = syllables / st.VoicedSeconds / 10
	}
	out[2] = 1 - st.SpeechRatio
	out[3] = st.MeanPause
	out[4] = st.PauseRate

	cfg := dsp.DefaultPitchConfig(p.SampleRate)
	track := dsp.PitchTrack(speechSamples(p), cfg)
	voiced := dsp.Voiced(track)
	ps := dsp.Summarize(voiced)
	out[5] = ps.Mean / 1000
	out[6] = ps.Std / 1000
	if ps.P50 > 0 {
		semis := make([]float64, len(voiced))
		for i, f := range voiced {
			semis[i] = dsp.Semitones(f, ps.P50)
		}
		s := dsp.Summarize(semis)
		out[7] = s.Std * s.Std / 100
	}
	out[8] = ps.P25 / 1000
	out[9] = ps.P75 / 1000

	var times, pitches []float64
	hop := float64(cfg.HopSize) / float64(p.SampleRate)
	for i, f := range track {
		if f > 0 {
			times = append(times, float64(i)*hop)
			pitches = append(pitches, f)
		}
	}
	out[10] = dsp.Slope(times, pitches) / 1000

	energy := make([]float64, len(p.FrameDB))
	for i, db := range p.FrameDB {
		energy[i] = dsp.FromDB(db + st.GainDB)
	}
	es := dsp.Summarize(energy)
	out[11] = es.Mean
	out[12] = es.Std
	out[13] = es.Std * es.Std
	out[14] = es.Max

	out[15] = float64(p.FillerCount) / st.DurationSeconds
	return out, nil
}

// countSyllables counts energy envelope peaks inside voiced segments.
func countSyllables(p *audio.Processed) int {
	rate := p.SampleRate
	hop := rate * envelopeHopMS / 1000
	window := rate * envelopeWindowMS / 1000
	if hop <= 0 || window <= 0 {
		return 0
	}
	frames := dsp.Frames(p.Samples, window, hop)
	env := make([]float64, len(frames))
	for i, f := range frames {
		env[i] = dsp.RMS(f)
	}
	// three point smoothing removes ripple from the pitch period
	smooth := make([]float64, len(env))
	for i := range env {
		sum, n := env[i], 1.0
		if i > 0 {
			sum += env[i-1]
			n++
		}
		if i < len(env)-1 {
			sum += env[i+1]
			n++
		}
		smooth[i] = sum / n
	}

	minHeight := dsp.FromDB(p.Stats.ThresholdDB + p.Stats.GainDB)
	count := 0
	for _, idx := range dsp.Peaks(smooth, syllableGapMS/envelopeHopMS, minHeight) {
		center := idx*hop + window/2
		for _, s := range p.Segments {
			if center >= s.StartSample && center < s.EndSample {
				count++
				break
			}
		}
	}
	return count
}
