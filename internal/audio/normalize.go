package audio

import (
	"math"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dsp"
)

// normalize scales x so voiced speech sits at the target RMS level without
// the peak exceeding the ceiling. It returns a new slice and the applied gain.
func normalize(x []float64, segments []Segment, cfg config.AudioConfig) ([]float64, float64) {
	out := append([]float64(nil), x...)

	var sum float64
	var n int
	for _, s := range segments {
		for _, v := range x[s.StartSample:s.EndSample] {
			sum += v * v
		}
		n += s.Len()
	}
	if n == 0 {
		for _, v := range x {
			sum += v * v
		}
		n = len(x)
	}
	if n == 0 {
		return out, 0
	}
	rms := math.Sqrt(sum / float64(n))
	if rms < 1e-6 {
		return out, 0
	}

	gainDB := cfg.TargetRMSDB - dsp.DBFS(rms)
	if cfg.MaxGainDB > 0 && gainDB > cfg.MaxGainDB {
		gainDB = cfg.MaxGainDB
	}
	gain := dsp.FromDB(gainDB)
	if peak := dsp.Peak(x); peak*gain > cfg.PeakCeiling {
		gain = cfg.PeakCeiling / peak
		gainDB = dsp.DBFS(gain)
	}
	for i := range out {
		out[i] *= gain
	}
	return out, gainDB
}
