package feedback

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-speech/internal/config"
)

// ErrInvalidThreshold is returned for thresholds outside [0,1].
var ErrInvalidThreshold = config.ErrInvalidThreshold

// Thresholds are the pass marks. Nervousness passes at or below its
// threshold; every other dimension passes at or above.
type Thresholds struct {
	Confidence  float64 `json:"confidence"`
	Nervousness float64 `json:"nervousness"`
	Fluency     float64 `json:"fluency"`
	Pace        float64 `json:"pace"`
	Tone        float64 `json:"tone"`
	Overall     float64 `json:"overall"`
}

func DefaultThresholds() Thresholds {
	return FromConfig(config.Default().Feedback)
}

func FromConfig(c config.FeedbackConfig) Thresholds {
	return Thresholds{
		Confidence:  c.ConfidenceThreshold,
		Nervousness: c.NervousnessThreshold,
		Fluency:     c.FluencyThreshold,
		Pace:        c.PaceThreshold,
		Tone:        c.ToneThreshold,
		Overall:     c.OverallThreshold,
	}
}

func (t Thresholds) config() config.FeedbackConfig {
	return config.FeedbackConfig{
		ConfidenceThreshold:  t.Confidence,
		NervousnessThreshold: t.Nervousness,
		FluencyThreshold:     t.Fluency,
		PaceThreshold:        t.Pace,
		ToneThreshold:        t.Tone,
		OverallThreshold:     t.Overall,
	}
}

// Validate reports the first threshold outside [0,1].
func (t Thresholds) Validate() error {
	return config.ValidateFeedback(t.config())
}

// For returns the threshold of d.
func (t Thresholds) For(d Dimension) float64 {
	switch d {
	case Nervousness:
		return t.Nervousness
	case Confidence:
		return t.Confidence
	case Fluency:
		return t.Fluency
	case Pace:
		return t.Pace
	default:
		return t.Tone
	}
}

// With applies per-request overrides keyed by dimension name or "overall"
// and validates the result.
func (t Thresholds) With(overrides map[string]float64) (Thresholds, error) {
	out := t
	for key, v := range overrides {
		name := strings.ToLower(strings.TrimSpace(key))
		if name == "overall" {
			out.Overall = v
			continue
		}
		d, ok := parseDimension(name)
		if !ok {
			return t, fmt.Errorf("threshold %q is not a dimension: %w", key, ErrInvalidThreshold)
		}
		switch d {
		case Nervousness:
			out.Nervousness = v
		case Confidence:
			out.Confidence = v
		case Fluency:
			out.Fluency = v
		case Pace:
			out.Pace = v
		case Tone:
			out.Tone = v
		}
	}
	if err := out.Validate(); err != nil {
		return t, err
	}
	return out, nil
}
