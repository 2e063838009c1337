// Package feedback turns model scores into pass/fail results, graded
// messages and ordered suggestions for a question category.
package feedback

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-speech/internal/model"
)

// Overall weights; nervousness contributes inverted.
var overallWeights = [numDimensions]float64{
	Nervousness: 0.20,
	Confidence:  0.25,
	Fluency:     0.25,
	Pace:        0.15,
	Tone:        0.15,
}

type DimensionResult struct {
	Dimension  string   `json:"dimension"`
	Score      float64  `json:"score"`
	Threshold  float64  `json:"threshold"`
	Passed     bool     `json:"passed"`
	Level      Level    `json:"level"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion"`
	Tips       []string `json:"tips"`
}

// Suggestion is one ranked improvement item. Margin is how far the score
// sits on the passing side of its threshold; negative means failed.
type Suggestion struct {
	Dimension string  `json:"dimension"`
	Text      string  `json:"text"`
	Margin    float64 `json:"margin"`
}

type Overall struct {
	Score     float64 `json:"score"`
	Label     string  `json:"label"`
	Passed    bool    `json:"passed"`
	Threshold float64 `json:"threshold"`
}

type Feedback struct {
	Category         Category          `json:"category"`
	Overall          Overall           `json:"overall"`
	Summary          string            `json:"summary"`
	Dimensions       []DimensionResult `json:"dimensions"`
	Strengths        []string          `json:"strengths"`
	ImprovementAreas []string          `json:"improvement_areas"`
	Suggestions      []Suggestion      `json:"suggestions"`
	Insights         map[string]string `json:"insights,omitempty"`
	Recommendations  []string          `json:"recommendations,omitempty"`
}

// Result returns the entry for d.
func (f Feedback) Result(d Dimension) DimensionResult {
	for _, r := range f.Dimensions {
		if r.Dimension == d.String() {
			return r
		}
	}
	return DimensionResult{}
}

func score(p model.PredictionSet, d Dimension) float64 {
	switch d {
	case Nervousness:
		return p.Nervousness
	case Confidence:
		return p.Confidence
	case Fluency:
		return p.Fluency
	case Pace:
		return p.Pace
	default:
		return p.Tone
	}
}

func level(s, threshold float64) Level {
	switch {
	case s >= threshold*1.2:
		return LevelHigh
	case s >= threshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Generate derives feedback from p. It is deterministic and fails only for
// invalid thresholds or an unknown category.
func Generate(p model.PredictionSet, c Category, t Thresholds) (Feedback, error) {
	if c < 0 || c >= numCategories {
		return Feedback{}, fmt.Errorf("%d: %w", int(c), ErrUnknownCategory)
	}
	if err := t.Validate(); err != nil {
		return Feedback{}, err
	}

	fb := Feedback{Category: c, Strengths: []string{}, ImprovementAreas: []string{}}
	var total float64
	for _, d := range Dimensions() {
		s := score(p, d)
		thr := t.For(d)
		margin := s - thr
		passed := s >= thr
		contrib := s
		if d.LowerIsBetter() {
			margin = thr - s
			passed = s <= thr
			contrib = 1 - s
		}
		total += overallWeights[d] * contrib

		lvl := level(s, thr)
		tmpl := levelTemplates[d][lvl]
		outcome := fail
		if passed {
			outcome = pass
			fb.Strengths = append(fb.Strengths, d.String())
		} else {
			fb.ImprovementAreas = append(fb.ImprovementAreas, d.String())
		}
		text := suggestions[d][c][outcome]
		fb.Dimensions = append(fb.Dimensions, DimensionResult{
			Dimension:  d.String(),
			Score:      s,
			Threshold:  thr,
			Passed:     passed,
			Level:      lvl,
			Message:    tmpl.message,
			Suggestion: text,
			Tips:       append([]string(nil), tmpl.tips...),
		})
		fb.Suggestions = append(fb.Suggestions, Suggestion{Dimension: d.String(), Text: text, Margin: margin})
	}
	sort.SliceStable(fb.Suggestions, func(i, j int) bool {
		return fb.Suggestions[i].Margin < fb.Suggestions[j].Margin
	})

	fb.Overall = Overall{
		Score:     total,
		Label:     overallLabel(total),
		Passed:    total >= t.Overall,
		Threshold: t.Overall,
	}
	fb.Summary = summary(total, fb.Strengths, fb.ImprovementAreas)

	if in := insights[c]; len(in) > 0 {
		fb.Insights = make(map[string]string, len(in))
		for d, text := range in {
			fb.Insights[d.String()] = text
		}
	}
	for _, r := range recommendations[c] {
		if !fb.Result(r.dim).Passed {
			fb.Recommendations = append(fb.Recommendations, r.text)
		}
	}
	return fb, nil
}

func overallLabel(s float64) string {
	switch {
	case s >= 0.8:
		return "excellent"
	case s >= 0.6:
		return "good"
	case s >= 0.4:
		return "fair"
	default:
		return "needs_improvement"
	}
}

func summary(s float64, strengths, improve []string) string {
	var b strings.Builder
	switch {
	case s >= 0.8:
		b.WriteString("Excellent performance! Your speech demonstrated strong communication skills.")
	case s >= 0.6:
		b.WriteString("Good performance with room for improvement in specific areas.")
	case s >= 0.4:
		b.WriteString("Fair performance. Focus on the identified improvement areas.")
	default:
		b.WriteString("Your speech needs significant improvement. Focus on the suggestions provided.")
	}
	if len(strengths) > 0 {
		fmt.Fprintf(&b, " Your strengths include: %s.", strings.Join(strengths, ", "))
	}
	if len(improve) > 0 {
		fmt.Fprintf(&b, " Areas for improvement: %s.", strings.Join(improve, ", "))
	}
	return b.String()
}
