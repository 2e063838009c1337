package feedback

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/loqalabs/loqa-speech/internal/model"
)

var sample = model.PredictionSet{
	Nervousness: 0.3,
	Confidence:  0.75,
	Fluency:     0.8,
	Pace:        0.4,
	Tone:        0.65,
}

func TestThresholdChangeOnlyFlipsItsDimension(t *testing.T) {
	base := DefaultThresholds()
	lenient, err := Generate(sample, General, base)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	strict, err := base.With(map[string]float64{"confidence": 0.9})
	if err != nil {
		t.Fatalf("with: %v", err)
	}
	harsh, err := Generate(sample, General, strict)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !lenient.Result(Confidence).Passed {
		t.Fatalf("confidence 0.75 should pass at 0.7")
	}
	if harsh.Result(Confidence).Passed {
		t.Fatalf("confidence 0.75 should fail at 0.9")
	}
	for _, d := range Dimensions() {
		if d == Confidence {
			continue
		}
		if lenient.Result(d).Passed != harsh.Result(d).Passed {
			t.Fatalf("%s changed outcome", d)
		}
	}
}

func TestNervousnessLowerIsBetter(t *testing.T) {
	p := sample
	p.Nervousness = 0.59
	fb, _ := Generate(p, General, DefaultThresholds())
	if !fb.Result(Nervousness).Passed {
		t.Fatalf("0.59 should pass a 0.6 nervousness threshold")
	}
	p.Nervousness = 0.61
	fb, _ = Generate(p, General, DefaultThresholds())
	if fb.Result(Nervousness).Passed {
		t.Fatalf("0.61 should fail a 0.6 nervousness threshold")
	}
}

func TestSuggestionsOrderedWorstFirst(t *testing.T) {
	fb, err := Generate(sample, Technical, DefaultThresholds())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(fb.Suggestions) != 5 {
		t.Fatalf("expected 5 suggestions, got %d", len(fb.Suggestions))
	}
	for i := 1; i < len(fb.Suggestions); i++ {
		if fb.Suggestions[i-1].Margin > fb.Suggestions[i].Margin {
			t.Fatalf("suggestions out of order: %+v", fb.Suggestions)
		}
	}
	// pace 0.4 against 0.5 is the only failure
	if fb.Suggestions[0].Dimension != "pace" {
		t.Fatalf("expected pace first, got %s", fb.Suggestions[0].Dimension)
	}
	if !reflect.DeepEqual(fb.ImprovementAreas, []string{"pace"}) {
		t.Fatalf("unexpected improvement areas %v", fb.ImprovementAreas)
	}
}

func TestCategoryChangesText(t *testing.T) {
	th := DefaultThresholds()
	general, _ := Generate(sample, General, th)
	behavioral, _ := Generate(sample, Behavioral, th)
	if general.Result(Pace).Suggestion == behavioral.Result(Pace).Suggestion {
		t.Fatalf("category should select different suggestion text")
	}
	if general.Insights != nil {
		t.Fatalf("general has no insights")
	}
	if len(behavioral.Insights) != 3 {
		t.Fatalf("expected behavioral insights, got %v", behavioral.Insights)
	}
	if !reflect.DeepEqual(behavioral.Recommendations, []string{"Practice telling your stories at a measured pace"}) {
		t.Fatalf("unexpected recommendations %v", behavioral.Recommendations)
	}
}

func TestDeterministic(t *testing.T) {
	a, _ := Generate(sample, Situational, DefaultThresholds())
	b, _ := Generate(sample, Situational, DefaultThresholds())
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("generate is not deterministic")
	}
}

func TestOverall(t *testing.T) {
	fb, _ := Generate(sample, General, DefaultThresholds())
	// 0.25*0.75 + 0.25*0.8 + 0.2*0.7 + 0.15*0.4 + 0.15*0.65
	want := 0.6850
	if d := fb.Overall.Score - want; d > 1e-9 || d < -1e-9 {
		t.Fatalf("overall = %v, want %v", fb.Overall.Score, want)
	}
	if fb.Overall.Label != "good" || !fb.Overall.Passed {
		t.Fatalf("unexpected overall %+v", fb.Overall)
	}
	if fb.Summary == "" {
		t.Fatalf("empty summary")
	}
}

func TestLevels(t *testing.T) {
	fb, _ := Generate(sample, General, DefaultThresholds())
	if got := fb.Result(Fluency).Level; got != LevelHigh {
		t.Fatalf("fluency 0.8 at 0.6 should be high, got %s", got)
	}
	if got := fb.Result(Confidence).Level; got != LevelMedium {
		t.Fatalf("confidence 0.75 at 0.7 should be medium, got %s", got)
	}
	if got := fb.Result(Pace).Level; got != LevelLow {
		t.Fatalf("pace 0.4 at 0.5 should be low, got %s", got)
	}
}

func TestInvalidInputs(t *testing.T) {
	th := DefaultThresholds()
	th.Tone = 1.5
	if _, err := Generate(sample, General, th); !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("expected ErrInvalidThreshold, got %v", err)
	}
	if _, err := DefaultThresholds().With(map[string]float64{"volume": 0.5}); !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("expected ErrInvalidThreshold for unknown key, got %v", err)
	}
	if _, err := Generate(sample, Category(9), DefaultThresholds()); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
	if _, err := ParseCategory("trivia"); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestCategoryText(t *testing.T) {
	c, err := ParseCategory(" Technical ")
	if err != nil || c != Technical {
		t.Fatalf("parse: %v %v", c, err)
	}
	if c, _ := ParseCategory(""); c != General {
		t.Fatalf("empty category should be general")
	}
	b, err := json.Marshal(struct {
		C Category `json:"c"`
	}{Behavioral})
	if err != nil || string(b) != `{"c":"behavioral"}` {
		t.Fatalf("marshal: %s %v", b, err)
	}
}

func TestSuggestionTableComplete(t *testing.T) {
	for _, d := range Dimensions() {
		for c := General; c < numCategories; c++ {
			for o := fail; o <= pass; o++ {
				if suggestions[d][c][o] == "" {
					t.Fatalf("missing suggestion for %s/%s/%d", d, c, o)
				}
			}
		}
		for _, l := range []Level{LevelLow, LevelMedium, LevelHigh} {
			if levelTemplates[d][l].message == "" {
				t.Fatalf("missing %s message for %s", l, d)
			}
		}
	}
}
