package audio

import (
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-speech/internal/dsp"
)

// Hesitation sounds ("uh", "um", "er") are short, isolated and held on a
// steady pitch with a tonal spectrum.
const (
	fillerMinMS       = 150
	fillerMaxMS       = 700
	fillerIsolationMS = 150
	fillerVoicedRatio = 0.6
	fillerMaxPitchCV  = 0.08
	fillerMaxFlatness = 0.3
)

// countAcousticFillers scans raw voiced bursts for sustained hesitation vowels.
func countAcousticFillers(x []float64, rate int, bursts []Segment) int {
	minLen := rate * fillerMinMS / 1000
	maxLen := rate * fillerMaxMS / 1000
	isolation := rate * fillerIsolationMS / 1000
	pitchCfg := dsp.DefaultPitchConfig(rate)
	melCfg := dsp.DefaultMelConfig(rate)

	count := 0
	for i, b := range bursts {
		if b.Len() < minLen || b.Len() > maxLen {
			continue
		}
		if i > 0 && b.StartSample-bursts[i-1].EndSample < isolation {
			continue
		}
		if i < len(bursts)-1 && bursts[i+1].StartSample-b.EndSample < isolation {
			continue
		}
		if isSustainedVowel(x[b.StartSample:b.EndSample], pitchCfg, melCfg) {
			count++
		}
	}
	return count
}

func isSustainedVowel(x []float64, pitchCfg dsp.PitchConfig, melCfg dsp.MelConfig) bool {
	track := dsp.PitchTrack(x, pitchCfg)
	if len(track) == 0 {
		return false
	}
	voiced := dsp.Voiced(track)
	if float64(len(voiced)) < fillerVoicedRatio*float64(len(track)) {
		return false
	}
	s := dsp.Summarize(voiced)
	if s.Mean <= 0 || s.Std/s.Mean > fillerMaxPitchCV {
		return false
	}

	analyzer := dsp.NewAnalyzer(melCfg.WindowSize, melCfg.FFTSize)
	var flatness []float64
	var power []float64
	for _, frame := range dsp.Frames(x, melCfg.WindowSize, melCfg.HopSize) {
		power = analyzer.Power(frame, power)
		flatness = append(flatness, dsp.SpectralFlatness(power))
	}
	return dsp.Mean(flatness) < fillerMaxFlatness
}

// countLexiconFillers counts occurrences of lexicon entries in a transcript.
// Multi-word entries match consecutive words.
func countLexiconFillers(text string, lexicon []string) int {
	words := tokenize(text)
	count := 0
	for _, entry := range lexicon {
		phrase := tokenize(entry)
		if len(phrase) == 0 {
			continue
		}
		for i := 0; i+len(phrase) <= len(words); i++ {
			match := true
			for j, w := range phrase {
				if words[i+j] != w {
					match = false
					break
				}
			}
			if match {
				count++
			}
		}
	}
	return count
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}
