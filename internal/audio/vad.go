package audio

import (
	"math"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dsp"
)

// The adaptive part of the VAD threshold sits this far above the noise
// floor, but never closer than loudMarginDB to the loud frames.
const (
	floorMarginDB = 12.0
	loudMarginDB  = 20.0
	confidenceDB  = 6.0
)

type voiceActivity struct {
	frameDB   []float64
	frameSize int
	floorDB   float64
	threshold float64
	bursts    []Segment // raw runs of voiced frames
	segments  []Segment // merged and length filtered
}

// detectVoice labels fixed frames as voiced when their level clears an
// adaptive threshold, then merges short gaps and drops short segments.
func detectVoice(x []float64, rate int, cfg config.AudioConfig) voiceActivity {
	frameSize := rate * cfg.FrameMS / 1000
	va := voiceActivity{frameSize: frameSize, threshold: cfg.VADThresholdDB, floorDB: dsp.DBFS(0)}
	if frameSize <= 0 || len(x) < frameSize {
		return va
	}

	n := len(x) / frameSize
	va.frameDB = make([]float64, n)
	for i := 0; i < n; i++ {
		va.frameDB[i] = dsp.DBFS(dsp.RMS(x[i*frameSize : (i+1)*frameSize]))
	}
	va.floorDB = dsp.Quantile(va.frameDB, 0.10)
	loud := dsp.Quantile(va.frameDB, 0.95)
	va.threshold = math.Max(cfg.VADThresholdDB, math.Min(va.floorDB+floorMarginDB, loud-loudMarginDB))

	start := -1
	for i := 0; i <= n; i++ {
		voiced := i < n && va.frameDB[i] >= va.threshold
		switch {
		case voiced && start < 0:
			start = i
		case !voiced && start >= 0:
			va.bursts = append(va.bursts, va.segment(start, i))
			start = -1
		}
	}

	mergeGap := rate * cfg.MergeGapMS / 1000
	minLen := rate * cfg.MinSegmentMS / 1000
	var merged []Segment
	for _, b := range va.bursts {
		if len(merged) > 0 && b.StartSample-merged[len(merged)-1].EndSample < mergeGap {
			merged[len(merged)-1].EndSample = b.EndSample
			continue
		}
		merged = append(merged, b)
	}
	for _, s := range merged {
		if s.Len() < minLen {
			continue
		}
		va.segments = append(va.segments, va.segment(s.StartSample/frameSize, s.EndSample/frameSize))
	}
	return va
}

// segment builds a Segment over frames [from, to) with its confidence.
func (va voiceActivity) segment(from, to int) Segment {
	var conf float64
	for i := from; i < to; i++ {
		conf += dsp.Sigmoid((va.frameDB[i] - va.threshold) / confidenceDB)
	}
	if to > from {
		conf /= float64(to - from)
	}
	return Segment{StartSample: from * va.frameSize, EndSample: to * va.frameSize, Confidence: conf}
}

func speechStats(total int, rate int, va voiceActivity) Stats {
	st := Stats{
		DurationSeconds: float64(total) / float64(rate),
		Segments:        len(va.segments),
		NoiseFloorDB:    va.floorDB,
		ThresholdDB:     va.threshold,
	}
	var voiced int
	for _, s := range va.segments {
		voiced += s.Len()
	}
	st.VoicedSeconds = float64(voiced) / float64(rate)
	if st.DurationSeconds > 0 {
		st.SpeechRatio = st.VoicedSeconds / st.DurationSeconds
	}
	var pauseSum float64
	for i := 1; i < len(va.segments); i++ {
		gap := va.segments[i].StartSample - va.segments[i-1].EndSample
		pauseSum += float64(gap) / float64(rate)
		st.PauseCount++
	}
	if st.PauseCount > 0 {
		st.MeanPause = pauseSum / float64(st.PauseCount)
	}
	if st.DurationSeconds > 0 {
		st.PauseRate = float64(st.PauseCount) / st.DurationSeconds
	}
	return st
}
