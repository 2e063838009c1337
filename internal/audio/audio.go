// Package audio turns caller-supplied audio bytes into normalized 16 kHz mono
// samples with voice segments, speech statistics and a filler word count.
package audio

import (
	"errors"
	"time"
)

var (
	// ErrUnsupportedFormat is returned when the input cannot be decoded.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrEmptyAudio is returned when too little speech was detected. The
	// accompanying *Processed still carries segments and statistics.
	ErrEmptyAudio = errors.New("empty audio")
	// ErrTooLarge is returned when the encoded input exceeds the byte limit.
	ErrTooLarge = errors.New("audio payload too large")
	// ErrTooLong is returned when the decoded input exceeds the duration limit.
	ErrTooLong = errors.New("audio too long")
)

// Format names an input encoding.
type Format string

const (
	FormatAuto  Format = ""
	FormatWAV   Format = "wav"
	FormatPCM16 Format = "pcm_s16le"
	FormatMP3   Format = "mp3"
	FormatFLAC  Format = "flac"
	FormatM4A   Format = "m4a"
)

// ParseFormat maps a format name or file extension to a Format.
func ParseFormat(s string) Format {
	switch s {
	case "", "auto":
		return FormatAuto
	case "wav", ".wav", "wave", "audio/wav", "audio/x-wav", "audio/wave":
		return FormatWAV
	case "pcm", "pcm_s16le", "s16le", ".pcm", ".raw", "audio/l16":
		return FormatPCM16
	case "mp3", ".mp3", "audio/mpeg":
		return FormatMP3
	case "flac", ".flac", "audio/flac":
		return FormatFLAC
	case "m4a", ".m4a", "aac", "audio/mp4", "audio/aac":
		return FormatM4A
	default:
		return Format(s)
	}
}

// Clip is a decoded waveform. Samples are interleaved when Channels > 1.
type Clip struct {
	Samples    []float64
	SampleRate int
	Channels   int
}

// Duration is the length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(float64(frames) / float64(c.SampleRate) * float64(time.Second))
}

// Input is raw audio as received from a caller.
type Input struct {
	Data   []byte
	Format Format
	// SampleRate and Channels describe headerless PCM input.
	SampleRate int
	Channels   int
}

// Segment is a contiguous voiced region of a processed clip.
type Segment struct {
	StartSample int
	EndSample   int // exclusive
	Confidence  float64
}

// Len is the number of samples in the segment.
func (s Segment) Len() int { return s.EndSample - s.StartSample }

// Seconds converts the segment bounds to seconds at rate.
func (s Segment) Seconds(rate int) (start, end float64) {
	return float64(s.StartSample) / float64(rate), float64(s.EndSample) / float64(rate)
}

// Stats summarizes speech timing and levels.
type Stats struct {
	DurationSeconds float64 `json:"duration_s"`
	VoicedSeconds   float64 `json:"voiced_s"`
	SpeechRatio     float64 `json:"speech_ratio"`
	Segments        int     `json:"segments"`
	PauseCount      int     `json:"pause_count"`
	MeanPause       float64 `json:"mean_pause_s"`
	PauseRate       float64 `json:"pause_rate_per_s"`
	NoiseFloorDB    float64 `json:"noise_floor_db"`
	ThresholdDB     float64 `json:"vad_threshold_db"`
	GainDB          float64 `json:"gain_db"`
	FillerSource    string  `json:"filler_source"`
}

// Processed is the output of the processor: normalized mono audio at the
// target rate plus everything derived from it.
type Processed struct {
	Samples    []float64
	SampleRate int
	Segments   []Segment
	// FrameDB holds the per-frame level used by voice activity detection.
	FrameDB     []float64
	FrameSize   int
	FillerCount int
	Transcript  string
	Stats       Stats
}

// Voiced concatenates the samples covered by voiced segments.
func (p *Processed) Voiced() []float64 {
	var n int
	for _, s := range p.Segments {
		n += s.Len()
	}
	out := make([]float64, 0, n)
	for _, s := range p.Segments {
		out = append(out, p.Samples[s.StartSample:s.EndSample]...)
	}
	return out
}

// Duration is the length of the processed audio.
func (p *Processed) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(p.Samples)) / float64(p.SampleRate) * float64(time.Second))
}
