package audio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/stt"
)

// Processor decodes, resamples, segments and normalizes speech audio.
// It is safe for concurrent use.
type Processor struct {
	cfg        config.AudioConfig
	recognizer stt.Recognizer
	logger     *slog.Logger
}

type Option func(*Processor)

// WithRecognizer enables transcript based filler counting.
func WithRecognizer(r stt.Recognizer) Option {
	return func(p *Processor) { p.recognizer = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewProcessor(cfg config.AudioConfig, opts ...Option) *Processor {
	p := &Processor{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "audio"))
	return p
}

// Process decodes in and runs the full preprocessing chain.
func (p *Processor) Process(ctx context.Context, in Input) (*Processed, error) {
	if p.cfg.MaxBytes > 0 && len(in.Data) > p.cfg.MaxBytes {
		return nil, fmt.Errorf("%d bytes exceeds %d: %w", len(in.Data), p.cfg.MaxBytes, ErrTooLarge)
	}
	clip, err := Decode(in)
	if err != nil {
		return nil, err
	}
	return p.ProcessClip(ctx, clip)
}

// ProcessClip runs preprocessing on already decoded samples. When too little
// speech is found it returns the partial result together with ErrEmptyAudio.
func (p *Processor) ProcessClip(ctx context.Context, clip Clip) (*Processed, error) {
	if limit := time.Duration(p.cfg.MaxDurationS) * time.Second; limit > 0 && clip.Duration() > limit {
		return nil, fmt.Errorf("%s exceeds %s: %w", clip.Duration().Round(time.Millisecond), limit, ErrTooLong)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rate := p.cfg.TargetSampleRate
	samples, err := Resample(Downmix(clip), clip.SampleRate, rate)
	if err != nil {
		return nil, err
	}

	va := detectVoice(samples, rate, p.cfg)
	out := &Processed{
		Samples:    samples,
		SampleRate: rate,
		Segments:   va.segments,
		FrameDB:    va.frameDB,
		FrameSize:  va.frameSize,
		Stats:      speechStats(len(samples), rate, va),
	}
	if out.Stats.VoicedSeconds*1000 < float64(p.cfg.MinVoicedMS) {
		p.logger.Debug("insufficient speech",
			slog.Float64("voiced_s", out.Stats.VoicedSeconds),
			slog.Float64("duration_s", out.Stats.DurationSeconds),
		)
		return out, fmt.Errorf("%.2fs voiced, need %dms: %w", out.Stats.VoicedSeconds, p.cfg.MinVoicedMS, ErrEmptyAudio)
	}

	out.Samples, out.Stats.GainDB = normalize(samples, va.segments, p.cfg)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p.recognizer != nil {
		res, err := p.recognizer.Transcribe(ctx, EncodePCM16(out.Samples), rate, 1, true)
		if err != nil {
			return nil, fmt.Errorf("transcribe for filler detection: %w", err)
		}
		out.Transcript = res.Text
		out.FillerCount = countLexiconFillers(res.Text, p.cfg.FillerLexicon)
		out.Stats.FillerSource = "asr"
	} else {
		out.FillerCount = countAcousticFillers(out.Samples, rate, va.bursts)
		out.Stats.FillerSource = "acoustic"
	}

	p.logger.Debug("audio processed",
		slog.Float64("duration_s", out.Stats.DurationSeconds),
		slog.Int("segments", out.Stats.Segments),
		slog.Float64("gain_db", out.Stats.GainDB),
		slog.Int("fillers", out.FillerCount),
	)
	return out, nil
}
