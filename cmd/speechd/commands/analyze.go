package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/feedback"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
	"github.com/loqalabs/loqa-speech/internal/runtime"
)

var analyzeFlags struct {
	category   string
	thresholds map[string]string
	features   bool
	format     string
	sampleRate int
	channels   int
	session    string
	record     bool
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze FILE...",
	Short: "Analyze audio files and print JSON results",
	Long: `Analyze one or more audio files with the configured model.

Several files are analyzed as one batch. Raw PCM needs --sample-rate and
--channels; WAV headers carry their own.

Examples:
  speechd analyze answer.wav --category technical
  speechd analyze a.wav b.wav --threshold confidence=0.8 --threshold pace=0.4
  speechd analyze take.pcm --format pcm_s16le --sample-rate 16000 --channels 1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeFlags.category, "category", "general", "Question category (general|technical|behavioral|situational)")
	f.StringToStringVar(&analyzeFlags.thresholds, "threshold", nil, "Threshold override as dimension=value; repeatable")
	f.BoolVar(&analyzeFlags.features, "features", false, "Include the raw feature vectors in the output")
	f.StringVar(&analyzeFlags.format, "format", "", "Audio format; detected from content or extension when empty")
	f.IntVar(&analyzeFlags.sampleRate, "sample-rate", 0, "Sample rate of raw PCM input")
	f.IntVar(&analyzeFlags.channels, "channels", 0, "Channel count of raw PCM input")
	f.StringVar(&analyzeFlags.session, "session", "", "Session id attached to the results")
	f.BoolVar(&analyzeFlags.record, "record", false, "Store the results in the event store")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg)
	ctx := cmd.Context()

	category, err := feedback.ParseCategory(analyzeFlags.category)
	if err != nil {
		return err
	}
	overrides, err := parseThresholds(analyzeFlags.thresholds)
	if err != nil {
		return err
	}

	reqs := make([]pipeline.Request, len(args))
	for i, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		format := audio.ParseFormat(analyzeFlags.format)
		if format == audio.FormatAuto {
			if sniffed := audio.Sniff(data); sniffed != audio.FormatAuto {
				format = sniffed
			} else {
				format = audio.ParseFormat(strings.ToLower(filepath.Ext(path)))
			}
		}
		reqs[i] = pipeline.Request{
			SessionID:       analyzeFlags.session,
			Audio:           data,
			Format:          format,
			SampleRate:      analyzeFlags.sampleRate,
			Channels:        analyzeFlags.channels,
			Category:        category,
			Overrides:       overrides,
			IncludeFeatures: analyzeFlags.features,
		}
	}

	engine, err := runtime.NewEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer engine.Close(ctx)

	var results []*pipeline.Result
	if len(reqs) == 1 {
		res, err := engine.Analyzer.Analyze(ctx, reqs[0])
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		results = append(results, res)
		if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		items, err := engine.Analyzer.AnalyzeBatch(ctx, reqs)
		if err != nil {
			return err
		}
		out := make([]fileResult, len(items))
		for i, it := range items {
			out[i] = fileResult{File: args[it.Index], Result: it.Result, Error: it.Error, Code: it.Code}
			if it.Result != nil {
				results = append(results, it.Result)
			}
		}
		if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	}

	if analyzeFlags.record {
		return record(cmd, cfg.EventStore, logger, results)
	}
	return nil
}

type fileResult struct {
	File   string           `json:"file"`
	Result *pipeline.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
	Code   string           `json:"code,omitempty"`
}

func parseThresholds(raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("threshold %s: %w", k, err)
		}
		out[k] = f
	}
	// Validate against the defaults early so a typo fails before the model loads.
	if _, err := feedback.DefaultThresholds().With(out); err != nil {
		return nil, err
	}
	return out, nil
}

func record(cmd *cobra.Command, cfg config.EventStoreConfig, logger *slog.Logger, results []*pipeline.Result) error {
	ctx := cmd.Context()
	store, err := eventstore.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	for _, res := range results {
		a, err := res.Record()
		if err != nil {
			return err
		}
		if err := store.RecordAnalysis(ctx, a); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "recorded %d analyses\n", len(results))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
