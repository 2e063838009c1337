package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-speech/internal/model"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Initialize or inspect model bundles",
}

var modelInitFlags struct {
	out  string
	seed uint64
}

var modelInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a seeded, untrained bundle with the configured architecture",
	Long: `Write a model bundle initialized from a seed.

The architecture comes from the model and features sections of the
configuration. The same seed and configuration always produce the same
bundle.

Examples:
  speechd model init --out model.msgpack
  speechd -c speechd.yaml model init --out model.msgpack --seed 7`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		seed := cfg.Model.Seed
		if cmd.Flags().Changed("seed") {
			seed = modelInitFlags.seed
		}
		b, err := model.Init(model.SpecFromConfig(cfg.Model, cfg.Features), seed)
		if err != nil {
			return err
		}
		if err := b.Save(modelInitFlags.out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (version %s, %d parameters)\n", modelInitFlags.out, b.Version, b.Count())
		return nil
	},
}

var modelInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the configured model's architecture and version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		b, err := model.FromConfig(cfg.Model, cfg.Features)
		if err != nil {
			return err
		}
		m, err := model.New(b, model.Options{Device: cfg.Model.Device, BatchSize: cfg.Model.BatchSize})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), m.Info())
	},
}

func init() {
	modelInitCmd.Flags().StringVar(&modelInitFlags.out, "out", "model.msgpack", "Output bundle path")
	modelInitCmd.Flags().Uint64Var(&modelInitFlags.seed, "seed", 0, "Initialization seed (default model.seed)")
	modelCmd.AddCommand(modelInitCmd)
	modelCmd.AddCommand(modelInfoCmd)
	rootCmd.AddCommand(modelCmd)
}
