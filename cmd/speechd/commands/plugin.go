package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-speech/internal/plugins/manifest"
	pluginrt "github.com/loqalabs/loqa-speech/internal/plugins/runtime"
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Work with WASM embedding plugins",
}

var pluginCompile bool

var pluginValidateCmd = &cobra.Command{
	Use:   "validate MANIFEST",
	Short: "Validate a plugin manifest and optionally compile its module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Load(args[0])
		if err != nil {
			return err
		}
		if err := manifest.Validate(m); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "manifest ok: %s produces %s[%d]\n", m.Metadata.Name, m.Stream.Name, m.Stream.Dim)
		if !pluginCompile {
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		rt, err := pluginrt.New(ctx, pluginrt.HostBindings{Logger: newLogger(cmd.ErrOrStderr(), cfg)})
		if err != nil {
			return err
		}
		defer rt.Close(ctx)
		p, err := rt.Load(ctx, m)
		if err != nil {
			return err
		}
		defer p.Close(ctx)
		fmt.Fprintf(out, "module ok: %s\n", m.ModulePath())
		return nil
	},
}

func init() {
	pluginValidateCmd.Flags().BoolVar(&pluginCompile, "compile", false, "Compile the module and check its exports")
	pluginCmd.AddCommand(pluginValidateCmd)
	rootCmd.AddCommand(pluginCmd)
}
