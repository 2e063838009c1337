package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-speech/internal/eventstore"
)

var historyFlags struct {
	limit  int
	events bool
	json   bool
}

var historyCmd = &cobra.Command{
	Use:   "history SESSION",
	Short: "List stored analyses of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := eventstore.Open(ctx, cfg.EventStore, newLogger(cmd.ErrOrStderr(), cfg))
		if err != nil {
			return err
		}
		defer store.Close()

		session := args[0]
		out := cmd.OutOrStdout()
		if historyFlags.events {
			events, err := store.ListSessionEvents(ctx, session, historyFlags.limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tACTOR\tPAYLOAD")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.ActorID, e.Payload)
			}
			return tw.Flush()
		}

		analyses, err := store.ListAnalyses(ctx, session, historyFlags.limit)
		if err != nil {
			return err
		}
		if historyFlags.json {
			docs := make([]json.RawMessage, len(analyses))
			for i, a := range analyses {
				docs[i] = a.Result
			}
			return writeJSON(out, docs)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTIME\tSTATUS\tCATEGORY\tSCORE\tPASSED\tMODEL")
		for _, a := range analyses {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.3f\t%t\t%s\n",
				a.ID, a.CreatedAt.Format(time.RFC3339), a.Status, a.Category, a.OverallScore, a.Passed, a.ModelVersion)
		}
		return tw.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyFlags.limit, "limit", 50, "Maximum number of entries")
	historyCmd.Flags().BoolVar(&historyFlags.events, "events", false, "List raw session events instead of analyses")
	historyCmd.Flags().BoolVar(&historyFlags.json, "json", false, "Print full result documents")
	rootCmd.AddCommand(historyCmd)
}
