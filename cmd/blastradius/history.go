package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"blastradius/internal/report"
	"blastradius/internal/slogutil"
	"blastradius/internal/storage"
)

var (
	historyLimit int
	historyRun   string
)

var historyCmd = &cobra.Command{
	Use:   "history [target]",
	Short: "Show previous analyses",
	Long: `Show previous analyses of a target, newest first.

With --run, print the stored report of a single run instead.

Examples:
  blastradius history transactions
  blastradius history api/PaymentController.java --limit 5
  blastradius history --run 6f1c0e9a-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", storage.DefaultHistoryLimit, "Maximum number of runs to list")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Print the stored report of this run id")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyRun == "" && len(args) == 0 {
		return fmt.Errorf("a target or --run is required")
	}
	format, err := outputFormat()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Store.Enabled {
		return fmt.Errorf("the run store is disabled (store.enabled=false)")
	}

	db, err := storage.Open(cfg.Store.Path, slogutil.NewDiscardLogger())
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer db.Close()

	ctx, cancel := newContext()
	defer cancel()

	if historyRun != "" {
		r, err := db.LoadReport(ctx, historyRun)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("no run with id %s", historyRun)
		}
		return report.Render(cmd.OutOrStdout(), r, format)
	}

	runs, err := db.History(ctx, args[0], historyLimit)
	if err != nil {
		return err
	}
	return writeHistory(cmd.OutOrStdout(), args[0], runs, format)
}

func writeHistory(w io.Writer, target string, runs []storage.RunSummary, format report.Format) error {
	switch format {
	case report.FormatJSON:
		if runs == nil {
			runs = []storage.RunSummary{}
		}
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case report.FormatYAML:
		return yaml.NewEncoder(w).Encode(runs)
	}

	if len(runs) == 0 {
		_, err := fmt.Fprintf(w, "No analyses recorded for %s.\n", target)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GENERATED\tRUN\tKIND\tPROFILE\tSCORE\tBAND")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
			r.GeneratedAt.UTC().Format("2006-01-02 15:04:05"),
			r.RunID, r.Kind, r.Profile, r.FinalScore, r.Band)
	}
	return tw.Flush()
}
