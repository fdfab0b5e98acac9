package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"blastradius/internal/change"
	"blastradius/internal/engine"
	"blastradius/internal/report"
	"blastradius/internal/schema"
)

var (
	analyzeDatabase       string
	analyzeDroppedObjects string
	analyzeTarget         string
	analyzeRepository     string
	analyzeBefore         string
	analyzeAfter          string
	analyzePath           string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze the impact of a change",
	Long: `Analyze the impact of a schema, code or API change.

Examples:
  blastradius analyze sql "ALTER TABLE transactions ADD COLUMN currency text"
  blastradius analyze sql "DROP TABLE fraud_alerts" --dropped-objects event.json
  git diff main | blastradius analyze diff -
  blastradius analyze api --before old/Controller.java --after new/Controller.java`,
}

var analyzeSQLCmd = &cobra.Command{
	Use:   "sql <statement>",
	Short: "Analyze a DDL statement",
	Long: `Analyze a DDL statement against the configured database.

When the statement was captured by a PostgreSQL event trigger, pass the
trigger payload with --dropped-objects so DROP operations are resolved from
pg_event_trigger_dropped_objects() instead of the (possibly truncated) text.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyzeSQL,
}

var analyzeDiffCmd = &cobra.Command{
	Use:   "diff [file|-]",
	Short: "Analyze a unified diff",
	Long: `Analyze a unified diff read from a file or stdin.

Diffs that touch route declarations or request and response models are
analyzed as API changes; the changed files are read from the configured
source root to recover whole endpoint definitions.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyzeDiff,
}

var analyzeAPICmd = &cobra.Command{
	Use:   "api",
	Short: "Compare two versions of an endpoint definition file",
	Args:  cobra.NoArgs,
	RunE:  runAnalyzeAPI,
}

func init() {
	analyzeSQLCmd.Flags().StringVar(&analyzeDatabase, "database", "", "Database the statement runs against")
	analyzeSQLCmd.Flags().StringVar(&analyzeDroppedObjects, "dropped-objects", "", "Event trigger JSON file (or - for stdin)")

	analyzeDiffCmd.Flags().StringVar(&analyzeTarget, "target", "", "Target identifier (default: first changed file)")
	analyzeDiffCmd.Flags().StringVar(&analyzeRepository, "repository", "", "Repository the diff belongs to")

	analyzeAPICmd.Flags().StringVar(&analyzeBefore, "before", "", "File with the endpoint definitions before the change")
	analyzeAPICmd.Flags().StringVar(&analyzeAfter, "after", "", "File with the endpoint definitions after the change")
	analyzeAPICmd.Flags().StringVar(&analyzePath, "path", "", "Repository path of the definition file (default: --after)")
	analyzeAPICmd.Flags().StringVar(&analyzeRepository, "repository", "", "Repository that serves the endpoints")
	_ = analyzeAPICmd.MarkFlagRequired("before")
	_ = analyzeAPICmd.MarkFlagRequired("after")

	analyzeCmd.AddCommand(analyzeSQLCmd)
	analyzeCmd.AddCommand(analyzeDiffCmd)
	analyzeCmd.AddCommand(analyzeAPICmd)
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyzeSQL(cmd *cobra.Command, args []string) error {
	req := engine.Request{
		Kind:     change.KindSchema,
		Raw:      strings.Join(args, " "),
		Database: analyzeDatabase,
	}
	if analyzeDroppedObjects != "" {
		data, err := readInput([]string{analyzeDroppedObjects}, cmd.InOrStdin())
		if err != nil {
			return err
		}
		ev, err := schema.ParseTriggerEvent([]byte(data))
		if err != nil {
			return err
		}
		req.Trigger = ev
	}
	return runAnalysis(cmd, req)
}

func runAnalyzeDiff(cmd *cobra.Command, args []string) error {
	raw, err := readInput(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	return runAnalysis(cmd, engine.Request{
		Raw:        raw,
		TargetID:   analyzeTarget,
		Repository: analyzeRepository,
	})
}

func runAnalyzeAPI(cmd *cobra.Command, args []string) error {
	before, err := os.ReadFile(analyzeBefore)
	if err != nil {
		return fmt.Errorf("failed to read --before: %w", err)
	}
	after, err := os.ReadFile(analyzeAfter)
	if err != nil {
		return fmt.Errorf("failed to read --after: %w", err)
	}
	path := analyzePath
	if path == "" {
		path = analyzeAfter
	}
	return runAnalysis(cmd, engine.Request{
		Kind:       change.KindAPI,
		Before:     string(before),
		After:      string(after),
		FilePath:   path,
		Repository: analyzeRepository,
	})
}

func runAnalysis(cmd *cobra.Command, req engine.Request) error {
	start := time.Now()
	format, err := outputFormat()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := newContext()
	defer cancel()

	setup, err := engine.FromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer setup.Close()

	r, err := setup.Engine.Analyze(ctx, req)
	if err != nil {
		return err
	}
	if err := report.Render(cmd.OutOrStdout(), r, format); err != nil {
		return err
	}

	logger.Debug("Analyze command completed",
		"run_id", r.RunID,
		"duration", time.Since(start).Milliseconds(),
	)
	return nil
}
