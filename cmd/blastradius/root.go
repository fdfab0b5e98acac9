package main

import (
	"blastradius/internal/version"

	"github.com/spf13/cobra"
)

var (
	formatFlag  string
	configFlag  string
	verboseFlag int
)

var rootCmd = &cobra.Command{
	Use:   "blastradius",
	Short: "Change impact analysis for code, schema and API changes",
	Long: `blastradius estimates the blast radius of a proposed change before it ships.

It classifies a SQL statement, a unified diff or a pair of endpoint
definitions, walks the dependency graph around the change, finds external
consumers of changed endpoints and reports a 0-10 risk score with the
signals that produced it.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("blastradius version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", "human", "Output format (json, yaml, human)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: .blastradius/config.json)")
	rootCmd.PersistentFlags().CountVarP(&verboseFlag, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
}
