package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"blastradius/internal/report"
	"blastradius/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch format {
		case report.FormatJSON:
			data, err := json.MarshalIndent(version.Current(), "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, string(data))
			return err
		case report.FormatYAML:
			return yaml.NewEncoder(out).Encode(version.Current())
		default:
			_, err := fmt.Fprintln(out, version.Full())
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
