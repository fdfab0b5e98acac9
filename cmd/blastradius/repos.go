package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"blastradius/internal/consumers"
	"blastradius/internal/report"
)

var (
	repoRemote string
	repoTags   []string
)

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage the repositories searched for API consumers",
	Long: `Manage the registry of repositories searched for consumers of changed
endpoints.

Registry location: consumers.repositoriesFile (default .blastradius/repos.toml)`,
}

var reposAddCmd = &cobra.Command{
	Use:   "add <id> [path]",
	Short: "Register a repository",
	Long: `Register a repository for consumer search.

A local path is searched with the local searcher; --remote registers an
owner/name slug for GitHub code search.

Examples:
  blastradius repos add web ../web-app
  blastradius repos add partner-sdk --remote acme/partner-sdk --tag external`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runReposAdd,
}

var reposListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	Args:  cobra.NoArgs,
	RunE:  runReposList,
}

func init() {
	reposAddCmd.Flags().StringVar(&repoRemote, "remote", "", "owner/name slug for remote code search")
	reposAddCmd.Flags().StringSliceVar(&repoTags, "tag", nil, "Tag for the repository (repeatable)")

	reposCmd.AddCommand(reposAddCmd)
	reposCmd.AddCommand(reposListCmd)
	rootCmd.AddCommand(reposCmd)
}

func runReposAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := ""
	if len(args) == 2 {
		path = args[1]
	}

	registry, err := consumers.LoadRegistry(cfg.Consumers.RepositoriesFile)
	if err != nil {
		return err
	}
	repo, err := registry.Add(args[0], path, repoRemote, repoTags)
	if err != nil {
		return err
	}
	if err := registry.Save(cfg.Consumers.RepositoriesFile); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Added %s\n", repo.ID)
	if repo.Path != "" {
		fmt.Fprintf(out, "  Path: %s\n", repo.Path)
	}
	if repo.Remote != "" {
		fmt.Fprintf(out, "  Remote: %s\n", repo.Remote)
	}
	return nil
}

func runReposList(cmd *cobra.Command, args []string) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := consumers.LoadRegistry(cfg.Consumers.RepositoriesFile)
	if err != nil {
		return err
	}

	repos := append([]consumers.Repository(nil), registry.Repos...)
	sort.Slice(repos, func(i, j int) bool { return repos[i].ID < repos[j].ID })

	out := cmd.OutOrStdout()
	if format == report.FormatJSON {
		if repos == nil {
			repos = []consumers.Repository{}
		}
		data, err := json.MarshalIndent(repos, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	if len(repos) == 0 {
		fmt.Fprintln(out, "No repositories registered.")
		fmt.Fprintln(out, "Use 'blastradius repos add <id> <path>' to register one.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLOCATION\tTAGS")
	for _, r := range repos {
		location := r.Path
		if location == "" {
			location = "remote:" + r.Remote
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, location, strings.Join(r.Tags, ","))
	}
	return tw.Flush()
}
