package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/bashSunny101/VulnServer/internal/catalog"
	"github.com/bashSunny101/VulnServer/internal/mitre"
	"github.com/bashSunny101/VulnServer/internal/model"
	"github.com/bashSunny101/VulnServer/internal/scoring"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	catalogFile string
	policyFile  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "threatctl",
		Short: "Score, map and chain honeypot events offline",
		Long: `threatctl runs the analyzer's scoring engine and technique mapper over
events stored as JSON files. A file may hold one event or an array of events;
use "-" to read from standard input.`,

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.catalogFile, "catalog", "", "technique catalog YAML file (defaults to the built-in catalog)")
	flags.StringVar(&opts.policyFile, "policy", "", "scoring policy YAML file (defaults to the built-in policy)")

	cmd.AddCommand(
		newScoreCmd(opts),
		newMapCmd(opts),
		newChainCmd(opts),
		newCatalogCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

func newScoreCmd(opts *options) *cobra.Command {
	var withTechniques bool

	cmd := &cobra.Command{
		Use:   "score <file>",
		Short: "Compute threat scores for events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := readEvents(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			scorer, err := opts.scorer()
			if err != nil {
				return err
			}

			var mapper *mitre.Mapper
			if withTechniques {
				if mapper, err = opts.mapper(); err != nil {
					return err
				}
			}

			results := make([]scoring.Result, 0, len(events))
			for i := range events {
				if mapper != nil {
					mapper.Tag(&events[i])
				}
				results = append(results, scorer.CalculateScore(&events[i]))
			}
			return writeJSON(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().BoolVar(&withTechniques, "map", false, "tag events with matched techniques before scoring")
	return cmd
}

func newMapCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "map <file>",
		Short: "Map events onto ATT&CK techniques",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := readEvents(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			mapper, err := opts.mapper()
			if err != nil {
				return err
			}

			mappings := make([]mitre.Mapping, 0, len(events))
			for i := range events {
				mappings = append(mappings, mapper.MapEvent(&events[i]))
			}
			return writeJSON(cmd.OutOrStdout(), mappings)
		},
	}
}

func newChainCmd(opts *options) *cobra.Command {
	var narrative bool

	cmd := &cobra.Command{
		Use:   "chain <file>",
		Short: "Reconstruct the attack chain of an event sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := readEvents(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			mapper, err := opts.mapper()
			if err != nil {
				return err
			}

			chain := mapper.BuildAttackChain(events)
			if narrative {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), mitre.RenderNarrative(chain))
				return err
			}
			return writeJSON(cmd.OutOrStdout(), chain)
		},
	}

	cmd.Flags().BoolVar(&narrative, "narrative", false, "print the human-readable narrative instead of JSON")
	return cmd
}

func newCatalogCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the techniques of the active catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.catalog()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "catalog %s: %d techniques across %d tactics\n\n",
				c.Version(), len(c.Techniques()), c.DistinctTactics())

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TECHNIQUE\tNAME\tTACTIC")
			for _, entry := range c.Entries() {
				fmt.Fprintf(tw, "%s\t%s\t%s (%s)\n",
					entry.Technique.ID, entry.Technique.Name, entry.Tactic.Name, entry.Tactic.ID)
			}
			return tw.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "threatctl %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\n", commit)
		},
	}
}

func (o *options) catalog() (*catalog.Catalog, error) {
	if o.catalogFile == "" {
		return catalog.Default(), nil
	}
	return catalog.LoadFile(o.catalogFile)
}

func (o *options) mapper() (*mitre.Mapper, error) {
	c, err := o.catalog()
	if err != nil {
		return nil, err
	}
	return mitre.NewMapper(c), nil
}

func (o *options) scorer() (*scoring.Engine, error) {
	if o.policyFile == "" {
		return scoring.NewDefaultEngine(), nil
	}
	policy, err := scoring.LoadPolicy(o.policyFile)
	if err != nil {
		return nil, err
	}
	return scoring.NewEngine(policy)
}

// readEvents decodes a single event or an array of events from path, or
// from stdin when path is "-"
func readEvents(stdin io.Reader, path string) ([]model.Event, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no events in %s", path)
	}

	if data[0] == '[' {
		var events []model.Event
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("failed to parse events: %w", err)
		}
		return events, nil
	}

	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	return []model.Event{ev}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
