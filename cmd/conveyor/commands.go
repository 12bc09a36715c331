package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conveyor/internal/changes"
	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/gate"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
	"github.com/fyrsmithlabs/conveyor/internal/project"
	"github.com/fyrsmithlabs/conveyor/internal/release"
)

var (
	detectBase  string
	detectHead  string
	detectPaths []string
	detectJSON  bool

	versionBase    string
	versionHead    string
	versionCurrent string
	versionNotes   bool
)

func init() {
	detectCmd.Flags().StringVar(&detectBase, "base", "", "base revision (empty for the initial commit)")
	detectCmd.Flags().StringVar(&detectHead, "head", "HEAD", "head revision")
	detectCmd.Flags().StringSliceVar(&detectPaths, "paths", nil, "touched paths; skips the change source")
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "print the result as JSON")

	nextVersionCmd.Flags().StringVar(&versionBase, "base", "", "base revision (defaults to the latest release tag)")
	nextVersionCmd.Flags().StringVar(&versionHead, "head", "HEAD", "head revision")
	nextVersionCmd.Flags().StringVar(&versionCurrent, "current", "", "current version (defaults to the latest release tag)")
	nextVersionCmd.Flags().BoolVar(&versionNotes, "changelog", false, "print the changelog after the version")
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Show the projects affected by a change",
	Long: `Compute the affected project set for a revision range, or for an explicit
list of paths, using the configured project graph and detection policy.

Examples:
  conveyor detect --base origin/main --head HEAD
  conveyor detect --paths packages/shared/util.go,apps/web/main.go --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		graph, err := buildGraph(cfg)
		if err != nil {
			return err
		}

		cs := pipeline.ChangeSet{Base: detectBase, Head: detectHead, Paths: detectPaths}
		if detectPaths == nil {
			src, err := buildSources(cmd.Context(), cfg, logging.Nop())
			if err != nil {
				return err
			}
			if src.changes == nil {
				return errors.New("no change source configured; pass --paths")
			}
			if cs, err = src.changes.ChangeSet(cmd.Context(), detectBase, detectHead); err != nil {
				return err
			}
		}

		res := changes.NewDetector(graph, changes.PolicyFromConfig(cfg.Pipeline)).Detect(cs)
		return printDetect(cmd.OutOrStdout(), cs, res)
	},
}

func printDetect(w io.Writer, cs pipeline.ChangeSet, res changes.Result) error {
	if detectJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"paths":    cs.Paths,
			"affected": res.Affected,
			"degraded": res.Degraded,
			"reason":   res.Reason,
		})
	}
	fmt.Fprintf(w, "%d path(s) changed, %d project(s) affected\n", len(cs.Paths), len(res.Affected))
	for _, a := range res.Affected {
		fmt.Fprintf(w, "  %-24s %s\n", a.Project, a.Reason)
	}
	if res.Degraded {
		fmt.Fprintf(w, "degraded: %s\n", res.Reason)
	}
	return nil
}

var nextVersionCmd = &cobra.Command{
	Use:   "next-version",
	Short: "Compute the next release version from conventional commits",
	Long: `Classify the commits between the last release and head and print the
semantic version that the release stage would publish. Requires the git
change source.

Examples:
  conveyor next-version
  conveyor next-version --current 1.4.2 --base v1.4.2 --head main --changelog`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		src, err := buildSources(cmd.Context(), cfg, logging.Nop())
		if err != nil {
			return err
		}
		rv, err := nextVersion(cmd.Context(), src)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s -> %s (%s)\n", rv.Previous, rv.Version, rv.Bump)
		if versionNotes {
			fmt.Fprintln(out)
			fmt.Fprint(out, release.Changelog(rv))
		}
		return nil
	},
}

func nextVersion(ctx context.Context, src *sources) (*pipeline.ReleaseVersion, error) {
	if src.git == nil {
		return nil, errors.New("next-version requires pipeline.change_source: git")
	}
	current := versionCurrent
	base := versionBase
	if current == "" || base == "" {
		latest, tag, err := release.LatestRelease(src.git.Repository())
		if err != nil {
			return nil, err
		}
		if current == "" {
			current = latest
		}
		if base == "" {
			base = tag
		}
	}

	cs, err := src.changes.ChangeSet(ctx, base, versionHead)
	if err != nil {
		return nil, err
	}
	return release.NewVersioner().Next(current, cs.Commits)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and project graph",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		graph, err := buildGraph(cfg)
		if err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), cfg, graph)
		return nil
	},
}

func printSummary(w io.Writer, cfg *config.Config, graph *project.Graph) {
	fmt.Fprintf(w, "configuration ok: %d project(s), release branch %q\n", graph.Len(), cfg.Pipeline.ReleaseBranch)
	for _, id := range graph.IDs() {
		p, _ := graph.Project(id)
		deps := append([]string(nil), p.DependsOn...)
		sort.Strings(deps)
		line := fmt.Sprintf("  %-24s %s", id, p.Root)
		if len(deps) > 0 {
			line += "  depends on " + strings.Join(deps, ", ")
		}
		fmt.Fprintln(w, line)
	}

	gates := gate.NewController(cfg.Gates, nil, nil)
	for _, st := range pipeline.AllStages() {
		fmt.Fprintf(w, "  gate %-11s %s\n", st, strings.Join(gates.Gates(st), " + "))
	}
}
