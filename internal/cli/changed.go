package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mrz1836/buildfarm/internal/changes"
	"github.com/mrz1836/buildfarm/internal/git"
	"github.com/mrz1836/buildfarm/internal/tui"
)

// ChangedFlags holds flags for the changed command.
type ChangedFlags struct {
	Repo string
	Base string
	Head string
}

// changedResult is the JSON form of the changed command's output.
type changedResult struct {
	Base     string              `json:"base"`
	Head     string              `json:"head"`
	Paths    []string            `json:"paths"`
	Prefixes map[string][]string `json:"prefixes,omitempty"`
}

// AddChangedCommand adds the changed command.
func AddChangedCommand(root *cobra.Command, global *GlobalFlags) {
	flags := &ChangedFlags{}
	cmd := &cobra.Command{
		Use:   "changed [prefix...]",
		Short: "Show paths changed between two commits",
		Long: `List the paths that differ between --base and --head.

With prefixes, report for each whether anything under it changed. A prefix
matches whole path segments: "docker/pytorch/" does not match
"docker/pytorch2/Dockerfile".

Examples:
  buildfarm changed --base origin/main
  buildfarm changed --base HEAD~1 docker/pytorch/ requirements.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChanged(cmd.Context(), cmd.OutOrStdout(), global, flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.Repo, "repo", ".", "git checkout")
	cmd.Flags().StringVar(&flags.Base, "base", "", "base commit")
	cmd.Flags().StringVar(&flags.Head, "head", "HEAD", "head commit")
	_ = cmd.MarkFlagRequired("base")
	root.AddCommand(cmd)
}

func runChanged(ctx context.Context, w io.Writer, global *GlobalFlags, flags *ChangedFlags, prefixes []string) error {
	logger := GetLogger()
	detector := changes.NewDetector(git.NewCLIRepository(flags.Repo), logger)
	cs, err := detector.Detect(logger.WithContext(ctx), flags.Base, flags.Head)
	if err != nil {
		return err
	}

	out := tui.NewOutput(w, global.Output)
	if global.Output == OutputJSON {
		res := changedResult{Base: cs.Base, Head: cs.Head, Paths: cs.Paths}
		if len(prefixes) > 0 {
			res.Prefixes = make(map[string][]string, len(prefixes))
			for _, p := range prefixes {
				res.Prefixes[p] = nonNilPaths(cs.Matching(p))
			}
		}
		return out.JSON(res)
	}

	if len(prefixes) == 0 {
		for _, p := range cs.Paths {
			_, _ = fmt.Fprintln(w, p)
		}
		out.Info(fmt.Sprintf("%d paths changed between %s and %s", len(cs.Paths), shortSHA(cs.Base), shortSHA(cs.Head)))
		return nil
	}

	t := tui.NewTable(tui.Column{Name: "PREFIX"}, tui.Column{Name: "CHANGED"}, tui.Column{Name: "PATHS", Align: tui.AlignRight})
	for _, p := range prefixes {
		matched := cs.Matching(p)
		t.AddRow(p, fmt.Sprint(len(matched) > 0), fmt.Sprint(len(matched)))
	}
	out.Table(t)
	return nil
}

func nonNilPaths(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}
