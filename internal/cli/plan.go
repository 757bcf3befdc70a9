package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mrz1836/buildfarm/internal/changes"
	"github.com/mrz1836/buildfarm/internal/config"
	"github.com/mrz1836/buildfarm/internal/dispatch"
	"github.com/mrz1836/buildfarm/internal/git"
	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/pipeline"
	"github.com/mrz1836/buildfarm/internal/tui"
)

// AddPlanCommand adds the plan command.
func AddPlanCommand(root *cobra.Command, global *GlobalFlags) {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the jobs a run would submit",
		Long: `Plan the pipeline without submitting anything.

Prints every job the run would dispatch, grouped as they would run, and the
groups that change detection or the merge policy would skip.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlan(cmd.Context(), cmd.OutOrStdout(), global, flags)
		},
	}
	addPipelineFlags(cmd, flags)
	root.AddCommand(cmd)
}

func runPlan(ctx context.Context, w io.Writer, global *GlobalFlags, flags *RunFlags) error {
	logger := GetLogger()
	ctx = logger.WithContext(ctx)

	cfg, err := config.LoadWithOverrides(ctx, flags.overrides())
	if err != nil {
		return err
	}
	def, err := pipeline.Load(flags.File)
	if err != nil {
		return err
	}

	detector := changes.NewDetector(git.NewCLIRepository(flags.Repo), logger)
	planner := pipeline.NewPlanner(detector, job.DefaultCatalog())
	plan, err := planner.Plan(ctx, def, flags.apply(optionsFromConfig(cfg)))
	if err != nil {
		return err
	}

	out := tui.NewOutput(w, global.Output)
	if global.Output == OutputJSON {
		return out.JSON(plan)
	}

	groups := plan.Groups
	if plan.ImageBuild != nil {
		groups = append([]dispatch.Group{*plan.ImageBuild}, groups...)
	}
	t := tui.NewTable(
		tui.Column{Name: "GROUP"},
		tui.Column{Name: "JOB", MaxWidth: 48},
		tui.Column{Name: "TEMPLATE"},
		tui.Column{Name: "IMAGE", MaxWidth: 60},
		tui.Column{Name: "FAIL FAST"},
	)
	for _, g := range groups {
		for _, j := range g.Jobs {
			image := j.Params.Image
			if image == "" {
				image = j.Params.TargetImage
			}
			t.AddRow(g.Name, j.Name, j.Template, image, fmt.Sprint(g.FailFast))
		}
	}
	out.Table(t)
	for _, s := range plan.Skipped {
		out.Warning(fmt.Sprintf("skipping %s: %s", s.Name, s.Reason))
	}
	out.Info(fmt.Sprintf("%d jobs in %d groups for %d matrix entries", t.Len(), len(groups), len(plan.Entries)))
	return nil
}
