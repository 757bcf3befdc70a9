package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mrz1836/buildfarm/internal/config"
	"github.com/mrz1836/buildfarm/internal/constants"
	"github.com/mrz1836/buildfarm/internal/ctxutil"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/pipeline"
	"github.com/mrz1836/buildfarm/internal/signal"
	"github.com/mrz1836/buildfarm/internal/tui"
)

// RunFlags holds flags for the run and plan commands.
type RunFlags struct {
	File  string
	Repo  string
	Base  string
	Head  string
	Key   string
	Merge bool

	SkipTestsOnMerge bool

	Backend   string
	Namespace string
	WorkDir   string
	Workers   int
	OutputDir string
}

func addPipelineFlags(cmd *cobra.Command, flags *RunFlags) {
	cmd.Flags().StringVarP(&flags.File, "file", "f", constants.DefaultPipelineFile, "pipeline definition file")
	cmd.Flags().StringVar(&flags.Repo, "repo", ".", "git checkout used for change detection")
	cmd.Flags().StringVar(&flags.Base, "base", "", "base commit; empty runs every triggered stage")
	cmd.Flags().StringVar(&flags.Head, "head", "", "head commit (default HEAD)")
	cmd.Flags().StringVar(&flags.Key, "key", "", "pipeline key; runs with the same key supersede each other")
	cmd.Flags().BoolVar(&flags.Merge, "merge", false, "treat the run as a merge-commit run")
	cmd.Flags().BoolVar(&flags.SkipTestsOnMerge, "skip-tests-on-merge", false, "skip test groups on merge runs")
}

func (f *RunFlags) overrides() *config.Config {
	o := &config.Config{}
	o.Backend.Kind = f.Backend
	o.Backend.Namespace = f.Namespace
	o.Backend.WorkDir = f.WorkDir
	o.Dispatch.Workers = f.Workers
	o.Artifacts.OutputDir = f.OutputDir
	o.Policy.SkipTestsOnMerge = f.SkipTestsOnMerge
	return o
}

func (f *RunFlags) apply(opts pipeline.Options) pipeline.Options {
	opts.Base = f.Base
	opts.Head = f.Head
	opts.Key = f.Key
	opts.Merge = f.Merge
	return opts
}

// AddRunCommand adds the run command.
func AddRunCommand(root *cobra.Command, global *GlobalFlags) {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline",
		Long: `Run the pipeline in the definition file.

Changed paths between --base and --head decide which image builds and
triggered groups run. The image build runs first; when it fails the other
groups are skipped. Test and lint groups then run in parallel. Reports
from every job are merged under the artifacts output directory, even when
the run fails or is interrupted.

Examples:
  buildfarm run --base origin/main --head HEAD
  buildfarm run -f ci/pytorch.yaml --backend kubernetes --merge`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd.Context(), cmd.OutOrStdout(), global, flags)
		},
	}
	addPipelineFlags(cmd, flags)
	cmd.Flags().StringVar(&flags.Backend, "backend", "", "execution backend (kubernetes|local)")
	cmd.Flags().StringVar(&flags.Namespace, "namespace", "", "Kubernetes namespace")
	cmd.Flags().StringVar(&flags.WorkDir, "work-dir", "", "local backend working directory")
	cmd.Flags().IntVar(&flags.Workers, "workers", 0, "maximum jobs tracked at once")
	cmd.Flags().StringVar(&flags.OutputDir, "output-dir", "", "aggregated artifacts directory")
	root.AddCommand(cmd)
}

func runPipeline(ctx context.Context, w io.Writer, global *GlobalFlags, flags *RunFlags) error {
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

	sig := signal.NewHandler(ctx)
	defer sig.Stop()
	ctx = sig.Context()
	watchInterrupts(sig, logger)

	a, err := newApp(ctx, cfg, flags.Repo, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close resources")
		}
	}()

	report, runErr := a.orchestrator.Run(ctx, def, flags.apply(optionsFromConfig(cfg)))
	out := tui.NewOutput(w, global.Output)
	if err := printReport(out, report); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if report.Run.Status == constants.RunStatusCanceled && ctx.Err() != nil {
		return fmt.Errorf("%w: run %s canceled: %w", bferrors.ErrPipelineFailed, report.Run.ID, ctxutil.Cause(ctx))
	}
	if report.Run.Status != constants.RunStatusSuccess {
		return bferrors.Wrapf(bferrors.ErrPipelineFailed, "run %s finished %s", report.Run.ID, report.Run.Status)
	}
	return nil
}

func printReport(out tui.Output, report *pipeline.Report) error {
	if _, ok := out.(*tui.JSONOutput); ok {
		return out.JSON(report)
	}
	out.Table(jobTable(report.Run.Results))
	return out.Markdown(reportMarkdown(report))
}
