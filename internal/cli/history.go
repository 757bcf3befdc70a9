package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mrz1836/buildfarm/internal/config"
	"github.com/mrz1836/buildfarm/internal/constants"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/history"
	"github.com/mrz1836/buildfarm/internal/tui"
)

// HistoryFlags holds flags for the history commands.
type HistoryFlags struct {
	Key   string
	Limit int
}

// AddHistoryCommand adds the history command and its subcommands.
func AddHistoryCommand(root *cobra.Command, global *GlobalFlags) {
	flags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs",
		Long: `List recorded runs, newest first, or show one run's job results.

Only the most recent runs per pipeline key are kept (farm.build_history).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistoryList(cmd.Context(), cmd.OutOrStdout(), global, flags)
		},
	}
	cmd.Flags().StringVar(&flags.Key, "key", "", "only runs for this pipeline key")
	cmd.Flags().IntVarP(&flags.Limit, "limit", "n", 20, "maximum runs to list (0 for all)")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryShow(cmd.Context(), cmd.OutOrStdout(), global, args[0])
		},
	}
	cmd.AddCommand(show)
	root.AddCommand(cmd)
}

func openHistory(ctx context.Context) (*history.Store, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.History.Enabled {
		return nil, bferrors.Wrap(bferrors.ErrConfigInvalidHistory, "history is disabled")
	}
	path, err := cfg.HistoryPath()
	if err != nil {
		return nil, err
	}
	return history.Open(ctx, path, cfg.Farm.BuildHistory)
}

func runHistoryList(ctx context.Context, w io.Writer, global *GlobalFlags, flags *HistoryFlags) error {
	ctx = GetLogger().WithContext(ctx)
	h, err := openHistory(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	recs, err := h.List(ctx, flags.Key, flags.Limit)
	if err != nil {
		return err
	}

	out := tui.NewOutput(w, global.Output)
	if global.Output == OutputJSON {
		if recs == nil {
			recs = []history.Record{}
		}
		return out.JSON(recs)
	}
	if len(recs) == 0 {
		out.Info("no runs recorded")
		return nil
	}

	t := tui.NewTable(
		tui.Column{Name: "RUN"},
		tui.Column{Name: "KEY"},
		tui.Column{Name: "STATUS", Style: func(v string) lipgloss.Style {
			return lipgloss.NewStyle().Foreground(tui.RunStatusColor(constants.RunStatus(v)))
		}},
		tui.Column{Name: "STARTED"},
		tui.Column{Name: "DURATION", Align: tui.AlignRight},
		tui.Column{Name: "JOBS", Align: tui.AlignRight},
	)
	for _, r := range recs {
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = formatDuration(r.FinishedAt.Sub(r.StartedAt))
		}
		t.AddRow(r.ID, r.Key, string(r.Status), r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration, fmt.Sprint(len(r.Results)))
	}
	out.Table(t)
	return nil
}

func runHistoryShow(ctx context.Context, w io.Writer, global *GlobalFlags, id string) error {
	ctx = GetLogger().WithContext(ctx)
	h, err := openHistory(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	rec, err := h.Get(ctx, id)
	if err != nil {
		return err
	}

	out := tui.NewOutput(w, global.Output)
	if global.Output == OutputJSON {
		return out.JSON(rec)
	}
	_, _ = fmt.Fprintf(w, "%s  %s  %s\n", rec.ID, rec.Key, tui.RunStatusLabel(rec.Status))
	out.Table(jobTable(rec.Results))
	if rec.Summary != "" {
		out.Info("summary: " + rec.Summary)
	}
	return nil
}
