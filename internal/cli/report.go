package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mrz1836/buildfarm/internal/aggregate"
	"github.com/mrz1836/buildfarm/internal/constants"
	"github.com/mrz1836/buildfarm/internal/pipeline"
	"github.com/mrz1836/buildfarm/internal/run"
	"github.com/mrz1836/buildfarm/internal/tui"
)

// jobTable renders results as a table ordered as given.
func jobTable(results []run.Result) *tui.Table {
	t := tui.NewTable(
		tui.Column{Name: "JOB", MaxWidth: 48},
		tui.Column{Name: "GROUP"},
		tui.Column{Name: "STATUS", Style: func(v string) lipgloss.Style {
			return lipgloss.NewStyle().Foreground(tui.JobStatusColor(constants.JobStatus(v)))
		}},
		tui.Column{Name: "DURATION", Align: tui.AlignRight},
		tui.Column{Name: "LINK", MaxWidth: 60},
	)
	for _, r := range results {
		t.AddRow(r.Job, r.Group, r.Status.String(), formatDuration(r.Duration()), r.Link)
	}
	return t
}

// reportMarkdown describes a finished run as a markdown document.
func reportMarkdown(r *pipeline.Report) string {
	var b strings.Builder
	snap := r.Run

	fmt.Fprintf(&b, "# %s\n\n", snap.Key)
	fmt.Fprintf(&b, "**Run** `%s` finished **%s**", snap.ID, titleStatus(string(snap.Status)))
	if !snap.FinishedAt.IsZero() {
		fmt.Fprintf(&b, " in %s", formatDuration(snap.FinishedAt.Sub(snap.StartedAt)))
	}
	b.WriteString(".\n\n")

	if r.Plan != nil && r.Plan.Changes != nil {
		fmt.Fprintf(&b, "Compared `%s`..`%s`: %d changed paths.\n\n",
			shortSHA(r.Plan.Changes.Base), shortSHA(r.Plan.Changes.Head), len(r.Plan.Changes.Paths))
	}

	if len(r.Outcomes) > 0 {
		b.WriteString("## Groups\n\n| Group | Fail fast | State | Failed jobs |\n| --- | --- | --- | --- |\n")
		for _, o := range r.Outcomes {
			failed := strings.Join(o.FailedJobs(), ", ")
			if failed == "" {
				failed = "-"
			}
			fmt.Fprintf(&b, "| %s | %t | %s | %s |\n", o.Name, o.FailFast, titleStatus(o.State.String()), failed)
		}
		b.WriteString("\n")
	}

	if len(r.Skipped) > 0 {
		b.WriteString("## Skipped groups\n\n")
		for _, s := range r.Skipped {
			fmt.Fprintf(&b, "- **%s**: %s\n", s.Name, s.Reason)
		}
		b.WriteString("\n")
	}

	if r.Summary != nil {
		writeSummary(&b, r.Summary)
	}
	return b.String()
}

func writeSummary(b *strings.Builder, s *aggregate.Summary) {
	b.WriteString("## Artifacts\n\n")
	fmt.Fprintf(b, "%d files collected into `%s`.\n\n", s.FileCount(), s.OutputDir)

	t := s.Tests
	fmt.Fprintf(b, "- Tests: %d run, %d failures, %d errors, %d skipped in %d suites\n",
		t.Tests, t.Failures, t.Errors, t.Skipped, t.Suites)
	if c := s.Coverage; c != nil {
		fmt.Fprintf(b, "- Coverage: %.1f%% lines (%d/%d), %.1f%% branches (%d/%d)\n",
			c.LineRate*100, c.LinesCovered, c.LinesValid,
			c.BranchRate*100, c.BranchesCovered, c.BranchesValid)
	}
	for _, p := range s.Published {
		fmt.Fprintf(b, "- Published: `%s`\n", p)
	}
	if len(s.Skipped) > 0 {
		b.WriteString("\n### Not collected\n\n")
		for _, sk := range s.Skipped {
			name := sk.Job
			if name == "" {
				name = "run"
			}
			fmt.Fprintf(b, "- %s: %s\n", name, sk.Reason)
		}
	}
	b.WriteString("\n")
}

// titleStatus turns "SUCCESS" or "any_failed" into "Success" or "Any Failed".
func titleStatus(s string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(strings.ToLower(s), "_", " "))
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}
