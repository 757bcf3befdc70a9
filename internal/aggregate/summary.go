package aggregate

import (
	"time"

	"github.com/mrz1836/buildfarm/internal/constants"
)

// Summary describes an aggregated run. It is written to summary.json.
type Summary struct {
	RunID          string          `json:"run_id"`
	OutputDir      string          `json:"output_dir"`
	CreatedAt      time.Time       `json:"created_at"`
	Jobs           []JobSummary    `json:"jobs"`
	Tests          TestTotals      `json:"tests"`
	Coverage       *CoverageTotals `json:"coverage,omitempty"`
	JUnitReport    string          `json:"junit_report"`
	CoverageReport string          `json:"coverage_report,omitempty"`
	Published      []string        `json:"published,omitempty"`
	Skipped        []SkippedSource `json:"skipped,omitempty"`
}

// JobSummary lists what was collected for one job.
type JobSummary struct {
	Name            string              `json:"name"`
	Group           string              `json:"group,omitempty"`
	Status          constants.JobStatus `json:"status"`
	Link            string              `json:"link,omitempty"`
	Files           []string            `json:"files,omitempty"`
	JUnitReports    int                 `json:"junit_reports"`
	CoverageReports int                 `json:"coverage_reports"`
}

// SkippedSource is a source that could not be collected.
type SkippedSource struct {
	Job     string `json:"job,omitempty"`
	Locator string `json:"locator,omitempty"`
	Reason  string `json:"reason"`
}

// TestTotals are the merged JUnit counters.
type TestTotals struct {
	Suites   int     `json:"suites"`
	Tests    int     `json:"tests"`
	Failures int     `json:"failures"`
	Errors   int     `json:"errors"`
	Skipped  int     `json:"skipped"`
	Time     float64 `json:"time_seconds"`
}

// CoverageTotals are the merged coverage counters.
type CoverageTotals struct {
	Reports         int     `json:"reports"`
	LinesCovered    int     `json:"lines_covered"`
	LinesValid      int     `json:"lines_valid"`
	LineRate        float64 `json:"line_rate"`
	BranchesCovered int     `json:"branches_covered"`
	BranchesValid   int     `json:"branches_valid"`
	BranchRate      float64 `json:"branch_rate"`
}

func (s *Summary) skip(jobName, locator, reason string) {
	s.Skipped = append(s.Skipped, SkippedSource{Job: jobName, Locator: locator, Reason: reason})
}

// FileCount returns the number of files collected across jobs.
func (s *Summary) FileCount() int {
	n := 0
	for _, j := range s.Jobs {
		n += len(j.Files)
	}
	return n
}

// Job returns the summary of the named job.
func (s *Summary) Job(name string) (JobSummary, bool) {
	for _, j := range s.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobSummary{}, false
}
