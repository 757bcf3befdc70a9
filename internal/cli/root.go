// Package cli provides the command-line interface for buildfarm.
package cli

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/tui"
)

// BuildInfo contains version information set at build time via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// globalLogger is set in PersistentPreRunE and read through GetLogger.
var (
	globalLogger   zerolog.Logger //nolint:gochecknoglobals // CLI logger requires global access
	globalLoggerMu sync.RWMutex   //nolint:gochecknoglobals // Protects globalLogger
)

// GetLogger returns the logger initialized by the root command. Before
// PersistentPreRunE has run it returns a zero-value logger that discards
// output. Safe for concurrent use.
func GetLogger() zerolog.Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	return globalLogger
}

func newRootCmd(flags *GlobalFlags, info BuildInfo) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "buildfarm",
		Short: "Matrix CI orchestration for container build farms",
		Long: `buildfarm turns a pipeline definition into jobs on a build farm.

It detects which paths changed between two commits, expands the build
matrix, rebuilds images only when their sources changed, runs test and
lint groups on Kubernetes or the local host, and merges every job's
test and coverage reports into one set of artifacts.`,
		Version: formatVersion(info),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := BindGlobalFlags(v, cmd); err != nil {
				return fmt.Errorf("failed to bind flags: %w", err)
			}
			flags.Output = v.GetString("output")
			flags.Verbose = v.GetBool("verbose")
			flags.Quiet = v.GetBool("quiet")

			if !IsValidOutputFormat(flags.Output) {
				return fmt.Errorf("%w: %q must be one of %v", errors.ErrInvalidOutputFormat, flags.Output, ValidOutputFormats())
			}

			globalLoggerMu.Lock()
			globalLogger = InitLogger(flags.Verbose, flags.Quiet)
			globalLoggerMu.Unlock()
			return nil
		},
		SilenceUsage: true,
	}

	AddGlobalFlags(cmd, flags)

	AddRunCommand(cmd, flags)
	AddPlanCommand(cmd, flags)
	AddMatrixCommand(cmd, flags)
	AddChangedCommand(cmd, flags)
	AddServeCommand(cmd, flags)
	AddHistoryCommand(cmd, flags)
	AddInitCommand(cmd, flags)
	AddConfigCommand(cmd, flags)

	return cmd
}

func formatVersion(info BuildInfo) string {
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date)
}

// Execute runs the root command with the provided context and build info.
func Execute(ctx context.Context, info BuildInfo) error {
	defer CloseLogFile()
	flags := &GlobalFlags{}
	//nolint:contextcheck // Cobra command pattern uses cmd.Context() internally
	cmd := newRootCmd(flags, info)
	err := cmd.ExecuteContext(ctx)
	printHint(cmd.ErrOrStderr(), flags, err)
	return err
}

// printHint follows a failed command with the suggested fix for known errors.
func printHint(w io.Writer, flags *GlobalFlags, err error) {
	if err == nil || flags.Quiet {
		return
	}
	message, action := errors.Actionable(err)
	if action == "" {
		return
	}
	out := tui.NewOutput(w, flags.Output)
	out.Info(message)
	out.Info("hint: " + action)
}
