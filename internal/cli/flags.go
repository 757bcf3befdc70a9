package cli

import (
	stderrors "errors"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mrz1836/buildfarm/internal/constants"
	"github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/signal"
	"github.com/mrz1836/buildfarm/internal/tui"
)

// Exit codes for the CLI.
const (
	// ExitSuccess indicates successful execution.
	ExitSuccess = 0
	// ExitError indicates a general error, including a failed pipeline.
	ExitError = 1
	// ExitInvalidInput indicates invalid user input or configuration.
	ExitInvalidInput = 2
	// ExitInterrupted indicates the command was stopped by SIGINT or SIGTERM.
	ExitInterrupted = 130
)

// Output format constants.
const (
	// OutputText is the default human-readable output format.
	OutputText = tui.FormatText
	// OutputJSON is the machine-readable JSON output format.
	OutputJSON = tui.FormatJSON
)

// GlobalFlags holds flags available to all commands.
type GlobalFlags struct {
	// Output specifies the output format (text or json).
	Output string
	// Verbose enables debug-level logging.
	Verbose bool
	// Quiet suppresses non-essential output (warn level only).
	Quiet bool
}

// AddGlobalFlags adds persistent flags shared by every subcommand.
func AddGlobalFlags(cmd *cobra.Command, flags *GlobalFlags) {
	cmd.PersistentFlags().StringVarP(&flags.Output, "output", "o", OutputText, "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable verbose output")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress non-essential output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// BindGlobalFlags binds the global flags to Viper so BUILDFARM_OUTPUT,
// BUILDFARM_VERBOSE and BUILDFARM_QUIET work too.
func BindGlobalFlags(v *viper.Viper, cmd *cobra.Command) error {
	// Root().PersistentFlags() finds the flags even from a subcommand's hook.
	rootFlags := cmd.Root().PersistentFlags()
	for _, name := range []string{"output", "verbose", "quiet"} {
		if err := v.BindPFlag(name, rootFlags.Lookup(name)); err != nil {
			return err
		}
	}
	v.SetEnvPrefix(constants.EnvPrefix)
	v.AutomaticEnv()
	return nil
}

// ValidOutputFormats returns the list of valid output format values.
func ValidOutputFormats() []string {
	return []string{OutputText, OutputJSON}
}

// IsValidOutputFormat checks if the given format is a valid output format.
func IsValidOutputFormat(format string) bool {
	return slices.Contains(ValidOutputFormats(), format)
}

// ExitCodeForError maps an error to the process exit code.
func ExitCodeForError(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case stderrors.Is(err, signal.ErrInterrupted):
		return ExitInterrupted
	case errors.IsExitCode2Error(err), isInvalidInputError(err.Error()):
		return ExitInvalidInput
	}
	for _, target := range invalidInputErrors {
		if stderrors.Is(err, target) {
			return ExitInvalidInput
		}
	}
	return ExitError
}

// invalidInputErrors are fixed by editing flags, config or the pipeline
// definition rather than by retrying.
//
//nolint:gochecknoglobals // read-only lookup table
var invalidInputErrors = []error{
	errors.ErrInvalidOutputFormat,
	errors.ErrConfiguration,
	errors.ErrEmptyDimension,
	errors.ErrDuplicateTag,
	errors.ErrMissingParameter,
	errors.ErrInvalidImageRef,
	errors.ErrConfigInvalidBackend,
	errors.ErrConfigInvalidResources,
	errors.ErrConfigInvalidDispatch,
	errors.ErrConfigInvalidArtifacts,
	errors.ErrConfigInvalidHistory,
}

// isInvalidInputError catches Cobra's built-in flag validation errors.
func isInvalidInputError(errMsg string) bool {
	for _, pattern := range []string{
		"if any flags in the group",
		"unknown flag",
		"unknown shorthand flag",
		"invalid argument",
		"flag needs an argument",
		"required flag",
		"accepts ",
	} {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}
