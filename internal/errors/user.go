package errors

import "errors"

// ErrorInfo holds user-facing message and suggested action for an error.
type ErrorInfo struct {
	// Message is the user-friendly error description.
	Message string
	// Action is a suggested action to resolve the issue (empty if none).
	Action string
}

// errorEntry pairs a sentinel error with its user-facing info.
type errorEntry struct {
	err  error
	info ErrorInfo
}

// errorInfoEntries maps sentinel errors to their user-facing messages.
// Using a slice (not a map) because errors.Is() requires proper error chain traversal.
//
//nolint:gochecknoglobals // Pre-built mapping for efficiency
var errorInfoEntries = []errorEntry{
	{
		err: ErrEmptyDimension,
		info: ErrorInfo{
			Message: "A matrix dimension has no values, so the matrix would expand to nothing.",
			Action:  "Add at least one value to every dimension or remove the empty dimension.",
		},
	},
	{
		err: ErrDuplicateTag,
		info: ErrorInfo{
			Message: "Two matrix entries produce the same tag.",
			Action:  "Remove duplicate dimension values.",
		},
	},
	{
		err: ErrMissingParameter,
		info: ErrorInfo{
			Message: "A job is missing a parameter its backend template requires.",
			Action:  "Set the parameter in the pipeline definition or in the farm section of the config.",
		},
	},
	{
		err: ErrInvalidImageRef,
		info: ErrorInfo{
			Message: "The matrix produced an invalid container image reference.",
			Action:  "Check build.repository in the pipeline definition.",
		},
	},
	{
		err: ErrConfiguration,
		info: ErrorInfo{
			Message: "The pipeline definition or job specification is invalid.",
			Action:  "Fix the reported field and rerun.",
		},
	},
	{
		err: ErrRefResolution,
		info: ErrorInfo{
			Message: "A git ref could not be resolved to a commit.",
			Action:  "Fetch the missing ref or pass a commit that exists locally.",
		},
	},
	{
		err: ErrBackendCommunication,
		info: ErrorInfo{
			Message: "Could not reach the execution backend after retrying.",
			Action:  "Check backend connectivity and credentials, then rerun.",
		},
	},
	{
		err: ErrGroupFailed,
		info: ErrorInfo{
			Message: "At least one required job group failed.",
			Action:  "Inspect the aggregated test report and per-job artifacts.",
		},
	},
	{
		err: ErrPipelineFailed,
		info: ErrorInfo{
			Message: "The pipeline finished with failures.",
			Action:  "Inspect the aggregated test report and per-job artifacts.",
		},
	},
	{
		err: ErrRunSuperseded,
		info: ErrorInfo{
			Message: "This run was canceled because a newer run started for the same pipeline.",
		},
	},
	{
		err: ErrUnknownBackend,
		info: ErrorInfo{
			Message: "The configured backend kind is not supported.",
			Action:  "Set backend.kind to 'kubernetes' or 'local'.",
		},
	},
	{
		err: ErrLockTimeout,
		info: ErrorInfo{
			Message: "Another run is writing to the same artifact output directory.",
			Action:  "Wait for the other run to finish or choose a different artifacts.output_dir.",
		},
	},
	{
		err: ErrGitOperation,
		info: ErrorInfo{
			Message: "A git command failed.",
			Action:  "Run the command from inside a git repository with the refs fetched.",
		},
	},
}

//nolint:gochecknoglobals // Built once from errorInfoEntries
var errorInfoMap = buildErrorInfoMap()

func buildErrorInfoMap() map[error]ErrorInfo {
	m := make(map[error]ErrorInfo, len(errorInfoEntries))
	for _, entry := range errorInfoEntries {
		m[entry.err] = entry.info
	}
	return m
}

// getErrorInfo looks up the ErrorInfo for a given error.
// It first tries a direct map lookup for unwrapped sentinel errors,
// then falls back to errors.Is() traversal for wrapped errors.
func getErrorInfo(err error) ErrorInfo {
	if info, ok := errorInfoMap[err]; ok {
		return info
	}

	for _, entry := range errorInfoEntries {
		if errors.Is(err, entry.err) {
			return entry.info
		}
	}

	return ErrorInfo{Message: err.Error()}
}

// UserMessage returns a user-friendly message for common errors.
// For unrecognized errors, it returns the error's original message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return getErrorInfo(err).Message
}

// Actionable returns a user-friendly error message along with a suggested
// action the user can take to resolve or work around the issue.
func Actionable(err error) (message, action string) {
	if err == nil {
		return "", ""
	}
	info := getErrorInfo(err)
	return info.Message, info.Action
}
