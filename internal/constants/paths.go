package constants

// Log file names.
const (
	// CLILogFileName is the name of the global CLI log file.
	// This file is located in ~/.buildfarm/logs/buildfarm.log
	CLILogFileName = "buildfarm.log"
)

// Log rotation settings for the CLI log file.
const (
	LogMaxSizeMB  = 10
	LogMaxBackups = 5
	LogMaxAgeDays = 30
	LogCompress   = true
)

// Configuration file names.
const (
	// GlobalConfigName is the name of the global configuration file in ~/.buildfarm.
	GlobalConfigName = "config.yaml"

	// DefaultPipelineFile is the pipeline definition read when no --file flag is given.
	DefaultPipelineFile = "buildfarm.yaml"
)

// Environment variables.
const (
	// EnvPrefix is the prefix for configuration environment variables (BUILDFARM_*).
	EnvPrefix = "BUILDFARM"

	// EnvHome overrides the buildfarm home directory.
	EnvHome = "BUILDFARM_HOME"
)
