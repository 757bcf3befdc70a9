package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mrz1836/buildfarm/internal/constants"
	"github.com/mrz1836/buildfarm/internal/errors"
)

// GlobalConfigDir returns the buildfarm home directory, ~/.buildfarm unless
// BUILDFARM_HOME overrides it.
func GlobalConfigDir() (string, error) {
	if dir := os.Getenv(constants.EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, constants.Home), nil
}

// ProjectConfigDir returns the project configuration directory relative to
// the project root.
func ProjectConfigDir() string {
	return constants.Home
}

// GlobalConfigPath returns the path of the global configuration file.
func GlobalConfigPath() (string, error) {
	dir, err := GlobalConfigDir()
	if err != nil {
		return "", fmt.Errorf("get global config path: %w", err)
	}
	return filepath.Join(dir, constants.GlobalConfigName), nil
}

// ProjectConfigPath returns the project configuration file path relative to
// the project root.
func ProjectConfigPath() string {
	return filepath.Join(ProjectConfigDir(), constants.GlobalConfigName)
}

// HistoryPath returns the history database path, defaulting to the home
// directory.
func (c *Config) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return c.History.Path, nil
	}
	dir, err := GlobalConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, constants.HistoryDBFileName), nil
}
