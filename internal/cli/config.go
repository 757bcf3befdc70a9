package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mrz1836/buildfarm/internal/config"
	"github.com/mrz1836/buildfarm/internal/tui"
)

// AddConfigCommand adds the config command and its subcommands.
func AddConfigCommand(root *cobra.Command, global *GlobalFlags) {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the configuration after merging defaults, ~/.buildfarm/config.yaml,
.buildfarm/config.yaml and BUILDFARM_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd.Context(), cmd.OutOrStdout(), global)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the configuration and log file locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigPath(cmd.OutOrStdout(), global)
		},
	})
	root.AddCommand(cmd)
}

func runConfigShow(ctx context.Context, w io.Writer, global *GlobalFlags) error {
	cfg, err := config.Load(GetLogger().WithContext(ctx))
	if err != nil {
		return err
	}
	if global.Output == OutputJSON {
		return tui.NewJSONOutput(w).JSON(cfg)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func runConfigPath(w io.Writer, global *GlobalFlags) error {
	globalPath, err := config.GlobalConfigPath()
	if err != nil {
		return err
	}
	logPath, err := LogFilePath()
	if err != nil {
		return err
	}
	paths := map[string]string{
		"global":  globalPath,
		"project": config.ProjectConfigPath(),
		"log":     logPath,
	}
	if global.Output == OutputJSON {
		return tui.NewJSONOutput(w).JSON(paths)
	}
	for _, k := range []string{"global", "project", "log"} {
		_, _ = fmt.Fprintf(w, "%-8s %s\n", k, paths[k])
	}
	return nil
}
