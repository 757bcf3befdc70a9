package cli

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mrz1836/buildfarm/internal/config"
	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/pipeline"
	"github.com/mrz1836/buildfarm/internal/server"
	"github.com/mrz1836/buildfarm/internal/signal"
)

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen    string
	Pipelines string
	Repo      string
	Backend   string
	Namespace string
}

// AddServeCommand adds the serve command.
func AddServeCommand(root *cobra.Command, _ *GlobalFlags) {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run trigger API",
		Long: `Serve an HTTP API that triggers and reports pipeline runs.

  POST /api/runs       {"pipeline": "pytorch", "base": "...", "head": "..."}
  GET  /api/runs/{id}  status of an active or recorded run
  GET  /api/runs       recorded runs, filtered by ?key= and ?limit=

A pipeline named "pytorch" is read from <pipelines>/pytorch.yaml. A new
run for a key cancels the active run with the same key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&flags.Pipelines, "pipelines", ".", "directory of pipeline definitions")
	cmd.Flags().StringVar(&flags.Repo, "repo", ".", "git checkout used for change detection")
	cmd.Flags().StringVar(&flags.Backend, "backend", "", "execution backend (kubernetes|local)")
	cmd.Flags().StringVar(&flags.Namespace, "namespace", "", "Kubernetes namespace")
	root.AddCommand(cmd)
}

func runServe(ctx context.Context, flags *ServeFlags) error {
	logger := GetLogger()
	ctx = logger.WithContext(ctx)

	overrides := &config.Config{}
	overrides.Server.Listen = flags.Listen
	overrides.Backend.Kind = flags.Backend
	overrides.Backend.Namespace = flags.Namespace
	cfg, err := config.LoadWithOverrides(ctx, overrides)
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

	srv := server.New(a.orchestrator, a.registry, a.historyOrNil(), dirLoader(flags.Pipelines),
		server.Config{Defaults: optionsFromConfig(cfg)}, logger)
	return srv.ListenAndServe(ctx, cfg.Server.Listen, cfg.Server.ShutdownTimeout)
}

// dirLoader resolves pipeline names to <dir>/<name>.yaml.
func dirLoader(dir string) server.DefinitionLoader {
	return func(name string) (*pipeline.Definition, error) {
		if err := job.ValidateName(name); err != nil {
			return nil, err
		}
		return pipeline.Load(filepath.Join(dir, name+".yaml"))
	}
}
