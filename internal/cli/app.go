package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/mrz1836/buildfarm/internal/backend"
	"github.com/mrz1836/buildfarm/internal/backend/kube"
	"github.com/mrz1836/buildfarm/internal/backend/local"
	"github.com/mrz1836/buildfarm/internal/changes"
	"github.com/mrz1836/buildfarm/internal/config"
	"github.com/mrz1836/buildfarm/internal/constants"
	"github.com/mrz1836/buildfarm/internal/dispatch"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/git"
	"github.com/mrz1836/buildfarm/internal/history"
	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/pipeline"
	"github.com/mrz1836/buildfarm/internal/retry"
	"github.com/mrz1836/buildfarm/internal/run"
	"github.com/mrz1836/buildfarm/internal/server"
	"github.com/mrz1836/buildfarm/internal/store"
	"github.com/mrz1836/buildfarm/internal/store/s3"
)

// app holds the components shared by the run and serve commands.
type app struct {
	cfg          *config.Config
	logger       zerolog.Logger
	backend      backend.Backend
	history      *history.Store
	registry     *run.Registry
	orchestrator *pipeline.Orchestrator
	closers      []func() error
}

// newApp wires the configured backend, artifact stores and history into an
// orchestrator. repoDir is the git checkout used for change detection.
func newApp(ctx context.Context, cfg *config.Config, repoDir string, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: run.NewRegistry()}

	b, err := newBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.backend = b
	if lb, ok := b.(*local.Backend); ok {
		a.closers = append(a.closers, func() error { lb.Wait(); return nil })
	}

	artifacts, err := newArtifacts(cfg)
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{pipeline.WithRegistry(a.registry), pipeline.WithLogger(logger)}
	if cfg.History.Enabled {
		path, err := cfg.HistoryPath()
		if err != nil {
			return nil, err
		}
		h, err := history.Open(ctx, path, cfg.Farm.BuildHistory)
		if err != nil {
			return nil, err
		}
		a.history = h
		a.closers = append(a.closers, h.Close)
		opts = append(opts, pipeline.WithHistory(h))
	}

	detector := changes.NewDetector(git.NewCLIRepository(repoDir), logger)
	planner := pipeline.NewPlanner(detector, job.DefaultCatalog())
	a.orchestrator = pipeline.NewOrchestrator(planner, b, dispatchConfig(cfg), artifacts, opts...)
	return a, nil
}

// Close waits for local jobs and closes the history database.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// optionsFromConfig returns the configured defaults for a run.
func optionsFromConfig(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		SkipTestsOnMerge: cfg.Policy.SkipTestsOnMerge,
		Farm: pipeline.Farm{
			Cloud:         cfg.Farm.Cloud,
			Pool:          cfg.Farm.Pool,
			CredentialsID: cfg.Farm.CredentialsID,
			BuildHistory:  cfg.Farm.BuildHistory,
		},
		Resources: cfg.Resources,
	}
}

// historyOrNil avoids handing a typed nil to interface consumers.
func (a *app) historyOrNil() server.History {
	if a.history == nil {
		return nil
	}
	return a.history
}

func newBackend(cfg *config.Config, logger zerolog.Logger) (backend.Backend, error) {
	switch cfg.Backend.Kind {
	case config.BackendKubernetes:
		client, err := kube.NewClientset(cfg.Backend.Kubeconfig)
		if err != nil {
			return nil, err
		}
		return kube.New(client, kube.Config{
			Namespace:        cfg.Backend.Namespace,
			BuilderImage:     cfg.Backend.BuilderImage,
			ArtifactPrefix:   cfg.Backend.ArtifactPrefix,
			ConsoleURL:       cfg.Backend.ConsoleURL,
			TTLAfterFinished: cfg.Backend.TTLAfterFinished,
		}, logger), nil
	case config.BackendLocal:
		root := cfg.Backend.WorkDir
		if root == "" {
			home, err := config.GlobalConfigDir()
			if err != nil {
				return nil, err
			}
			root = filepath.Join(home, "work")
		}
		return local.New(root, local.WithLogger(logger)), nil
	}
	return nil, bferrors.Wrapf(bferrors.ErrUnknownBackend, "%q", cfg.Backend.Kind)
}

// newArtifacts registers a store per locator scheme. Merged reports are
// published to the object store when one is configured, otherwise below the
// output directory.
func newArtifacts(cfg *config.Config) (pipeline.Artifacts, error) {
	outputDir, err := filepath.Abs(cfg.Artifacts.OutputDir)
	if err != nil {
		return pipeline.Artifacts{}, err
	}

	mux := store.NewMux()
	fs := store.NewFS(filepath.Join(outputDir, "published"))
	mux.Register(store.SchemeFile, fs)
	var publisher store.Store = fs

	if sc := cfg.Artifacts.Store; sc.Enabled() {
		s, err := s3.New(s3.Config{
			Endpoint:  sc.Endpoint,
			AccessKey: os.Getenv(sc.AccessKeyEnv),
			SecretKey: os.Getenv(sc.SecretKeyEnv),
			Region:    sc.Region,
			UseSSL:    sc.UseSSL,
			Bucket:    sc.Bucket,
		})
		if err != nil {
			return pipeline.Artifacts{}, err
		}
		mux.Register(s3.Scheme, s)
		publisher = s
	}

	artifacts := pipeline.Artifacts{
		OutputDir:     outputDir,
		Source:        mux,
		PublishPrefix: cfg.Artifacts.PublishPrefix,
		LockTimeout:   cfg.Artifacts.LockTimeout,
	}
	if cfg.Artifacts.Publish {
		mux.SetPublisher(publisher)
		artifacts.Publisher = mux
	}
	return artifacts, nil
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Workers:      cfg.Dispatch.Workers,
		PollInterval: cfg.Dispatch.PollInterval,
		Retry: retry.Config{
			MaxAttempts:  cfg.Dispatch.MaxAttempts,
			InitialDelay: cfg.Dispatch.InitialBackoff,
			MaxDelay:     cfg.Dispatch.MaxBackoff,
			Multiplier:   constants.BackoffMultiplier,
		},
	}
}
