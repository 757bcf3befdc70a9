package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mrz1836/buildfarm/internal/config"
	"github.com/mrz1836/buildfarm/internal/constants"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/pipeline"
	"github.com/mrz1836/buildfarm/internal/tui"
)

// InitFlags holds flags for the init command.
type InitFlags struct {
	// NoInteractive skips prompts and uses the flag values.
	NoInteractive bool
	// Force overwrites existing files.
	Force bool

	Name       string
	Repository string
	Backend    string
	Namespace  string
}

// initAnswers are the values the scaffold is rendered from.
type initAnswers struct {
	Name          string
	Repository    string
	Backend       string
	Namespace     string
	ProjectConfig bool
}

// AddInitCommand adds the init command.
func AddInitCommand(root *cobra.Command, global *GlobalFlags) {
	flags := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a pipeline definition and project config",
		Long: `Write a starter buildfarm.yaml and, optionally, .buildfarm/config.yaml.

The wizard asks for the pipeline name, the image repository and the
execution backend. Use --no-interactive with the flags for scripted setups.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.Context(), cmd.OutOrStdout(), global, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.NoInteractive, "no-interactive", false, "skip prompts and use flag values")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite existing files")
	cmd.Flags().StringVar(&flags.Name, "name", "", "pipeline name (default: directory name)")
	cmd.Flags().StringVar(&flags.Repository, "repository", "", "image repository built from the matrix")
	cmd.Flags().StringVar(&flags.Backend, "backend", config.BackendLocal, "execution backend (kubernetes|local)")
	cmd.Flags().StringVar(&flags.Namespace, "namespace", "buildfarm", "Kubernetes namespace")
	root.AddCommand(cmd)
}

func runInit(ctx context.Context, w io.Writer, global *GlobalFlags, flags *InitFlags) error {
	answers := initAnswers{
		Name:          flags.Name,
		Repository:    flags.Repository,
		Backend:       flags.Backend,
		Namespace:     flags.Namespace,
		ProjectConfig: true,
	}
	if answers.Name == "" {
		answers.Name = defaultPipelineName()
	}

	if !flags.NoInteractive {
		if err := promptInit(ctx, &answers); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return err
		}
	}

	if answers.Backend != config.BackendLocal && answers.Backend != config.BackendKubernetes {
		return bferrors.Wrapf(bferrors.ErrConfigInvalidBackend, "backend %q must be %q or %q",
			answers.Backend, config.BackendKubernetes, config.BackendLocal)
	}

	doc := renderPipeline(answers)
	if _, err := pipeline.Parse([]byte(doc)); err != nil {
		return err
	}

	out := tui.NewOutput(w, global.Output)
	written := []string{}
	if err := writeNew(constants.DefaultPipelineFile, []byte(doc), flags.Force); err != nil {
		return err
	}
	written = append(written, constants.DefaultPipelineFile)

	if answers.ProjectConfig {
		data, err := renderProjectConfig(answers)
		if err != nil {
			return err
		}
		path := config.ProjectConfigPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
		}
		if err := writeNew(path, data, flags.Force); err != nil {
			return err
		}
		written = append(written, path)
	}

	if global.Output == OutputJSON {
		return out.JSON(map[string][]string{"written": written})
	}
	for _, p := range written {
		out.Success("wrote " + p)
	}
	out.Info("next: buildfarm plan, then buildfarm run")
	return nil
}

func promptInit(ctx context.Context, a *initAnswers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Pipeline name").
				Description("Runs with the same name supersede each other.").
				Value(&a.Name).
				Validate(job.ValidateName),
			huh.NewInput().
				Title("Image repository").
				Description("Matrix images are tagged <repository>:<values>. Leave empty to skip image builds.").
				Value(&a.Repository),
			huh.NewSelect[string]().
				Title("Execution backend").
				Options(
					huh.NewOption("Local host", config.BackendLocal),
					huh.NewOption("Kubernetes", config.BackendKubernetes),
				).
				Value(&a.Backend),
			huh.NewConfirm().
				Title("Write .buildfarm/config.yaml?").
				Value(&a.ProjectConfig),
		),
	).WithTheme(huh.ThemeCharm())
	return form.RunWithContext(ctx)
}

func defaultPipelineName() string {
	wd, err := os.Getwd()
	if err != nil {
		return "pipeline"
	}
	name := strings.ToLower(filepath.Base(wd))
	if job.ValidateName(name) != nil {
		return "pipeline"
	}
	return name
}

// renderPipeline returns a starter definition: a two-dimension matrix, an
// image build when a repository is given, and a test and lint group.
func renderPipeline(a initAnswers) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\n", a.Name)
	b.WriteString(`matrix:
  dimensions:
    - name: PYTHON_VERSION
      values: ["3.10", "3.11"]
    - name: CUDA
      values: [cpu]
`)
	if a.Repository != "" {
		fmt.Fprintf(&b, `  build:
    dockerfile: docker/Dockerfile
    context: docker
    push: true
    repository: %s
image_build:
  trigger: [docker/]
`, a.Repository)
	}
	b.WriteString(`groups:
  - name: test
    kind: test
`)
	if a.Repository != "" {
		b.WriteString("    per_entry: true\n")
	} else {
		b.WriteString("    image: python:3.11\n")
	}
	b.WriteString(`    command: make test
    patterns:
      junit: ["junit*.xml"]
      coverage: [coverage.xml]
  - name: lint
    kind: lint
    fail_fast: false
    image: python:3.11
    command: make lint
`)
	return b.String()
}

func renderProjectConfig(a initAnswers) ([]byte, error) {
	backend := map[string]string{"kind": a.Backend}
	if a.Backend == config.BackendKubernetes {
		backend["namespace"] = a.Namespace
	}
	return yaml.Marshal(map[string]any{
		"backend": backend,
		"artifacts": map[string]string{
			"output_dir": constants.ArtifactsDir,
		},
	})
}

// writeNew writes data to path, refusing to replace an existing file unless
// force is set.
func writeNew(path string, data []byte, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return bferrors.NewExitCode2Error(fmt.Errorf("%s already exists; use --force to overwrite", path))
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
