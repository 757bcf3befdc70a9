package job

import (
	"sort"
	"strings"
)

// Parameter keys understood by backend templates.
const (
	KeyImage         = "image"
	KeyCommand       = "command"
	KeyGitRepo       = "git_repo"
	KeyGitCommit     = "git_commit"
	KeyMatrixTag     = "matrix_tag"
	KeyCloud         = "cloud"
	KeyPool          = "pool"
	KeyCredentialsID = "credentials_id"
	KeyBuildHistory  = "build_history"
	KeyDockerfile    = "dockerfile"
	KeyContextDir    = "context_dir"
	KeyTargetImage   = "target_image"
	KeyPush          = "push"
)

// envPrefix namespaces matrix and user environment values in the flattened map.
const envPrefix = "env."

// Params enumerates every parameter a backend template can consume.
// All values are strings and are passed to the backend verbatim.
type Params struct {
	// Image is the container image the job runs in.
	Image string `yaml:"image" json:"image,omitempty"`
	// Command is the shell command the job executes.
	Command string `yaml:"command" json:"command,omitempty"`

	GitRepo   string `yaml:"git_repo" json:"git_repo,omitempty"`
	GitCommit string `yaml:"git_commit" json:"git_commit,omitempty"`
	MatrixTag string `yaml:"matrix_tag" json:"matrix_tag,omitempty"`

	// Farm settings passed through opaquely.
	Cloud         string `yaml:"cloud" json:"cloud,omitempty"`
	Pool          string `yaml:"pool" json:"pool,omitempty"`
	CredentialsID string `yaml:"credentials_id" json:"credentials_id,omitempty"`
	BuildHistory  string `yaml:"build_history" json:"build_history,omitempty"`

	// Image build settings.
	Dockerfile  string `yaml:"dockerfile" json:"dockerfile,omitempty"`
	ContextDir  string `yaml:"context_dir" json:"context_dir,omitempty"`
	TargetImage string `yaml:"target_image" json:"target_image,omitempty"`
	Push        string `yaml:"push" json:"push,omitempty"`

	// Env holds extra environment values, such as matrix dimension values.
	Env map[string]string `yaml:"env" json:"env,omitempty"`
}

// Map flattens the parameters into backend form. Empty fields are omitted and
// Env entries appear under "env.<NAME>".
func (p Params) Map() map[string]string {
	m := make(map[string]string, 16+len(p.Env))
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set(KeyImage, p.Image)
	set(KeyCommand, p.Command)
	set(KeyGitRepo, p.GitRepo)
	set(KeyGitCommit, p.GitCommit)
	set(KeyMatrixTag, p.MatrixTag)
	set(KeyCloud, p.Cloud)
	set(KeyPool, p.Pool)
	set(KeyCredentialsID, p.CredentialsID)
	set(KeyBuildHistory, p.BuildHistory)
	set(KeyDockerfile, p.Dockerfile)
	set(KeyContextDir, p.ContextDir)
	set(KeyTargetImage, p.TargetImage)
	set(KeyPush, p.Push)
	for k, v := range p.Env {
		m[envPrefix+k] = v
	}
	return m
}

// Environment returns the parameters as sorted NAME=value pairs suitable for a
// process or container environment. Parameter keys are upper-cased and
// prefixed with BUILDFARM_; Env entries keep their names.
func (p Params) Environment() []string {
	out := make([]string, 0, 16+len(p.Env))
	for k, v := range p.Map() {
		if name, ok := strings.CutPrefix(k, envPrefix); ok {
			out = append(out, name+"="+v)
			continue
		}
		out = append(out, "BUILDFARM_"+strings.ToUpper(k)+"="+v)
	}
	sort.Strings(out)
	return out
}

// WithEnv returns a copy of p with env merged over its Env.
func (p Params) WithEnv(env map[string]string) Params {
	merged := make(map[string]string, len(p.Env)+len(env))
	for k, v := range p.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	p.Env = merged
	return p
}
