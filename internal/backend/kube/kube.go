// Package kube runs jobs as Kubernetes batch/v1 Jobs.
package kube

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kuberesource "k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/mrz1836/buildfarm/internal/backend"
	"github.com/mrz1836/buildfarm/internal/constants"
	bferrors "github.com/mrz1836/buildfarm/internal/errors"
	"github.com/mrz1836/buildfarm/internal/job"
	"github.com/mrz1836/buildfarm/internal/logging"
)

// Labels attached to every Job created by this backend.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelRun       = "buildfarm.io/run"
	LabelJob       = "buildfarm.io/job"
	LabelTemplate  = "buildfarm.io/template"
	managerName    = "buildfarm"
	containerName  = "main"
)

// Config configures the Kubernetes backend.
type Config struct {
	// Namespace receives the Jobs.
	Namespace string
	// BuilderImage runs image-build jobs that do not name their own image.
	BuilderImage string
	// ArtifactPrefix is the store locator under which jobs upload their
	// outputs, e.g. "s3://ci-artifacts/runs". Each job receives
	// <prefix>/<run id>/<job name>/ in BUILDFARM_ARTIFACT_PREFIX.
	ArtifactPrefix string
	// ConsoleURL, when set, is used to build job links.
	ConsoleURL string
	// TTLAfterFinished lets the cluster garbage-collect finished Jobs.
	TTLAfterFinished time.Duration
}

// Backend is a backend.Backend creating Kubernetes Jobs.
type Backend struct {
	client kubernetes.Interface
	cfg    Config
	logger zerolog.Logger
}

// New creates a Kubernetes backend.
func New(client kubernetes.Interface, cfg Config, logger zerolog.Logger) *Backend {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	return &Backend{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("backend", "kubernetes").Str("namespace", cfg.Namespace).Logger(),
	}
}

// NewClientset builds a clientset from kubeconfig. An empty path falls back to
// $KUBECONFIG, then to the in-cluster configuration.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	if kubeconfig == "" {
		if k := os.Getenv("KUBECONFIG"); k != "" {
			if s, err := os.Stat(k); err == nil && !s.IsDir() {
				kubeconfig = k
			}
		}
	}

	var restConfig *rest.Config
	var err error
	if kubeconfig == "" {
		restConfig, err = rest.InClusterConfig()
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: kubernetes client config: %w", bferrors.ErrConfigInvalidBackend, err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: kubernetes clientset: %w", bferrors.ErrConfigInvalidBackend, err)
	}
	return clientset, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "kubernetes" }

// Submit implements backend.Backend. The returned id is the Job name.
// Creating a Job that already exists is treated as success, so a retried
// submission whose first response was lost does not fail.
func (b *Backend) Submit(ctx context.Context, req backend.Request) (string, error) {
	manifest, err := b.manifest(req)
	if err != nil {
		return "", err
	}

	_, err = b.client.BatchV1().Jobs(b.cfg.Namespace).Create(ctx, manifest, kubeapimeta.CreateOptions{})
	switch {
	case err == nil:
	case kubeerr.IsAlreadyExists(err):
		b.logger.Debug().Str("k8s_job", manifest.Name).Msg("job already exists, reusing")
	case kubeerr.IsInvalid(err), kubeerr.IsBadRequest(err), kubeerr.IsForbidden(err):
		return "", fmt.Errorf("%w: create job %s: %w", bferrors.ErrConfiguration, manifest.Name, err)
	default:
		return "", fmt.Errorf("create job %s: %w", manifest.Name, err)
	}

	b.logger.Info().
		Str("k8s_job", manifest.Name).
		Str("job", req.Job.Name).
		Str("image", manifest.Spec.Template.Spec.Containers[0].Image).
		Str("credentials_id", logging.SafeValue("credentials_id", req.Job.Params.CredentialsID)).
		Msg("submitted job")
	return manifest.Name, nil
}

// Poll implements backend.Backend.
func (b *Backend) Poll(ctx context.Context, id string) (backend.Report, error) {
	kjob, err := b.client.BatchV1().Jobs(b.cfg.Namespace).Get(ctx, id, kubeapimeta.GetOptions{})
	if err != nil {
		if kubeerr.IsNotFound(err) {
			return backend.Report{
				Status:  constants.JobStatusAborted,
				Link:    b.link(id),
				Message: "job no longer exists",
			}, nil
		}
		return backend.Report{}, fmt.Errorf("get job %s: %w", id, err)
	}

	report := backend.Report{Link: b.link(id)}
	report.Status, report.Message = jobStatus(kjob)
	if report.Status.IsTerminal() {
		if prefix := kjob.Annotations[annotationArtifactPrefix]; prefix != "" {
			report.Artifacts = []string{prefix}
		}
	}
	return report, nil
}

// Abort implements backend.Backend. The Job is deleted with foreground
// propagation and the call returns without waiting for its pods to stop.
func (b *Backend) Abort(ctx context.Context, id string) error {
	foreground := kubeapimeta.DeletePropagationForeground
	zero := int64(0)
	err := b.client.BatchV1().Jobs(b.cfg.Namespace).Delete(ctx, id, kubeapimeta.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &foreground,
	})
	if err != nil && !kubeerr.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

const annotationArtifactPrefix = "buildfarm.io/artifact-prefix"

// jobStatus maps Job conditions to a status. A Job failed by its active
// deadline counts as ABORTED.
func jobStatus(kjob *kubebatch.Job) (constants.JobStatus, string) {
	for _, c := range kjob.Status.Conditions {
		if c.Status != kubecore.ConditionTrue {
			continue
		}
		switch c.Type {
		case kubebatch.JobComplete:
			return constants.JobStatusSuccess, ""
		case kubebatch.JobFailed:
			if c.Reason == "DeadlineExceeded" {
				return constants.JobStatusAborted, c.Message
			}
			return constants.JobStatusFailure, c.Message
		}
	}
	if kjob.Status.Active > 0 || kjob.Status.Succeeded > 0 || kjob.Status.Failed > 0 {
		return constants.JobStatusRunning, ""
	}
	return constants.JobStatusPending, ""
}

func (b *Backend) link(name string) string {
	if b.cfg.ConsoleURL != "" {
		return strings.TrimSuffix(b.cfg.ConsoleURL, "/") + "/" + b.cfg.Namespace + "/jobs/" + name
	}
	return "kubernetes://" + b.cfg.Namespace + "/jobs/" + name
}

// manifest renders the batch/v1 Job for req.
func (b *Backend) manifest(req backend.Request) (*kubebatch.Job, error) {
	j := req.Job
	params := j.Params

	image := params.Image
	if image == "" && j.Template == job.TemplateImageBuild {
		image = b.cfg.BuilderImage
	}
	if image == "" {
		return nil, bferrors.Wrapf(bferrors.ErrMissingParameter, "job %q: %s", j.Name, job.KeyImage)
	}
	if params.Command == "" {
		return nil, bferrors.Wrapf(bferrors.ErrMissingParameter, "job %q: %s", j.Name, job.KeyCommand)
	}

	limits, err := resourceList(j.Resources)
	if err != nil {
		return nil, err
	}

	name := JobName(req.RunID, j.Name)
	env := make([]kubecore.EnvVar, 0, len(params.Environment())+3)
	for _, kv := range params.Environment() {
		k, v, _ := strings.Cut(kv, "=")
		env = append(env, kubecore.EnvVar{Name: k, Value: v})
	}
	env = append(env,
		kubecore.EnvVar{Name: "BUILDFARM_RUN_ID", Value: req.RunID},
		kubecore.EnvVar{Name: "BUILDFARM_JOB_NAME", Value: j.Name},
	)

	annotations := map[string]string{}
	if b.cfg.ArtifactPrefix != "" {
		prefix := strings.TrimSuffix(b.cfg.ArtifactPrefix, "/") + "/" + req.RunID + "/" + j.Name + "/"
		annotations[annotationArtifactPrefix] = prefix
		env = append(env, kubecore.EnvVar{Name: "BUILDFARM_ARTIFACT_PREFIX", Value: prefix})
	}

	labels := map[string]string{
		LabelManagedBy: managerName,
		LabelRun:       labelValue(req.RunID),
		LabelJob:       labelValue(j.Name),
		LabelTemplate:  labelValue(j.Template),
	}

	backoffLimit := int32(0)
	kjob := &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:        name,
			Namespace:   b.cfg.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: kubebatch.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubeapimeta.ObjectMeta{Labels: labels},
				Spec: kubecore.PodSpec{
					RestartPolicy: kubecore.RestartPolicyNever,
					Containers: []kubecore.Container{{
						Name:    containerName,
						Image:   image,
						Command: []string{"sh", "-c", params.Command},
						Env:     env,
						Resources: kubecore.ResourceRequirements{
							Requests: limits,
							Limits:   limits,
						},
					}},
				},
			},
		},
	}
	if j.Resources.Timeout > 0 {
		deadline := int64(j.Resources.Timeout.Seconds())
		kjob.Spec.ActiveDeadlineSeconds = &deadline
	}
	if b.cfg.TTLAfterFinished > 0 {
		ttl := int32(b.cfg.TTLAfterFinished.Seconds())
		kjob.Spec.TTLSecondsAfterFinished = &ttl
	}
	return kjob, nil
}

func resourceList(r job.Resources) (kubecore.ResourceList, error) {
	list := kubecore.ResourceList{}
	for _, q := range []struct {
		name  kubecore.ResourceName
		value string
	}{
		{kubecore.ResourceCPU, r.CPU},
		{kubecore.ResourceMemory, r.Memory},
		{kubecore.ResourceEphemeralStorage, r.EphemeralStorage},
	} {
		if q.value == "" {
			continue
		}
		qty, err := kuberesource.ParseQuantity(q.value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q: %w", bferrors.ErrConfiguration, q.name, q.value, err)
		}
		list[q.name] = qty
	}
	return list, nil
}

// JobName derives a DNS-1123 label from the run and job names. Names that
// would be too long or contain invalid characters are shortened and suffixed
// with a hash so distinct inputs stay distinct.
func JobName(runID, jobName string) string {
	raw := "bf-" + shortRun(runID) + "-" + jobName
	name := sanitize(raw)
	if name == raw && len(validation.IsDNS1123Label(name)) == 0 {
		return name
	}

	sum := sha256.Sum256([]byte(runID + "/" + jobName))
	suffix := hex.EncodeToString(sum[:])[:8]
	maxBase := validation.DNS1123LabelMaxLength - len(suffix) - 1
	if len(name) > maxBase {
		name = name[:maxBase]
	}
	return strings.TrimRight(name, "-") + "-" + suffix
}

func shortRun(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

func sanitize(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('-')
		}
	}
	return strings.Trim(sb.String(), "-")
}

// labelValue coerces s into a valid label value.
func labelValue(s string) string {
	if len(validation.IsValidLabelValue(s)) == 0 {
		return s
	}
	v := sanitize(s)
	if len(v) > validation.LabelValueMaxLength {
		v = strings.Trim(v[:validation.LabelValueMaxLength], "-")
	}
	return v
}

var _ backend.Backend = (*Backend)(nil)
