// Package dispatcher turns scan requests into batch/v1 Jobs and submits them
// to a Kubernetes cluster, either in-process or through a remote dispatcher
// service.
package dispatcher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Label keys applied to every job and pod template.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelTool      = "scanfleet/tool"
	LabelJobID     = "scanfleet/job-id"
	LabelJobName   = "job-name"

	managedByValue = "scanfleet"
)

// Environment variables handed to the worker container.
const (
	EnvTargets     = "TARGETS"
	EnvCallbackURL = "CONTROLLER_CALLBACK_URL"
	EnvJobID       = "JOB_ID"
	EnvScanOptions = "SCAN_OPTIONS"
)

const (
	tunDeviceVolume = "dev-tun"
	tunDevicePath   = "/dev/net/tun"
)

// Request is an abstract scan request as received by the dispatcher.
type Request struct {
	Tool        string                 `json:"tool"`
	Targets     []string               `json:"targets"`
	Options     map[string]interface{} `json:"options,omitempty"`
	JobID       string                 `json:"job_id,omitempty"`
	CallbackURL string                 `json:"controller_callback_url,omitempty"`
}

// Handle identifies a submitted workload.
type Handle struct {
	JobName string `json:"job_name"`
	Status  string `json:"status"`
}

// BuildConfig holds the cluster-facing settings for job construction.
type BuildConfig struct {
	Registry                string
	Tag                     string
	Namespace               string
	ImagePullPolicy         corev1.PullPolicy
	TTLSecondsAfterFinished *int32
}

// Image returns the container image reference for tool.
func (c BuildConfig) Image(tool string) string {
	tag := c.Tag
	if tag == "" {
		tag = "latest"
	}
	return fmt.Sprintf("%s/%s:%s", strings.TrimSuffix(c.Registry, "/"), tool, tag)
}

// NameFunc produces the cluster job name for a tool.
type NameFunc func(tool string) string

// DefaultNameFunc names jobs <tool>-scan-<unix-seconds>-<4 hex>.
func DefaultNameFunc(now func() time.Time) NameFunc {
	return func(tool string) string {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
		return fmt.Sprintf("%s-scan-%d-%s", tool, now().Unix(), suffix)
	}
}

// BuildJob builds the Job for req. callbackURL is the already translated
// callback address. The result depends only on its inputs.
func BuildJob(req Request, cfg BuildConfig, name, callbackURL string) (*batchv1.Job, error) {
	env := []corev1.EnvVar{{Name: EnvTargets, Value: strings.Join(req.Targets, ",")}}
	if callbackURL != "" {
		env = append(env, corev1.EnvVar{Name: EnvCallbackURL, Value: callbackURL})
	}
	if req.JobID != "" {
		env = append(env, corev1.EnvVar{Name: EnvJobID, Value: req.JobID})
	}
	if len(req.Options) > 0 {
		encoded, err := json.Marshal(req.Options)
		if err != nil {
			return nil, fmt.Errorf("failed to encode scan options: %w", err)
		}
		env = append(env, corev1.EnvVar{Name: EnvScanOptions, Value: string(encoded)})
	}

	labels := map[string]string{
		LabelManagedBy: managedByValue,
		LabelTool:      req.Tool,
	}
	if req.JobID != "" && len(validation.IsValidLabelValue(req.JobID)) == 0 {
		labels[LabelJobID] = req.JobID
	}

	podLabels := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		podLabels[k] = v
	}
	podLabels[LabelJobName] = name

	privileged := true
	hostPathType := corev1.HostPathCharDev
	backoffLimit := int32(0)

	pullPolicy := cfg.ImagePullPolicy
	if pullPolicy == "" {
		pullPolicy = corev1.PullIfNotPresent
	}

	container := corev1.Container{
		Name:            req.Tool,
		Image:           cfg.Image(req.Tool),
		Args:            append([]string(nil), req.Targets...),
		Env:             env,
		ImagePullPolicy: pullPolicy,
		SecurityContext: &corev1.SecurityContext{
			Privileged: &privileged,
			Capabilities: &corev1.Capabilities{
				Add: []corev1.Capability{"NET_ADMIN"},
			},
		},
		VolumeMounts: []corev1.VolumeMount{{
			Name:      tunDeviceVolume,
			MountPath: tunDevicePath,
		}},
	}

	job := &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: copyInt32(cfg.TTLSecondsAfterFinished),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers:    []corev1.Container{container},
					Volumes: []corev1.Volume{{
						Name: tunDeviceVolume,
						VolumeSource: corev1.VolumeSource{
							HostPath: &corev1.HostPathVolumeSource{
								Path: tunDevicePath,
								Type: &hostPathType,
							},
						},
					}},
				},
			},
		},
	}
	return job, nil
}

func copyInt32(v *int32) *int32 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
