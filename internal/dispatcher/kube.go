package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubeClient implements ClusterClient on top of client-go.
type KubeClient struct {
	clientset  kubernetes.Interface
	maxElapsed time.Duration
}

// NewKubeClient wraps an existing clientset.
func NewKubeClient(clientset kubernetes.Interface) *KubeClient {
	return &KubeClient{clientset: clientset, maxElapsed: 10 * time.Second}
}

// NewKubeClientFromConfig builds a clientset from kubeconfig. An empty path
// tries in-cluster configuration first, then the default kubeconfig file.
func NewKubeClientFromConfig(kubeconfig string) (*KubeClient, error) {
	config, err := restConfig(kubeconfig)
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewKubeClient(clientset), nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig %s: %w", kubeconfig, err)
		}
		return config, nil
	}

	// First try in-cluster config (when running in k8s).
	config, err := rest.InClusterConfig()
	if err == nil {
		return config, nil
	}

	// Fall back to kubeconfig file.
	config, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
	if err != nil {
		return nil, fmt.Errorf("failed to get kubeconfig: %w", err)
	}
	return config, nil
}

// CreateJob submits job to namespace. Throttling and server timeouts are
// retried with exponential backoff. A server timeout may still have persisted
// the job, so AlreadyExists on a retry returns the stored job.
func (k *KubeClient) CreateJob(ctx context.Context, namespace string, job *batchv1.Job) (*batchv1.Job, error) {
	var created *batchv1.Job
	jobs := k.clientset.BatchV1().Jobs(namespace)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxElapsedTime = k.maxElapsed

	retried := false
	operation := func() error {
		var err error
		created, err = jobs.Create(ctx, job, metav1.CreateOptions{})
		if err == nil {
			return nil
		}
		if retried && apierrors.IsAlreadyExists(err) {
			existing, getErr := jobs.Get(ctx, job.Name, metav1.GetOptions{})
			if getErr != nil {
				return backoff.Permanent(fmt.Errorf("job %s exists after a retried create: %w", job.Name, getErr))
			}
			created = existing
			return nil
		}
		if apierrors.IsTooManyRequests(err) || apierrors.IsServerTimeout(err) {
			retried = true
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, err
	}
	return created, nil
}

// Clientset returns the underlying clientset.
func (k *KubeClient) Clientset() kubernetes.Interface {
	return k.clientset
}
