package dispatcher_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/anstrom/scanfleet/internal/dispatcher"
	"github.com/anstrom/scanfleet/internal/dispatcher/mocks"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/metrics"
	metricsmocks "github.com/anstrom/scanfleet/internal/metrics/mocks"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func sequentialNames() dispatcher.NameFunc {
	n := 0
	return func(tool string) string {
		n++
		return fmt.Sprintf("%s-scan-1700000000-%04x", tool, n)
	}
}

func newTestDispatcher(client dispatcher.ClusterClient, opts ...dispatcher.Option) *dispatcher.ClusterDispatcher {
	cfg := dispatcher.BuildConfig{Registry: "l4sttr4in/scan-tools", Tag: "latest", Namespace: "scan-system"}
	translator := dispatcher.NewAddressTranslator(dispatcher.Rewrite{
		Internal: "controller.scan-system.svc.cluster.local",
		External: "10.102.199.42",
	})
	opts = append([]dispatcher.Option{
		dispatcher.WithNameFunc(sequentialNames()),
		dispatcher.WithLogger(createTestLogger()),
	}, opts...)
	return dispatcher.NewClusterDispatcher(cfg, translator, client, opts...)
}

func TestDispatchCreatesJobInCluster(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	d := newTestDispatcher(dispatcher.NewKubeClient(clientset))

	handle, err := d.Dispatch(context.Background(), dispatcher.Request{
		Tool:        "dns-lookup",
		Targets:     []string{"a.com", "b.com"},
		JobID:       "dns-lookup-abc123",
		CallbackURL: "http://controller.scan-system.svc.cluster.local:8000",
	})
	require.NoError(t, err)
	assert.Equal(t, "dns-lookup-scan-1700000000-0001", handle.JobName)
	assert.Equal(t, dispatcher.StatusCreated, handle.Status)

	job, err := clientset.BatchV1().Jobs("scan-system").Get(context.Background(), handle.JobName, metav1.GetOptions{})
	require.NoError(t, err)

	c := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "l4sttr4in/scan-tools/dns-lookup:latest", c.Image)
	assert.Equal(t, []string{"a.com", "b.com"}, c.Args)

	env := map[string]string{}
	for _, e := range c.Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, "a.com,b.com", env[dispatcher.EnvTargets])
	assert.Equal(t, "http://10.102.199.42:8000", env[dispatcher.EnvCallbackURL])
	assert.Equal(t, "dns-lookup-abc123", env[dispatcher.EnvJobID])
}

func TestDispatchIsNotIdempotent(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	d := newTestDispatcher(dispatcher.NewKubeClient(clientset))
	req := dispatcher.Request{Tool: "port-scan", Targets: []string{"10.0.0.1"}}

	first, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.JobName, second.JobName)
	jobs, err := clientset.BatchV1().Jobs("scan-system").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs.Items, 2)
}

func TestDispatchValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClusterClient(ctrl)
	d := newTestDispatcher(client)

	tests := []struct {
		name string
		req  dispatcher.Request
	}{
		{"missing tool", dispatcher.Request{Targets: []string{"x"}}},
		{"blank tool", dispatcher.Request{Tool: "  ", Targets: []string{"x"}}},
		{"missing targets", dispatcher.Request{Tool: "dns-lookup"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
		})
	}
}

func TestDispatchClusterFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClusterClient(ctrl)
	registry := metricsmocks.NewMockRecorder(ctrl)

	client.EXPECT().
		CreateJob(gomock.Any(), "scan-system", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, job *batchv1.Job) (*batchv1.Job, error) {
			assert.Equal(t, "httpx-scan-scan-1700000000-0001", job.Name)
			return nil, fmt.Errorf("admission webhook denied the request")
		})
	registry.EXPECT().Counter(metrics.MetricWorkloadsCreated, metrics.Labels{
		metrics.LabelTool:   "httpx-scan",
		metrics.LabelStatus: "error",
	})

	d := newTestDispatcher(client, dispatcher.WithMetrics(registry))
	_, err := d.Dispatch(context.Background(), dispatcher.Request{
		Tool: "httpx-scan", Targets: []string{"example.com"}, JobID: "httpx-scan-ffffff",
	})

	require.Error(t, err)
	assert.Equal(t, errors.CodeDispatchFailed, errors.GetCode(err))
	assert.Contains(t, err.Error(), "admission webhook denied")
	assert.Contains(t, err.Error(), "httpx-scan-ffffff")
}

func TestDispatchReturnsClusterAssignedName(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClusterClient(ctrl)

	client.EXPECT().
		CreateJob(gomock.Any(), "scan-system", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, job *batchv1.Job) (*batchv1.Job, error) {
			stored := job.DeepCopy()
			stored.Name = "port-scan-scan-1700000000-0001-x7k2p"
			return stored, nil
		})

	d := newTestDispatcher(client)
	handle, err := d.Dispatch(context.Background(), dispatcher.Request{
		Tool: "port-scan", Targets: []string{"10.0.0.1"}, JobID: "port-scan-0a0b0c",
	})

	require.NoError(t, err)
	assert.Equal(t, "port-scan-scan-1700000000-0001-x7k2p", handle.JobName)
	assert.Equal(t, dispatcher.StatusCreated, handle.Status)
}
