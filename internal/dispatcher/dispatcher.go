package dispatcher

import (
	"context"
	"log/slog"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/metrics"
)

//go:generate mockgen -destination=mocks/mock_dispatcher.go -package=mocks github.com/anstrom/scanfleet/internal/dispatcher Dispatcher,ClusterClient

// StatusCreated is reported for every workload accepted by the cluster.
const StatusCreated = "created"

// Dispatcher submits a scan request for execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Handle, error)
}

// ClusterClient is the orchestrator capability the dispatcher needs.
type ClusterClient interface {
	CreateJob(ctx context.Context, namespace string, job *batchv1.Job) (*batchv1.Job, error)
}

// ClusterDispatcher builds jobs and submits them through a ClusterClient.
type ClusterDispatcher struct {
	cfg        BuildConfig
	translator *AddressTranslator
	client     ClusterClient
	names      NameFunc
	logger     *slog.Logger
	metrics    metrics.Recorder
}

// Option configures a ClusterDispatcher.
type Option func(*ClusterDispatcher)

// WithNameFunc overrides job name generation.
func WithNameFunc(fn NameFunc) Option {
	return func(d *ClusterDispatcher) { d.names = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *ClusterDispatcher) { d.logger = logger }
}

// WithMetrics sets the metrics registry.
func WithMetrics(registry metrics.Recorder) Option {
	return func(d *ClusterDispatcher) { d.metrics = registry }
}

// NewClusterDispatcher creates a dispatcher submitting to client.
func NewClusterDispatcher(cfg BuildConfig, translator *AddressTranslator, client ClusterClient, opts ...Option) *ClusterDispatcher {
	d := &ClusterDispatcher{
		cfg:        cfg,
		translator: translator,
		client:     client,
		names:      DefaultNameFunc(time.Now),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch builds and submits one job. No deduplication is attempted: two
// identical requests yield two cluster jobs.
func (d *ClusterDispatcher) Dispatch(ctx context.Context, req Request) (Handle, error) {
	if strings.TrimSpace(req.Tool) == "" {
		return Handle{}, errors.ErrValidation("tool is required")
	}
	if len(req.Targets) == 0 {
		return Handle{}, errors.ErrValidation("at least one target is required")
	}

	name := d.names(req.Tool)
	callbackURL := d.translator.Translate(req.CallbackURL)

	job, err := BuildJob(req, d.cfg, name, callbackURL)
	if err != nil {
		return Handle{}, errors.ErrValidation(err.Error())
	}

	created, err := d.client.CreateJob(ctx, d.cfg.Namespace, job)
	if err != nil {
		d.record(req.Tool, "error")
		d.logger.Error("Failed to create job",
			"job_name", name, "tool", req.Tool, "job_id", req.JobID, "error", err)
		return Handle{}, errors.ErrDispatch(req.JobID, err)
	}

	if created != nil && created.Name != "" {
		name = created.Name
	}

	d.record(req.Tool, StatusCreated)
	d.logger.Info("Created scan job",
		"job_name", name, "tool", req.Tool, "job_id", req.JobID,
		"namespace", d.cfg.Namespace, "targets", len(req.Targets))

	return Handle{JobName: name, Status: StatusCreated}, nil
}

func (d *ClusterDispatcher) record(tool, status string) {
	if d.metrics == nil {
		return
	}
	d.metrics.Counter(metrics.MetricWorkloadsCreated, metrics.Labels{
		metrics.LabelTool:   tool,
		metrics.LabelStatus: status,
	})
}
