package metrics

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/anstrom/scanfleet/internal/metrics Recorder

// Recorder is the write side of a Registry. Components take a Recorder so
// tests can assert on the exact measurements they emit.
type Recorder interface {
	// Counter adds one to the named counter.
	Counter(name string, labels Labels)

	// Gauge sets the named gauge.
	Gauge(name string, value float64, labels Labels)

	// Histogram observes value in the named histogram.
	Histogram(name string, value float64, labels Labels)
}

var _ Recorder = (*Registry)(nil)
