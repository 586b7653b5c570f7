package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects per-run counters on a private registry. A nil Recorder
// discards everything.
type Recorder struct {
	registry        *prometheus.Registry
	indexerRequests *prometheus.CounterVec
	indexerRetries  *prometheus.CounterVec
	forkStart       prometheus.Histogram
	replayOutcomes  *prometheus.CounterVec
	exports         *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		indexerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txreplay_indexer_requests_total",
			Help: "Indexing API requests by action and outcome.",
		}, []string{"action", "outcome"}),
		indexerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txreplay_indexer_retries_total",
			Help: "Indexing API retries by action.",
		}, []string{"action"}),
		forkStart: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txreplay_fork_start_seconds",
			Help:    "Time from spawn until the fork answered its first probe.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		replayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txreplay_replay_outcomes_total",
			Help: "Replay outcomes by status.",
		}, []string{"status"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txreplay_exports_total",
			Help: "Report exports by format and outcome.",
		}, []string{"format", "outcome"}),
	}
	r.registry.MustRegister(r.indexerRequests, r.indexerRetries, r.forkStart, r.replayOutcomes, r.exports)
	return r
}

func (r *Recorder) IndexerRequest(action, outcome string) {
	if r == nil {
		return
	}
	r.indexerRequests.WithLabelValues(action, outcome).Inc()
}

func (r *Recorder) IndexerRetry(action string) {
	if r == nil {
		return
	}
	r.indexerRetries.WithLabelValues(action).Inc()
}

func (r *Recorder) ForkStarted(d time.Duration) {
	if r == nil {
		return
	}
	r.forkStart.Observe(d.Seconds())
}

func (r *Recorder) ReplayOutcome(status string) {
	if r == nil {
		return
	}
	r.replayOutcomes.WithLabelValues(status).Inc()
}

func (r *Recorder) Export(format string, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.exports.WithLabelValues(format, outcome).Inc()
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metrics dir: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
