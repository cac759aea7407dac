// Package metrics exports the outcome of a deployment session as a
// Prometheus textfile for the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the session metrics. Each process run records exactly
// one session, so everything is a gauge describing the last run.
type Registry struct {
	reg *prometheus.Registry

	LastOutcome      *prometheus.GaugeVec
	ExitCode         prometheus.Gauge
	RulesInserted    prometheus.Gauge
	AwaitSeconds     prometheus.Gauge
	LastRunTimestamp prometheus.Gauge
	RollbackFailures prometheus.Gauge
}

// Terminal states reported through LastOutcome.
var outcomeStates = []string{"committed", "rolled-back", "failed"}

// New creates a registry detached from the global default.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.LastOutcome = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portguard_last_session_state",
		Help: "1 for the terminal state of the last deployment session",
	}, []string{"state"})
	r.ExitCode = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portguard_last_session_exit_code",
		Help: "Exit code of the last deployment session",
	})
	r.RulesInserted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portguard_last_session_rules_inserted",
		Help: "Live entries inserted by the last deployment session",
	})
	r.AwaitSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portguard_last_session_await_seconds",
		Help: "Time spent waiting for confirmation",
	})
	r.LastRunTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portguard_last_session_timestamp_seconds",
		Help: "Unix time the last deployment session finished",
	})
	r.RollbackFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portguard_last_session_rollback_failed",
		Help: "1 if the last session could not restore the previous rules",
	})

	r.reg.MustRegister(
		r.LastOutcome,
		r.ExitCode,
		r.RulesInserted,
		r.AwaitSeconds,
		r.LastRunTimestamp,
		r.RollbackFailures,
	)
	return r
}

// Session is what gets recorded about one run.
type Session struct {
	State    string
	ExitCode int
	Inserted int
	Await    time.Duration
	Finished time.Time
}

// Record sets every gauge from s.
func (r *Registry) Record(s Session) {
	for _, state := range outcomeStates {
		v := 0.0
		if state == s.State {
			v = 1
		}
		r.LastOutcome.WithLabelValues(state).Set(v)
	}
	r.ExitCode.Set(float64(s.ExitCode))
	r.RulesInserted.Set(float64(s.Inserted))
	r.AwaitSeconds.Set(s.Await.Seconds())
	r.LastRunTimestamp.Set(float64(s.Finished.Unix()))
	if s.ExitCode == 3 {
		r.RollbackFailures.Set(1)
	} else {
		r.RollbackFailures.Set(0)
	}
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// WriteTextfile atomically writes the registry in text exposition format.
func (r *Registry) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics dir: %w", err)
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
