package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fuzzing holds the fuzzing engine's Prometheus collectors. A nil *Fuzzing
// is valid everywhere its methods are called: every method guards on a nil
// receiver so callers don't branch on whether metrics are enabled, mirroring
// marmos91-dittofs's pkg/metrics/cache.go "if m != nil" nil-when-disabled
// pattern.
type Fuzzing struct {
	iterations       *prometheus.CounterVec
	testDuration     *prometheus.HistogramVec
	mutationsApplied *prometheus.CounterVec
	fieldMutations   *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	reconnects       prometheus.Counter
	heartbeats       *prometheus.CounterVec

	activeSessions prometheus.Gauge
	agentQueueSize *prometheus.GaugeVec
	agentsOnline   prometheus.Gauge
}

// NewFuzzing builds Fuzzing's collectors against reg, or returns nil if
// metrics are disabled (reg is nil).
func NewFuzzing(reg *prometheus.Registry) *Fuzzing {
	if reg == nil {
		return nil
	}

	return &Fuzzing{
		iterations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "protofuzz_iterations_total",
				Help: "Total fuzzing iterations by session and verdict",
			},
			[]string{"session_id", "verdict"},
		),
		testDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "protofuzz_test_duration_milliseconds",
				Help: "Duration of a single test case send/receive round trip",
				Buckets: []float64{
					1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000,
				},
			},
			[]string{"session_id"},
		),
		mutationsApplied: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "protofuzz_mutations_applied_total",
				Help: "Total mutations applied by strategy (byte_level, structure_aware)",
			},
			[]string{"session_id", "strategy"},
		),
		fieldMutations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "protofuzz_field_mutations_total",
				Help: "Total structure-aware mutations applied per field name",
			},
			[]string{"session_id", "field"},
		),
		stateTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "protofuzz_state_transitions_total",
				Help: "Total state navigator transitions by source/target state",
			},
			[]string{"session_id", "from_state", "to_state"},
		),
		reconnects: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "protofuzz_transport_reconnects_total",
				Help: "Total managed-transport reconnects across all sessions",
			},
		),
		heartbeats: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "protofuzz_heartbeats_total",
				Help: "Total heartbeat ticks by session and outcome",
			},
			[]string{"session_id", "outcome"},
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "protofuzz_active_sessions",
				Help: "Current number of running fuzzing sessions",
			},
		),
		agentQueueSize: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "protofuzz_agent_queue_size",
				Help: "Current pending work-item count per session's agent queue",
			},
			[]string{"session_id"},
		),
		agentsOnline: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "protofuzz_agents_online",
				Help: "Current number of registered agents with a live heartbeat",
			},
		),
	}
}

func (f *Fuzzing) IncIteration(sessionID, verdict string) {
	if f == nil {
		return
	}
	f.iterations.WithLabelValues(sessionID, verdict).Inc()
}

func (f *Fuzzing) ObserveTestDuration(sessionID string, d time.Duration) {
	if f == nil {
		return
	}
	f.testDuration.WithLabelValues(sessionID).Observe(float64(d.Milliseconds()))
}

func (f *Fuzzing) IncMutation(sessionID, strategy string) {
	if f == nil {
		return
	}
	f.mutationsApplied.WithLabelValues(sessionID, strategy).Inc()
}

func (f *Fuzzing) IncFieldMutation(sessionID, field string) {
	if f == nil || field == "" {
		return
	}
	f.fieldMutations.WithLabelValues(sessionID, field).Inc()
}

func (f *Fuzzing) IncStateTransition(sessionID, fromState, toState string) {
	if f == nil {
		return
	}
	f.stateTransitions.WithLabelValues(sessionID, fromState, toState).Inc()
}

func (f *Fuzzing) IncReconnect() {
	if f == nil {
		return
	}
	f.reconnects.Inc()
}

func (f *Fuzzing) IncHeartbeat(sessionID, outcome string) {
	if f == nil {
		return
	}
	f.heartbeats.WithLabelValues(sessionID, outcome).Inc()
}

func (f *Fuzzing) SetActiveSessions(n int) {
	if f == nil {
		return
	}
	f.activeSessions.Set(float64(n))
}

func (f *Fuzzing) SetAgentQueueSize(sessionID string, n int) {
	if f == nil {
		return
	}
	f.agentQueueSize.WithLabelValues(sessionID).Set(float64(n))
}

func (f *Fuzzing) SetAgentsOnline(n int) {
	if f == nil {
		return
	}
	f.agentsOnline.Set(float64(n))
}
