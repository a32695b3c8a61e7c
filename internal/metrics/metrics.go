// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Matchmaking
	MatchesTotal  prometheus.Counter
	MatchTimeouts prometheus.Counter
	QueueDepth    prometheus.Gauge
	MatchWaitTime prometheus.Histogram

	// Session lifecycle
	SessionTransitions *prometheus.CounterVec
	CheckpointsFired   prometheus.Counter

	// Analysis pipeline
	AnalysisAttempts *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram

	// Gamification
	PointsAwarded *prometheus.CounterVec
	LevelUps      prometheus.Counter
	TasksCreated  *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// New creates and registers all engine metrics. Registration happens once;
// later calls return the shared instance.
func New() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			MatchesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "speakpair_matches_total",
				Help: "Total number of matched pairs",
			}),
			MatchTimeouts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "speakpair_match_timeouts_total",
				Help: "Waiting entries expired without a match",
			}),
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "speakpair_match_queue_depth",
				Help: "Current number of waiting matchmaking entries",
			}),
			MatchWaitTime: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "speakpair_match_wait_seconds",
				Help:    "Time entries waited before being matched",
				Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1s to 128s
			}),
			SessionTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "speakpair_session_transitions_total",
					Help: "Session status transitions",
				},
				[]string{"from", "to"},
			),
			CheckpointsFired: promauto.NewCounter(prometheus.CounterOpts{
				Name: "speakpair_checkpoints_fired_total",
				Help: "Checkpoints delivered to live sessions",
			}),
			AnalysisAttempts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "speakpair_analysis_attempts_total",
					Help: "Analysis attempts by outcome",
				},
				[]string{"outcome"},
			),
			AnalysisDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "speakpair_analysis_duration_seconds",
				Help:    "Duration of successful analysis passes",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to 256s
			}),
			PointsAwarded: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "speakpair_points_awarded_total",
					Help: "Points awarded by category",
				},
				[]string{"category"},
			),
			LevelUps: promauto.NewCounter(prometheus.CounterOpts{
				Name: "speakpair_level_ups_total",
				Help: "Level milestones reached",
			}),
			TasksCreated: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "speakpair_tasks_created_total",
					Help: "Learning tasks created by mistake category",
				},
				[]string{"category"},
			),
		}
	})
	return sharedMetrics
}
