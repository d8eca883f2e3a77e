package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Buffer metrics
	BufferGenerations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zeroloop_buffer_generations",
			Help: "Number of generations currently in the replay window",
		},
	)

	BufferGames = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zeroloop_buffer_games_total",
			Help: "Total number of games in the replay window",
		},
	)

	BufferPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zeroloop_buffer_positions_total",
			Help: "Total number of positions in the replay window",
		},
	)

	// Loop metrics
	GenerationsFinished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zeroloop_generations_finished_total",
			Help: "Total number of generations trained and marked finished",
		},
	)

	CurrentGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zeroloop_current_generation",
			Help: "Index of the generation the loop is currently working on",
		},
	)

	TrainSteps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zeroloop_train_steps_total",
			Help: "Total number of training steps executed",
		},
	)

	TrainStepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zeroloop_train_step_duration_seconds",
			Help:    "Duration of a single training step in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SelfplayWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zeroloop_selfplay_wait_duration_seconds",
			Help:    "Time spent waiting for the self-play worker per generation",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	// Channel metrics
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zeroloop_selfplay_messages_sent_total",
			Help: "Total number of protocol messages sent to the self-play worker",
		},
		[]string{"command"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(BufferGenerations)
	prometheus.MustRegister(BufferGames)
	prometheus.MustRegister(BufferPositions)
	prometheus.MustRegister(GenerationsFinished)
	prometheus.MustRegister(CurrentGeneration)
	prometheus.MustRegister(TrainSteps)
	prometheus.MustRegister(TrainStepDuration)
	prometheus.MustRegister(SelfplayWaitDuration)
	prometheus.MustRegister(MessagesSent)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
