package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery paths.
const (
	PathForeground = "foreground"
	PathWorker     = "worker"
	PathSweep      = "sweep"
)

// Delivery channels.
const (
	ChannelLocal = "local"
	ChannelBot   = "bot"
)

// Delivery results.
const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

var (
	RemindersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ffdash",
		Name:      "reminders_created_total",
		Help:      "Reminders created, by save mode.",
	}, []string{"mode"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ffdash",
		Name:      "deliveries_total",
		Help:      "Notification delivery attempts.",
	}, []string{"path", "channel", "result"})

	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ffdash",
		Name:      "sweep_runs_total",
		Help:      "Server sweep passes.",
	})

	SweepDue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ffdash",
		Name:      "sweep_due_reminders",
		Help:      "Due reminders found by the last sweep pass.",
	})

	MonitorUp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ffdash",
		Name:      "monitor_up",
		Help:      "1 if the monitored API answered its last health check.",
	})
)

// Delivery records one delivery attempt.
func Delivery(path, channel, result string) {
	Deliveries.WithLabelValues(path, channel, result).Inc()
}
