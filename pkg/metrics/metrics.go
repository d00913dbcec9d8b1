package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Session lifecycle metrics
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	IgnoredEvents    *prometheus.CounterVec

	// Conversation metrics
	TranscriptEntries *prometheus.CounterVec
	SpeechEvents      *prometheus.CounterVec
	MuteToggles       *prometheus.CounterVec

	// Transport metrics
	TransportErrors  prometheus.Counter
	ProviderCommands *prometheus.CounterVec

	// Collaborator metrics
	HistoryRecords  *prometheus.CounterVec
	BookmarkToggles *prometheus.CounterVec
	AMQPPublished   *prometheus.CounterVec
	AMQPConnected   prometheus.Gauge
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companion_sessions_started_total",
			Help: "Total number of voice sessions started",
		})

		SessionsFinished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_sessions_finished_total",
				Help: "Total number of voice sessions finished, by what finished them",
			},
			[]string{"reason"},
		)

		SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "companion_sessions_active",
			Help: "Number of sessions currently active",
		})

		SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "companion_session_duration_seconds",
			Help:    "Duration of voice sessions from start to finish",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~42min
		})

		IgnoredEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_ignored_events_total",
				Help: "Provider events dropped because the session was not in a state to accept them",
			},
			[]string{"event"},
		)

		TranscriptEntries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_transcript_entries_total",
				Help: "Final transcript entries appended to the conversation log",
			},
			[]string{"role"},
		)

		SpeechEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_speech_events_total",
				Help: "Speech start and end events applied to an active session",
			},
			[]string{"event"},
		)

		MuteToggles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_mute_toggles_total",
				Help: "Microphone mute toggles by resulting state",
			},
			[]string{"muted"},
		)

		TransportErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companion_transport_errors_total",
			Help: "Error events emitted by the voice provider",
		})

		ProviderCommands = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_provider_commands_total",
				Help: "Commands issued to the voice provider",
			},
			[]string{"command", "status"},
		)

		HistoryRecords = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_history_records_total",
				Help: "Session history recordings by outcome",
			},
			[]string{"status"},
		)

		BookmarkToggles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_bookmark_toggles_total",
				Help: "Bookmark toggles by action and outcome",
			},
			[]string{"action", "status"},
		)

		AMQPPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_amqp_published_messages_total",
				Help: "Messages published to AMQP",
			},
			[]string{"queue", "status"},
		)

		AMQPConnected = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "companion_amqp_connection_status",
			Help: "AMQP connection status (1 = connected, 0 = disconnected)",
		})

		registry.MustRegister(
			SessionsStarted,
			SessionsFinished,
			SessionsActive,
			SessionDuration,
			IgnoredEvents,
			TranscriptEntries,
			SpeechEvents,
			MuteToggles,
			TransportErrors,
			ProviderCommands,
			HistoryRecords,
			BookmarkToggles,
			AMQPPublished,
			AMQPConnected,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry, nil before Init
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsEnabled enables or disables metrics collection
func SetMetricsEnabled(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// Handler returns the promhttp handler for the registry
func Handler() http.Handler {
	if registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          registry,
	})
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled && registry != nil {
		mux.Handle(defaultMetricsPath, Handler())
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		SetMetricsEnabled(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	SetMetricsEnabled(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

func ready() bool {
	return metricsEnabled && registry != nil
}

// RecordSessionStarted counts a session entering Connecting
func RecordSessionStarted() {
	if ready() {
		SessionsStarted.Inc()
	}
}

// RecordSessionActive marks a session as active
func RecordSessionActive() {
	if ready() {
		SessionsActive.Inc()
	}
}

// RecordSessionFinished counts a finished session. wasActive tells whether the
// session had been counted in the active gauge.
func RecordSessionFinished(reason string, wasActive bool, duration time.Duration) {
	if !ready() {
		return
	}
	SessionsFinished.WithLabelValues(reason).Inc()
	if wasActive {
		SessionsActive.Dec()
	}
	if duration > 0 {
		SessionDuration.Observe(duration.Seconds())
	}
}

// RecordIgnoredEvent counts a provider event dropped by a state guard
func RecordIgnoredEvent(event string) {
	if ready() {
		IgnoredEvents.WithLabelValues(event).Inc()
	}
}

// RecordTranscriptEntry counts an appended final transcript
func RecordTranscriptEntry(role string) {
	if ready() {
		TranscriptEntries.WithLabelValues(role).Inc()
	}
}

// RecordSpeechEvent counts a speech start/end applied to an active session
func RecordSpeechEvent(event string) {
	if ready() {
		SpeechEvents.WithLabelValues(event).Inc()
	}
}

// RecordMuteToggle counts a mute toggle by its resulting state
func RecordMuteToggle(muted bool) {
	if !ready() {
		return
	}
	label := "false"
	if muted {
		label = "true"
	}
	MuteToggles.WithLabelValues(label).Inc()
}

// RecordTransportError counts a provider error event
func RecordTransportError() {
	if ready() {
		TransportErrors.Inc()
	}
}

// RecordProviderCommand counts a command issued to the provider
func RecordProviderCommand(command string, err error) {
	if ready() {
		ProviderCommands.WithLabelValues(command, status(err)).Inc()
	}
}

// RecordHistory counts a session history recording attempt
func RecordHistory(err error) {
	if ready() {
		HistoryRecords.WithLabelValues(status(err)).Inc()
	}
}

// RecordBookmarkToggle counts a bookmark add or remove
func RecordBookmarkToggle(action string, err error) {
	if ready() {
		BookmarkToggles.WithLabelValues(action, status(err)).Inc()
	}
}

// RecordAMQPPublish records an AMQP publish attempt
func RecordAMQPPublish(queue string, err error) {
	if ready() {
		AMQPPublished.WithLabelValues(queue, status(err)).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if !ready() {
		return
	}
	if connected {
		AMQPConnected.Set(1)
	} else {
		AMQPConnected.Set(0)
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
