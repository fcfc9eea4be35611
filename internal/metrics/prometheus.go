package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the speech service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Frame metrics
	FramesReceived prometheus.Counter
	FrameErrors    prometheus.Counter
	SamplesIn      prometheus.Counter

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsOpened   prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionsRejected *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Evaluation metrics
	EvaluationTicks   *prometheus.CounterVec
	VADProcessingTime prometheus.Histogram

	// Utterance metrics
	UtterancesFinalized prometheus.Counter
	UtteranceDuration   prometheus.Histogram
	TranscriptsSent     prometheus.Counter

	// Recognition metrics
	RecognitionRequests prometheus.Counter
	RecognitionFailures prometheus.Counter
	RecognitionDuration prometheus.Histogram

	// Persistence metrics
	PersistenceFailures prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Frame metrics
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "maispeech_frames_received_total",
			Help: "Total number of binary audio frames received",
		}),
		FrameErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "maispeech_frame_errors_total",
			Help: "Total number of rejected audio frames",
		}),
		SamplesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "maispeech_samples_received_total",
			Help: "Total number of audio samples received",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "maispeech_active_sessions",
			Help: "Current number of registered sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "maispeech_sessions_opened_total",
			Help: "Total number of sessions opened",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "maispeech_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		SessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maispeech_sessions_rejected_total",
			Help: "Total number of rejected session registrations",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "maispeech_session_duration_seconds",
			Help:    "Lifetime of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34 minutes
		}),

		// Evaluation metrics
		EvaluationTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maispeech_evaluation_ticks_total",
			Help: "Total number of evaluation ticks by resulting transition",
		}, []string{"transition"}),
		VADProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "maispeech_vad_duration_seconds",
			Help:    "Time spent in voice activity detection per tick",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~200ms
		}),

		// Utterance metrics
		UtterancesFinalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "maispeech_utterances_finalized_total",
			Help: "Total number of non-empty utterances handed to recognition",
		}),
		UtteranceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "maispeech_utterance_duration_seconds",
			Help:    "Duration of finalized utterances",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s to ~1 minute
		}),
		TranscriptsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "maispeech_transcripts_sent_total",
			Help: "Total number of transcripts delivered to clients",
		}),

		// Recognition metrics
		RecognitionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "maispeech_recognition_requests_total",
			Help: "Total number of recognition calls",
		}),
		RecognitionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "maispeech_recognition_failures_total",
			Help: "Total number of failed recognition calls",
		}),
		RecognitionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "maispeech_recognition_duration_seconds",
			Help:    "Duration of recognition calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		// Persistence metrics
		PersistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "maispeech_persistence_failures_total",
			Help: "Total number of failed utterance saves",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maispeech_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maispeech_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordFrame records an accepted audio frame
func (m *Metrics) RecordFrame(samples int) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	m.SamplesIn.Add(float64(samples))
}

// RecordFrameError increments the rejected frames counter
func (m *Metrics) RecordFrameError() {
	if m == nil {
		return
	}
	m.FrameErrors.Inc()
}

// RecordSessionOpened records a registered session
func (m *Metrics) RecordSessionOpened(active int) {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
	m.ActiveSessions.Set(float64(active))
}

// RecordSessionClosed records a removed session and its lifetime
func (m *Metrics) RecordSessionClosed(active int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.ActiveSessions.Set(float64(active))
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionRejected increments the rejected sessions counter
func (m *Metrics) RecordSessionRejected(reason string) {
	if m == nil {
		return
	}
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

// RecordTick records one evaluation tick
func (m *Metrics) RecordTick(transition string, vadSeconds float64) {
	if m == nil {
		return
	}
	m.EvaluationTicks.WithLabelValues(transition).Inc()
	m.VADProcessingTime.Observe(vadSeconds)
}

// RecordUtterance records a finalized non-empty utterance
func (m *Metrics) RecordUtterance(durationSeconds float64) {
	if m == nil {
		return
	}
	m.UtterancesFinalized.Inc()
	m.UtteranceDuration.Observe(durationSeconds)
}

// RecordRecognition records one recognition call
func (m *Metrics) RecordRecognition(durationSeconds float64, err error) {
	if m == nil {
		return
	}
	m.RecognitionRequests.Inc()
	m.RecognitionDuration.Observe(durationSeconds)
	if err != nil {
		m.RecognitionFailures.Inc()
	}
}

// RecordTranscriptSent increments the delivered transcripts counter
func (m *Metrics) RecordTranscriptSent() {
	if m == nil {
		return
	}
	m.TranscriptsSent.Inc()
}

// RecordPersistenceFailure increments the persistence failures counter
func (m *Metrics) RecordPersistenceFailure() {
	if m == nil {
		return
	}
	m.PersistenceFailures.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
