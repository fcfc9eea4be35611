package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/masayay/maispeech/internal/audio"
	"github.com/masayay/maispeech/internal/metrics"
	"github.com/masayay/maispeech/internal/transcription"
	"github.com/masayay/maispeech/internal/vad"
)

// Recognizer transcribes a contiguous waveform. An empty result means nothing
// intelligible was recognized and is not an error.
type Recognizer interface {
	Recognize(ctx context.Context, samples []float32, sampleRate int) (string, error)
}

// SpeechDetector returns the speech spans found in a waveform
type SpeechDetector interface {
	DetectSpeech(ctx context.Context, samples []float32, sampleRate int) ([]vad.Span, error)
}

// TranscriptSink receives recognized text for one session
type TranscriptSink interface {
	SendTranscript(ctx context.Context, text string) error
}

// Saver persists finalized utterances
type Saver interface {
	Save(utteranceID string, samples []float32) (string, error)
}

// Utterance is the materialized content of an utterance buffer at finalize
type Utterance struct {
	ID         string
	SessionID  string
	Samples    []float32
	SampleRate int
	Duration   time.Duration
}

// DispatcherConfig contains dispatcher configuration
type DispatcherConfig struct {
	Recognizer Recognizer
	Saver      Saver // optional
	SampleRate int
	Channels   int
	Metrics    *metrics.Metrics
}

// Dispatcher turns finalized utterances into transcripts
type Dispatcher struct {
	recognizer Recognizer
	saver      Saver
	sampleRate int
	channels   int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewDispatcher creates a new recognition dispatcher
func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) (*Dispatcher, error) {
	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer cannot be nil")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		recognizer: cfg.Recognizer,
		saver:      cfg.Saver,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		metrics:    cfg.Metrics,
		logger:     logger.With(slog.String("component", "dispatcher")),
	}, nil
}

// Finalize drains the session's utterance buffer and recognizes it.
// An empty buffer returns nil without calling the recognizer. Recognition
// failures are returned as *RecognitionError and nothing is delivered.
func (d *Dispatcher) Finalize(ctx context.Context, s *Session) error {
	samples := s.utterance.DrainAll()
	s.publishBuffers()
	if len(samples) == 0 {
		return nil
	}

	utt := Utterance{
		ID:         uuid.New().String(),
		SessionID:  s.ID,
		Samples:    samples,
		SampleRate: d.sampleRate,
		Duration:   audio.SamplesDuration(len(samples), d.sampleRate, d.channels),
	}
	s.utterances.Add(1)
	d.metrics.RecordUtterance(utt.Duration.Seconds())

	d.logger.Debug("Utterance finalized",
		slog.String("session_id", s.ID),
		slog.String("utterance_id", utt.ID),
		slog.Int("samples", len(samples)),
		slog.Duration("duration", utt.Duration),
	)

	start := time.Now()
	recognizeCtx := transcription.WithLabels(ctx, transcription.Labels{
		SessionID:   s.ID,
		UtteranceID: utt.ID,
	})
	text, err := d.recognizer.Recognize(recognizeCtx, utt.Samples, utt.SampleRate)
	elapsed := time.Since(start)
	d.metrics.RecordRecognition(elapsed.Seconds(), err)

	if err != nil {
		s.recognitionFailures.Add(1)
		return &RecognitionError{
			SessionID:   s.ID,
			UtteranceID: utt.ID,
			Samples:     len(samples),
			Err:         err,
		}
	}

	d.logger.Info("Speech recognized",
		slog.String("session_id", s.ID),
		slog.String("utterance_id", utt.ID),
		slog.Duration("audio", utt.Duration),
		slog.Duration("elapsed", elapsed),
		slog.Int("text_length", len(text)),
	)

	var deliverErr error
	if text != "" {
		if err := s.sink.SendTranscript(ctx, text); err != nil {
			deliverErr = fmt.Errorf("failed to deliver transcript for utterance %s: %w", utt.ID, err)
		} else {
			s.transcripts.Add(1)
			d.metrics.RecordTranscriptSent()
		}
	}

	// Recognized audio is kept even when the client is gone
	d.persist(utt)
	return deliverErr
}

// persist saves the utterance when a saver is configured; failures are only logged
func (d *Dispatcher) persist(utt Utterance) {
	if d.saver == nil {
		return
	}

	if _, err := d.saver.Save(utt.ID, utt.Samples); err != nil {
		d.metrics.RecordPersistenceFailure()
		d.logger.Warn("Failed to persist utterance",
			slog.String("session_id", utt.SessionID),
			slog.String("utterance_id", utt.ID),
			slog.String("error", err.Error()),
		)
	}
}
