package persist

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/masayay/maispeech/internal/audio"
)

// Error reports a failed utterance save
type Error struct {
	UtteranceID string
	Path        string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to save utterance %s to %s: %v", e.UtteranceID, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WAVWriter writes utterances into a directory as voice_<timestamp>_<id>.wav
type WAVWriter struct {
	dir    string
	format audio.Format
	logger *slog.Logger
	now    func() time.Time
}

// NewWAVWriter creates the target directory if needed and returns a writer
func NewWAVWriter(dir string, format audio.Format, logger *slog.Logger) (*WAVWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("persistence directory cannot be empty")
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid persistence format: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create persistence directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WAVWriter{
		dir:    dir,
		format: format,
		logger: logger.With(slog.String("component", "persist")),
		now:    time.Now,
	}, nil
}

// Save encodes samples and writes them to a new file, returning its path
func (w *WAVWriter) Save(utteranceID string, samples []float32) (string, error) {
	suffix := utteranceID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	name := fmt.Sprintf("voice_%s_%s.wav", w.now().Format("20060102_150405"), suffix)
	path := filepath.Join(w.dir, name)

	data, err := audio.EncodeWAV(samples, w.format)
	if err != nil {
		return "", &Error{UtteranceID: utteranceID, Path: path, Err: err}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", &Error{UtteranceID: utteranceID, Path: path, Err: err}
	}

	w.logger.Debug("Utterance saved",
		slog.String("utterance_id", utteranceID),
		slog.String("path", path),
		slog.Int("bytes", len(data)))

	return path, nil
}

// Dir returns the target directory
func (w *WAVWriter) Dir() string {
	return w.dir
}
