// Command mock-recognizer is a stand-in recognition engine. It accepts the
// multipart WAV upload the service sends and answers with a canned transcript,
// so the service can be exercised end to end without a model.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/masayay/maispeech/internal/audio"
)

type options struct {
	address string
	text    string
	apiKey  string
	delay   time.Duration
}

type recognitionResponse struct {
	RequestID   string    `json:"request_id"`
	Text        string    `json:"text"`
	Confidence  float32   `json:"confidence"`
	Language    string    `json:"language"`
	Duration    float64   `json:"duration"`
	ProcessedAt time.Time `json:"processed_at"`
}

func main() {
	opts := options{}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cmd := &cobra.Command{
		Use:   "mock-recognizer",
		Short: "Serve canned transcripts for uploaded utterances",
		RunE: func(cmd *cobra.Command, args []string) error {
			mux := http.NewServeMux()
			mux.Handle("POST /recognize", newHandler(opts, logger))

			logger.Info("Mock recognizer listening",
				slog.String("endpoint", fmt.Sprintf("http://%s/recognize", opts.address)),
			)
			return http.ListenAndServe(opts.address, mux)
		},
	}

	cmd.Flags().StringVar(&opts.address, "address", "127.0.0.1:9000", "Listen address")
	cmd.Flags().StringVar(&opts.text, "text", "テスト音声の認識結果です", "Transcript returned for every utterance")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "Require this bearer token when set")
	cmd.Flags().DurationVar(&opts.delay, "delay", 200*time.Millisecond, "Simulated processing time")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newHandler(opts options, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if opts.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+opts.apiKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusInternalServerError)
			return
		}

		info, err := audio.GetWAVInfo(data)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid WAV: %v", err), http.StatusBadRequest)
			return
		}

		samples, _, err := audio.DecodeWAV(data)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid WAV: %v", err), http.StatusBadRequest)
			return
		}
		duration := time.Duration(info.Duration * float64(time.Second))

		logger.Info("Recognition request",
			slog.String("request_id", r.FormValue("request_id")),
			slog.String("session_id", r.FormValue("session_id")),
			slog.String("utterance_id", r.FormValue("utterance_id")),
			slog.String("model", r.FormValue("model")),
			slog.String("language", r.FormValue("language")),
			slog.String("filename", header.Filename),
			slog.Int("bytes", len(data)),
			slog.Int("sample_rate", int(info.SampleRate)),
			slog.Int("channels", int(info.Channels)),
			slog.Int("bits_per_sample", int(info.BitsPerSample)),
			slog.Float64("peak", peak(samples)),
			slog.Duration("duration", duration),
		)

		time.Sleep(opts.delay)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recognitionResponse{
			RequestID:   r.FormValue("request_id"),
			Text:        opts.text,
			Confidence:  0.95,
			Language:    r.FormValue("language"),
			Duration:    info.Duration,
			ProcessedAt: time.Now(),
		})
	}
}

func peak(samples []float32) float64 {
	var p float64
	for _, s := range samples {
		p = math.Max(p, math.Abs(float64(s)))
	}
	return p
}
