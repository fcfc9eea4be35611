package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/masayay/maispeech/internal/audio"
	"github.com/masayay/maispeech/internal/config"
	"github.com/masayay/maispeech/internal/inference"
	"github.com/masayay/maispeech/internal/metrics"
	"github.com/masayay/maispeech/internal/persist"
	"github.com/masayay/maispeech/internal/server"
	"github.com/masayay/maispeech/internal/stream"
	"github.com/masayay/maispeech/internal/transcription"
	"github.com/masayay/maispeech/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "maispeech"
	serviceVersion    = "1.0.0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Streaming speech recognition over websockets",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket recognition service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: configuration OK\n", configPath)
		fmt.Fprintf(out, "  listen:       %s\n", cfg.Server.ListenAddress())
		fmt.Fprintf(out, "  audio:        %d Hz, %d ch, %d bit, eval every %v\n",
			cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.BitDepth, cfg.Audio.GetEvalInterval())
		fmt.Fprintf(out, "  recognition:  %s (model %s, %d concurrent)\n",
			cfg.Recognition.Endpoint, cfg.Recognition.Model, cfg.Recognition.MaxConcurrent)
		fmt.Fprintf(out, "  persistence:  %v %s\n", cfg.Persistence.Enabled, cfg.Persistence.Directory)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the service version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, serviceVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("listen_address", cfg.Server.ListenAddress()),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("channels", cfg.Audio.Channels),
		slog.Duration("eval_interval", cfg.Audio.GetEvalInterval()),
		slog.Float64("vad_threshold", cfg.VAD.Threshold),
		slog.String("recognition_endpoint", cfg.Recognition.Endpoint),
		slog.String("recognition_model", cfg.Recognition.Model),
		slog.Bool("persistence", cfg.Persistence.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	recognitionClient, err := transcription.NewClient(transcription.Config{
		Endpoint:   cfg.Recognition.Endpoint,
		APIKey:     cfg.Recognition.APIKey,
		Model:      cfg.Recognition.Model,
		CacheDir:   cfg.Recognition.CacheDir,
		Language:   cfg.Recognition.Language,
		Channels:   cfg.Audio.Channels,
		Timeout:    cfg.Recognition.GetTimeoutDuration(),
		MaxRetries: cfg.Recognition.MaxRetries,
		UserAgent:  serviceName + "/" + serviceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to create recognition client: %w", err)
	}
	defer recognitionClient.Close()

	detector, err := vad.NewDetector(vad.Config{
		Threshold:         cfg.VAD.Threshold,
		WindowSize:        cfg.VAD.WindowSize,
		MinSpeechDuration: cfg.VAD.GetMinSpeechDuration(),
		Channels:          cfg.Audio.Channels,
	})
	if err != nil {
		return fmt.Errorf("failed to create speech detector: %w", err)
	}

	pool, err := inference.NewPool(inference.Config{
		Recognizer:      recognitionClient,
		Detector:        detector,
		MaxRecognitions: cfg.Recognition.MaxConcurrent,
		MaxDetections:   cfg.VAD.MaxConcurrent,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create inference pool: %w", err)
	}

	var saver stream.Saver
	if cfg.Persistence.Enabled {
		writer, err := persist.NewWAVWriter(cfg.Persistence.Directory, audio.Format{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			BitDepth:   cfg.Audio.BitDepth,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create utterance writer: %w", err)
		}
		saver = writer
		logger.Info("Utterance persistence enabled", slog.String("directory", writer.Dir()))
	}

	dispatcher, err := stream.NewDispatcher(stream.DispatcherConfig{
		Recognizer: pool,
		Saver:      saver,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Metrics:    appMetrics,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	manager, err := stream.NewManager(stream.ManagerConfig{
		SampleRate:           cfg.Audio.SampleRate,
		Channels:             cfg.Audio.Channels,
		EvalInterval:         cfg.Audio.GetEvalInterval(),
		MaxUtteranceDuration: cfg.Audio.GetMaxUtteranceDuration(),
		MaxSessions:          cfg.Server.MaxSessions,
	}, pool, dispatcher, appMetrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	srv, err := server.New(server.Deps{
		Name:        serviceName,
		Version:     serviceVersion,
		Config:      cfg,
		Manager:     manager,
		Metrics:     appMetrics,
		Gatherer:    registry,
		Recognition: recognitionClient,
		Detector:    detector,
		Pool:        pool,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", cfg.Server.ListenAddress()),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	// Leave room for the final flush of every open session
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Recognition.GetFlushTimeoutDuration()+5*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping server", slog.String("error", err.Error()))
	}

	stats := recognitionClient.GetStats()
	logger.Info("Service stopped",
		slog.Int("remaining_sessions", manager.Count()),
		slog.Uint64("recognition_requests", stats.TotalRequests),
		slog.Uint64("recognition_successes", stats.SuccessRequests),
		slog.Float64("recognition_success_rate", stats.SuccessRate),
	)

	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
