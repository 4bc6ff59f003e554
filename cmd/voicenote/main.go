// Command voicenote runs the audio transcription service: the HTTP front
// door, the job manager, and the speaker/diarization pipeline behind it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
	"github.com/Skyjoy0512/voicenote/internal/audio"
	"github.com/Skyjoy0512/voicenote/internal/blob"
	"github.com/Skyjoy0512/voicenote/internal/chunk"
	"github.com/Skyjoy0512/voicenote/internal/config"
	"github.com/Skyjoy0512/voicenote/internal/diarize"
	"github.com/Skyjoy0512/voicenote/internal/dispatch"
	"github.com/Skyjoy0512/voicenote/internal/docstore"
	"github.com/Skyjoy0512/voicenote/internal/fingerprint"
	"github.com/Skyjoy0512/voicenote/internal/health"
	"github.com/Skyjoy0512/voicenote/internal/httpapi"
	"github.com/Skyjoy0512/voicenote/internal/job"
	"github.com/Skyjoy0512/voicenote/internal/observe"
	"github.com/Skyjoy0512/voicenote/internal/voicelearn"
	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
	"github.com/Skyjoy0512/voicenote/pkg/provider/speech/assemblyai"
	"github.com/Skyjoy0512/voicenote/pkg/provider/speech/azure"
	"github.com/Skyjoy0512/voicenote/pkg/provider/speech/deepgram"
	"github.com/Skyjoy0512/voicenote/pkg/provider/speech/google"
	openaispeech "github.com/Skyjoy0512/voicenote/pkg/provider/speech/openai"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 external dependency
// failure.
const (
	exitOK     = 0
	exitConfig = 1
	exitDeps   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicenote: %v\n", err)
		return exitConfig
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("voicenote starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicenote"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitConfig
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// Document store.
	docs, err := docstore.NewBadger(docstore.BadgerOptions{
		Dir:      cfg.Storage.BadgerDir,
		InMemory: cfg.Storage.BadgerDir == "",
	})
	if err != nil {
		slog.Error("failed to open document store", "err", err)
		return exitDeps
	}
	defer docs.Close()
	if cfg.Storage.BadgerDir == "" {
		slog.Warn("badger_dir not configured, documents are not persisted")
	}

	// Object store.
	if cfg.Storage.S3Bucket == "" {
		slog.Error("storage.s3_bucket is required")
		return exitConfig
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS credentials", "err", err)
		return exitDeps
	}
	fetcher := blob.NewS3(s3.NewFromConfig(awsCfg), cfg.Storage.S3Bucket, cfg.Storage.S3Prefix)

	// Fingerprint store: Postgres with pgvector when configured, document
	// store otherwise.
	var fingerprints fingerprint.Store
	if cfg.Fingerprints.PostgresDSN != "" {
		pg, err := fingerprint.NewPostgres(ctx, cfg.Fingerprints.PostgresDSN, cfg.Fingerprints.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to connect fingerprint database", "err", err)
			return exitDeps
		}
		defer pg.Close()
		fingerprints = pg
	} else {
		slog.Warn("postgres_dsn not configured, storing fingerprints in the document store")
		fingerprints = fingerprint.NewDocStore(docs)
	}

	// Diarizer.
	var diarizer diarize.Diarizer
	if cfg.Diarization.Mock || cfg.Diarization.SegmentationModel == "" {
		slog.Warn("diarization models not configured, using the mock diarizer")
		diarizer = &diarize.Mock{}
	} else {
		diarizer, err = diarize.NewSherpa(diarize.SherpaConfig{
			SegmentationModel: cfg.Diarization.SegmentationModel,
			EmbeddingModel:    cfg.Diarization.EmbeddingModel,
			NumThreads:        cfg.Diarization.NumThreads,
			Provider:          cfg.Diarization.Provider,
		}, logger)
		if err != nil {
			slog.Error("failed to load diarization models", "err", err)
			return exitDeps
		}
	}
	defer diarizer.Close()

	// Speech providers and pipeline.
	registry := config.NewRegistry()
	registerSpeechProviders(registry, cfg.Storage.FFmpegPath)

	dispatcher := dispatch.New(int64(cfg.Jobs.MaxProviderCalls), metrics, logger)
	preprocessor := &audio.Preprocessor{FFmpegPath: cfg.Storage.FFmpegPath}

	orch := &job.Orchestrator{
		Blob:         fetcher,
		Docs:         docs,
		Fingerprints: fingerprints,
		Diarizer:     diarizer,
		Dispatcher:   dispatcher,
		Registry:     registry,
		Providers:    cfg.Providers,
		Preprocessor: preprocessor,
		Splitter:     &chunk.Splitter{FFmpegPath: cfg.Storage.FFmpegPath},
		ScratchRoot:  cfg.Storage.ScratchDir,
		Metrics:      metrics,
		Log:          logger,
	}
	manager := job.NewManager(orch, int64(cfg.Jobs.MaxConcurrentJobs), metrics, logger)

	learner := &voicelearn.Service{
		Fingerprints: fingerprints,
		Embedder:     diarizer,
		Preprocessor: preprocessor,
		ScratchDir:   cfg.Storage.ScratchDir,
		Metrics:      metrics,
		Log:          logger,
	}

	checks := health.New(
		health.Checker{Name: "docstore", Check: func(ctx context.Context) error {
			var probe map[string]any
			err := docs.Get(ctx, "healthz/probe", &probe)
			if apperr.KindOf(err) == apperr.KindNotFound {
				return nil
			}
			return err
		}},
		health.Checker{Name: "fingerprints", Check: func(ctx context.Context) error {
			_, err := fingerprints.Stats(ctx, "healthz-probe")
			return err
		}},
	)

	api := &httpapi.Server{
		Manager:      manager,
		Docs:         docs,
		Blob:         fetcher,
		Fingerprints: fingerprints,
		Diarizer:     diarizer,
		Dispatcher:   dispatcher,
		Registry:     registry,
		Preprocessor: preprocessor,
		Learner:      learner,
		Health:       checks,
		ScratchDir:   cfg.Storage.ScratchDir,
		Metrics:      metrics,
		Log:          logger,
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return exitDeps
		}
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("jobs did not finish in time", "err", err)
		return exitDeps
	}
	slog.Info("goodbye")
	return exitOK
}

// registerSpeechProviders wires every built-in speech backend into reg. Each
// factory maps a [config.ProviderEntry] onto the adapter's functional
// options.
func registerSpeechProviders(reg *config.Registry, ffmpegPath string) {
	reg.RegisterSpeech("openai", func(entry config.ProviderEntry) (speech.Provider, error) {
		opts := []openaispeech.Option{openaispeech.WithFFmpeg(ffmpegPath)}
		if entry.BaseURL != "" {
			opts = append(opts, openaispeech.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.Options["language"]; lang != "" {
			opts = append(opts, openaispeech.WithLanguage(lang))
		}
		return openaispeech.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSpeech("deepgram", func(entry config.ProviderEntry) (speech.Provider, error) {
		opts := []deepgram.Option{deepgram.WithFFmpeg(ffmpegPath)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := entry.Options["language"]; lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSpeech("assemblyai", func(entry config.ProviderEntry) (speech.Provider, error) {
		opts := []assemblyai.Option{assemblyai.WithFFmpeg(ffmpegPath)}
		if entry.BaseURL != "" {
			opts = append(opts, assemblyai.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.Options["language"]; lang != "" {
			opts = append(opts, assemblyai.WithLanguage(lang))
		}
		return assemblyai.New(entry.APIKey, opts...)
	})

	reg.RegisterSpeech("azure", func(entry config.ProviderEntry) (speech.Provider, error) {
		opts := []azure.Option{azure.WithFFmpeg(ffmpegPath)}
		if entry.Region != "" {
			opts = append(opts, azure.WithRegion(entry.Region))
		}
		if entry.BaseURL != "" {
			opts = append(opts, azure.WithEndpoint(entry.BaseURL))
		}
		if lang := entry.Options["language"]; lang != "" {
			opts = append(opts, azure.WithLanguage(lang))
		}
		return azure.New(entry.APIKey, opts...)
	})

	reg.RegisterSpeech("google", func(entry config.ProviderEntry) (speech.Provider, error) {
		opts := []google.Option{google.WithFFmpeg(ffmpegPath)}
		if entry.Model != "" {
			opts = append(opts, google.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, google.WithEndpoint(entry.BaseURL))
		}
		if lang := entry.Options["language"]; lang != "" {
			opts = append(opts, google.WithLanguage(lang))
		}
		return google.New(entry.APIKey, opts...)
	})
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
