package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	avatarengine "github.com/snarg/avatar-engine"
	"github.com/snarg/avatar-engine/internal/api"
	"github.com/snarg/avatar-engine/internal/avatar"
	"github.com/snarg/avatar-engine/internal/config"
	"github.com/snarg/avatar-engine/internal/database"
	"github.com/snarg/avatar-engine/internal/events"
	"github.com/snarg/avatar-engine/internal/llm"
	"github.com/snarg/avatar-engine/internal/metrics"
	"github.com/snarg/avatar-engine/internal/mqttclient"
	"github.com/snarg/avatar-engine/internal/playback"
	"github.com/snarg/avatar-engine/internal/relay"
	"github.com/snarg/avatar-engine/internal/scene"
	"github.com/snarg/avatar-engine/internal/storage"
	"github.com/snarg/avatar-engine/internal/store"
	"github.com/snarg/avatar-engine/internal/transcribe"
	"github.com/snarg/avatar-engine/internal/tts"
)

func newServeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and render tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := config.ResolveOverrides(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(overrides)
		},
	}
	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "optional config file (yaml, toml or json) for the flag values below")
	f.String("env-file", "", "path to .env file (default .env)")
	f.String("listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	f.String("log-level", "", "log level (overrides LOG_LEVEL)")
	f.String("database-url", "", "PostgreSQL URL for history (overrides DATABASE_URL)")
	f.String("audio-dir", "", "reply audio directory (overrides AUDIO_DIR)")
	f.String("model", "", "avatar .glb/.gltf path (overrides MODEL_PATH)")
	return cmd
}

func serve(overrides config.Overrides) error {
	startTime := time.Now()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Error().Err(err).Msg("failed to load config")
		return err
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("avatar-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// History persistence: Postgres when configured, JSON file otherwise
	var (
		db        *database.DB
		persister store.Persister
	)
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Open(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			return fmt.Errorf("open history database: %w", err)
		}
		defer db.Close()
		persister = database.NewHistoryStore(db)
	} else {
		persister = store.NewFilePersister(cfg.HistoryFile)
	}

	state, err := store.Open(ctx, persister, cfg.HistoryLimit, log.With().Str("component", "store").Logger())
	if err != nil {
		return err
	}

	// Reply audio storage
	storeLog := log.With().Str("component", "storage").Logger()
	audioStore, services, err := storage.New(cfg.S3, cfg.AudioDir, cfg.AudioRetention, storeLog)
	if err != nil {
		return err
	}
	for _, svc := range services {
		svc.Start()
		defer svc.Stop()
	}
	log.Info().Str("type", audioStore.Type()).Str("dir", cfg.AudioDir).Msg("audio storage ready")

	// Providers
	opts := relay.Options{
		Audio: audioStore,
		State: state,
		Log:   log,
	}
	if err := wireProviders(ctx, cfg, &opts, log); err != nil {
		return err
	}

	bus := events.NewBus(512)
	opts.Bus = bus

	// Playback and render tick
	player := playback.NewPlayer(playback.SystemClock{})
	opts.Player = player

	sc := scene.Default()
	if cfg.ModelPath != "" {
		if sc, err = scene.Load(cfg.ModelPath); err != nil {
			return fmt.Errorf("load model: %w", err)
		}
	}
	driver, err := avatar.NewDriver(avatar.Options{
		Player:      player,
		Scene:       sc,
		HeadNode:    cfg.HeadNode,
		TeethNode:   cfg.TeethNode,
		FrameRate:   cfg.FrameRate,
		ResetOnStop: cfg.ResetOnStop,
		Log:         log.With().Str("component", "avatar").Logger(),
	})
	if err != nil {
		return err
	}
	log.Info().Str("model", sc.Source).Strs("nodes", sc.Names()).Msg("scene loaded")
	driver.Start()
	defer driver.Stop()

	var sceneStatus api.StatusReporter
	if cfg.ModelPath != "" {
		watcher := scene.NewWatcher(cfg.ModelPath, func(s *scene.Scene) {
			if err := driver.SetScene(s); err != nil {
				log.Warn().Err(err).Msg("reloaded model rejected")
				return
			}
			bus.Publish(events.TypeSceneReloaded, map[string]any{"source": s.Source, "nodes": s.Names()})
		}, log)
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("model hot reload disabled")
		} else {
			defer watcher.Stop()
		}
		sceneStatus = watcher
	}

	rel := relay.New(opts)

	// MQTT (optional)
	var mqttStatus api.Connectivity
	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqtt, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         mqttLog,
		})
		if err != nil {
			return fmt.Errorf("connect mqtt broker: %w", err)
		}
		defer mqtt.Close()
		mqtt.Mirror(bus)
		mqtt.SetCommandHandler(commandHandler(ctx, rel, mqttLog))
		mqttStatus = mqtt
	}

	// Metrics
	var pool *pgxpool.Pool
	if db != nil {
		pool = db.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(pool, liveStats{state: state, bus: bus}))

	web, err := fs.Sub(avatarengine.WebFiles, "web")
	if err != nil {
		return err
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srvOpts := api.ServerOptions{
		Config:       cfg,
		Conversation: rel,
		State:        state,
		Frames:       driver,
		Events:       bus,
		Audio:        audioStore,
		MQTT:         mqttStatus,
		SceneStatus:  sceneStatus,
		Web:          web,
		OpenAPI:      avatarengine.OpenAPISpec,
		Version:      version,
		StartTime:    startTime,
		Log:          httpLog,
	}
	if db != nil {
		srvOpts.DB = db
	}
	srv := api.NewServer(srvOpts)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	player.Stop()

	log.Info().Msg("avatar-engine stopped")
	return nil
}

// wireProviders fills the LLM, TTS and STT providers from config. Missing
// keys leave a provider nil; the matching endpoints then answer not_configured.
func wireProviders(ctx context.Context, cfg *config.Config, opts *relay.Options, log zerolog.Logger) error {
	if cfg.GeminiAPIKey != "" {
		g, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiModel,
			SystemPrompt: cfg.SystemPrompt,
			Timeout:      cfg.UpstreamTimeout,
		}, log)
		if err != nil {
			return err
		}
		opts.LLM = g
		log.Info().Str("model", g.Model()).Msg("language model configured")
	} else {
		log.Warn().Msg("GEMINI_API_KEY not set, conversation endpoints disabled")
	}

	switch strings.ToLower(cfg.TTSProvider) {
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			return fmt.Errorf("TTS_PROVIDER=deepgram requires DEEPGRAM_API_KEY")
		}
		opts.TTS = tts.NewDeepgramClient("", cfg.DeepgramAPIKey, cfg.DeepgramModel, cfg.UpstreamTimeout)
	case "elevenlabs":
		if cfg.ElevenLabsAPIKey == "" {
			return fmt.Errorf("TTS_PROVIDER=elevenlabs requires ELEVENLABS_API_KEY")
		}
		opts.TTS = tts.NewElevenLabsClient("", cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID, cfg.ElevenLabsModel, cfg.UpstreamTimeout)
	case "", "none":
		log.Info().Msg("no TTS provider, replies are text only")
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q", cfg.TTSProvider)
	}
	if opts.TTS != nil {
		log.Info().Str("provider", opts.TTS.Name()).Str("model", opts.TTS.Model()).Msg("speech synthesis configured")
	}

	switch strings.ToLower(cfg.STTProvider) {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			log.Warn().Msg("STT_PROVIDER=gemini without GEMINI_API_KEY, transcription disabled")
			break
		}
		c, err := transcribe.NewGeminiClientFromKey(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return err
		}
		opts.STT = c
	case "whisper":
		if cfg.WhisperURL == "" {
			return fmt.Errorf("STT_PROVIDER=whisper requires WHISPER_URL")
		}
		opts.STT = transcribe.NewWhisperClient(cfg.WhisperURL, cfg.WhisperAPIKey, cfg.WhisperModel, cfg.UpstreamTimeout)
	case "elevenlabs":
		if cfg.ElevenLabsAPIKey == "" {
			return fmt.Errorf("STT_PROVIDER=elevenlabs requires ELEVENLABS_API_KEY")
		}
		opts.STT = transcribe.NewElevenLabsClient("", cfg.ElevenLabsAPIKey, cfg.ElevenLabsSTTModel, cfg.UpstreamTimeout)
	case "", "none":
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", cfg.STTProvider)
	}
	if opts.STT != nil {
		log.Info().Str("provider", opts.STT.Name()).Str("model", opts.STT.Model()).Msg("transcription configured")
	}
	return nil
}
