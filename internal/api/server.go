package api

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/avatar-engine/internal/config"
	"github.com/snarg/avatar-engine/internal/metrics"
	"github.com/snarg/avatar-engine/internal/storage"
	"github.com/snarg/avatar-engine/internal/store"
)

// ServerOptions wires the HTTP server. DB, MQTT, SceneStatus, Web and OpenAPI
// may be empty.
type ServerOptions struct {
	Config       *config.Config
	Conversation Conversation
	State        *store.State
	Frames       FrameSource
	Events       EventSource
	Audio        storage.AudioStore
	DB           Pinger
	MQTT         Connectivity
	SceneStatus  StatusReporter
	Web          fs.FS
	OpenAPI      []byte
	Version      string
	StartTime    time.Time
	Log          zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Logger(opts.Log))
	r.Use(Recoverer)
	r.Use(CORSWithOrigins(cfg.CORSOrigins))
	r.Use(metrics.InstrumentHandler)

	// Metrics and reply audio: no auth. Audio keys are random and fetched by
	// <audio> elements that cannot send headers.
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/audio/*", NewAudioHandler(opts.Audio).ServeAudio)

	health := NewHealthHandler(opts.Conversation, opts.DB, opts.MQTT, opts.SceneStatus, opts.Version, opts.StartTime)
	conv := NewConversationHandler(opts.Conversation)

	r.Route("/api", func(r chi.Router) {
		// Upstream calls cost money; rate limit them per client.
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken), RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))
			conv.Routes(r)
		})

		r.Route("/v1", func(r chi.Router) {
			r.Get("/health", health.ServeHTTP)
			if len(opts.OpenAPI) > 0 {
				r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Type", "application/yaml")
					w.Write(opts.OpenAPI)
				})
			}

			r.Group(func(r chi.Router) {
				r.Use(BearerAuth(cfg.AuthToken))
				NewHistoryHandler(opts.State, opts.Conversation).Routes(r)
				NewAvatarHandler(opts.State, opts.Frames, opts.Conversation, cfg.CORSOrigins).Routes(r)
				NewEventsHandler(opts.Events).Routes(r)
			})
		})
	})

	if opts.Web != nil {
		r.Handle("/*", http.FileServer(http.FS(opts.Web)))
	}

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
