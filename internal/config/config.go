package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken      string   `env:"AUTH_TOKEN"`
	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:","`
	RateLimitRPS   float64  `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"10"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`

	// Language model
	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	GeminiModel  string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	SystemPrompt string `env:"SYSTEM_PROMPT" envDefault:"You are a friendly animated assistant. Keep replies short and conversational."`

	// Speech synthesis
	TTSProvider       string `env:"TTS_PROVIDER"` // "deepgram", "elevenlabs", or "" (text-only replies)
	DeepgramAPIKey    string `env:"DEEPGRAM_API_KEY"`
	DeepgramModel     string `env:"DEEPGRAM_MODEL" envDefault:"aura-asteria-en"`
	ElevenLabsAPIKey  string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID string `env:"ELEVENLABS_VOICE_ID" envDefault:"21m00Tcm4TlvDq8ikWAM"`
	ElevenLabsModel   string `env:"ELEVENLABS_MODEL" envDefault:"eleven_turbo_v2_5"`

	// Speech recognition
	STTProvider        string `env:"STT_PROVIDER" envDefault:"gemini"` // "gemini", "whisper", "elevenlabs", or "none"
	WhisperURL         string `env:"WHISPER_URL"`
	WhisperAPIKey      string `env:"WHISPER_API_KEY"`
	WhisperModel       string `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	ElevenLabsSTTModel string `env:"ELEVENLABS_STT_MODEL" envDefault:"scribe_v1"`

	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`

	// Reply audio
	AudioDir       string        `env:"AUDIO_DIR" envDefault:"./audio"`
	AudioRetention time.Duration `env:"AUDIO_RETENTION" envDefault:"24h"`
	S3             S3Config

	// Conversation history
	HistoryFile  string `env:"HISTORY_FILE" envDefault:"./data/history.json"`
	HistoryLimit int    `env:"HISTORY_LIMIT" envDefault:"200"`
	DatabaseURL  string `env:"DATABASE_URL"` // when set, history lives in Postgres instead of HISTORY_FILE

	// Avatar
	ModelPath   string `env:"MODEL_PATH"`
	HeadNode    string `env:"HEAD_NODE" envDefault:"Wolf3D_Head"`
	TeethNode   string `env:"TEETH_NODE" envDefault:"Wolf3D_Teeth"`
	FrameRate   int    `env:"FRAME_RATE" envDefault:"30"`
	ResetOnStop bool   `env:"RESET_ON_STOP" envDefault:"true"`

	// Optional event mirroring
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"avatar-engine"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"avatar"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
}

// S3Config configures the optional S3 backend for reply audio.
type S3Config struct {
	Bucket        string        `env:"S3_BUCKET"`
	Endpoint      string        `env:"S3_ENDPOINT"`
	Region        string        `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey     string        `env:"S3_ACCESS_KEY"`
	SecretKey     string        `env:"S3_SECRET_KEY"`
	Prefix        string        `env:"S3_PREFIX"`
	PresignExpiry time.Duration `env:"S3_PRESIGN_EXPIRY" envDefault:"1h"`
	LocalCache    bool          `env:"S3_LOCAL_CACHE" envDefault:"true"`
}

// Enabled reports whether an S3 bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	AudioDir    string
	ModelPath   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}
	if overrides.ModelPath != "" {
		cfg.ModelPath = overrides.ModelPath
	}

	return cfg, nil
}
