package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Planner backends.
const (
	PlannerGemini = "gemini"
	PlannerOllama = "ollama"
)

// MQTT holds the optional lifecycle event broker.
type MQTT struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// Config holds all runtime configuration. Values come from defaults, then
// an optional YAML file, then environment variables.
type Config struct {
	// Server
	Port        int           `yaml:"port"`
	MaxUploadMB float64       `yaml:"max_upload_mb"`
	WebRTC      bool          `yaml:"webrtc"` // serve the /offer preview channel
	LogLevel    string        `yaml:"log_level"`
	SessionTTL  time.Duration `yaml:"session_ttl"` // idle sessions are dropped with their frames

	// Gemini
	APIKey        string `yaml:"api_key"`
	PlannerModel  string `yaml:"planner_model"`
	RendererModel string `yaml:"renderer_model"`

	// Motion planning backend: gemini or ollama
	Planner     string `yaml:"planner"`
	OllamaURL   string `yaml:"ollama_url"`
	OllamaModel string `yaml:"ollama_model"`

	// Generation behavior
	DefaultLang       string `yaml:"default_lang"`
	DefaultFrames     int    `yaml:"default_frames"`
	RenderParallelism int    `yaml:"render_parallelism"` // 1 renders strictly in order
	RenderRPM         int    `yaml:"render_rpm"`         // 0 disables pacing

	// Persistence
	DBPath      string `yaml:"db_path"`
	DatabaseURL string `yaml:"database_url"` // PostgreSQL; overrides DBPath

	MQTT MQTT `yaml:"mqtt"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:              8080,
		MaxUploadMB:       20,
		WebRTC:            true,
		LogLevel:          "info",
		SessionTTL:        30 * time.Minute,
		PlannerModel:      "gemini-2.5-flash",
		RendererModel:     "gemini-2.5-flash-image",
		Planner:           PlannerGemini,
		OllamaModel:       "llama3.2-vision",
		DefaultLang:       "ja",
		DefaultFrames:     5,
		RenderParallelism: 1,
		DBPath:            "tween.db",
		MQTT:              MQTT{Prefix: "tween"},
	}
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return fromEnv(Defaults())
}

// LoadFile reads a YAML file as the base layer, then applies environment
// variables on top. An empty path behaves like Load.
func LoadFile(path string) (Config, error) {
	base := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&base); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return fromEnv(base), nil
}

func fromEnv(base Config) Config {
	apiKey := envStr("GEMINI_API_KEY", envStr("API_KEY", base.APIKey))

	return Config{
		Port:        envInt("TWEEN_PORT", base.Port),
		MaxUploadMB: envFloat("TWEEN_MAX_UPLOAD_MB", base.MaxUploadMB),
		WebRTC:      envBool("TWEEN_WEBRTC", base.WebRTC),
		LogLevel:    envStr("TWEEN_LOG_LEVEL", base.LogLevel),
		SessionTTL:  envDuration("TWEEN_SESSION_TTL", base.SessionTTL),

		APIKey:        apiKey,
		PlannerModel:  envStr("TWEEN_PLANNER_MODEL", base.PlannerModel),
		RendererModel: envStr("TWEEN_RENDERER_MODEL", base.RendererModel),

		Planner:     strings.ToLower(envStr("TWEEN_PLANNER", base.Planner)),
		OllamaURL:   envStr("OLLAMA_URL", base.OllamaURL),
		OllamaModel: envStr("OLLAMA_MODEL", base.OllamaModel),

		DefaultLang:       envStr("TWEEN_DEFAULT_LANG", base.DefaultLang),
		DefaultFrames:     envInt("TWEEN_DEFAULT_FRAMES", base.DefaultFrames),
		RenderParallelism: envInt("TWEEN_RENDER_PARALLELISM", base.RenderParallelism),
		RenderRPM:         envInt("TWEEN_RENDER_RPM", base.RenderRPM),

		DBPath:      envStr("TWEEN_DB_PATH", base.DBPath),
		DatabaseURL: envStr("DATABASE_URL", base.DatabaseURL),

		MQTT: MQTT{
			URL:      envStr("TWEEN_MQTT_URL", base.MQTT.URL),
			Username: envStr("TWEEN_MQTT_USERNAME", base.MQTT.Username),
			Password: envStr("TWEEN_MQTT_PASSWORD", base.MQTT.Password),
			Prefix:   envStr("TWEEN_MQTT_PREFIX", base.MQTT.Prefix),
		},
	}
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Planner {
	case PlannerGemini:
	case PlannerOllama:
		if c.OllamaURL == "" {
			return fmt.Errorf("planner %q needs OLLAMA_URL", c.Planner)
		}
	default:
		return fmt.Errorf("unknown planner %q (want %s or %s)", c.Planner, PlannerGemini, PlannerOllama)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("session TTL must not be negative, got %v", c.SessionTTL)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max upload must be positive, got %v MB", c.MaxUploadMB)
	}
	return nil
}

// MaxUploadBytes is MaxUploadMB in bytes.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB * (1 << 20))
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
