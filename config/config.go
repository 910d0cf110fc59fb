package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the process-wide service configuration, loaded from config.json
// with environment overrides.
type Config struct {
	Port            string `json:"port"`
	PostgresURL     string `json:"postgres_url"`
	Store           string `json:"store"` // "memory", "pgvector", "milvus"
	CaptionProvider string `json:"caption_provider"` // "auto", "model", "mock", "openai"

	WeightsDir string `json:"weights_dir"`
	Device     string `json:"device"` // "cpu" or "cuda"

	// Caption model hyperparameters. Zero means the model default.
	BeamWidth  int `json:"beam_width"`
	MaxFrames  int `json:"max_frames"`
	MaxWords   int `json:"max_words"`
	FeatureDim int `json:"feature_dim"`

	UploadDir         string `json:"upload_dir"`
	MaxUploadBytes    int64  `json:"max_upload_bytes"`
	AllowedExtensions string `json:"allowed_extensions"`

	JWTSecret        string `json:"jwt_secret"`
	JWTExpiryMinutes int    `json:"jwt_expiry_minutes"`

	// Remote captioner (CAPTION_PROVIDER=openai).
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url"`
	ChatModel string `json:"chat_model"`
}

// ModelConfig enumerates the caption model hyperparameters. Constructed
// directly with fixed defaults rather than parsed from anywhere.
type ModelConfig struct {
	WeightsDir string
	Device     string

	BeamWidth  int
	MaxFrames  int
	MaxWords   int
	FeatureDim int

	// Frame decoding.
	FrameRate    int
	FrameSide    int
	WindowFrames int

	StartToken string
	EndToken   string
	PadToken   string
}

// DefaultModelConfig returns the caption model hyperparameters.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		WeightsDir:   "weights",
		Device:       "cpu",
		BeamWidth:    5,
		MaxFrames:    48,
		MaxWords:     48,
		FeatureDim:   1024,
		FrameRate:    16,
		FrameSide:    224,
		WindowFrames: 16,
		StartToken:   "[CLS]",
		EndToken:     "[SEP]",
		PadToken:     "[PAD]",
	}
}

// ModelConfig derives the model hyperparameters from the service config.
func (c *Config) ModelConfig() ModelConfig {
	mc := DefaultModelConfig()
	if c.WeightsDir != "" {
		mc.WeightsDir = c.WeightsDir
	}
	if c.Device != "" {
		mc.Device = c.Device
	}
	if c.BeamWidth > 0 {
		mc.BeamWidth = c.BeamWidth
	}
	if c.MaxFrames > 0 {
		mc.MaxFrames = c.MaxFrames
	}
	if c.MaxWords > 0 {
		mc.MaxWords = c.MaxWords
	}
	if c.FeatureDim > 0 {
		mc.FeatureDim = c.FeatureDim
	}
	return mc
}

func (c *Config) AllowedExtensionList() []string {
	parts := strings.Split(c.AllowedExtensions, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var globalConfig *Config

// Load returns the cached configuration, reading config.json and the
// environment on first call.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}
	cfg := defaults()

	if data, err := os.ReadFile("config.json"); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.json: %w", err)
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

func defaults() *Config {
	return &Config{
		Port:              "8080",
		Store:             "memory",
		CaptionProvider:   "auto",
		WeightsDir:        "weights",
		Device:            "cpu",
		UploadDir:         "./uploads",
		MaxUploadBytes:    524288000, // 500MB
		AllowedExtensions: "mp4,webm,ogg",
		JWTSecret:         "",
		JWTExpiryMinutes:  1440,
		BaseURL:           "https://api.openai.com/v1",
		ChatModel:         "gpt-4o-mini",
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.PostgresURL, "POSTGRES_URL")
	setString(&cfg.Store, "STORE")
	setString(&cfg.CaptionProvider, "CAPTION_PROVIDER")
	setString(&cfg.WeightsDir, "WEIGHTS_DIR")
	setString(&cfg.Device, "DEVICE")
	setString(&cfg.UploadDir, "UPLOAD_DIR")
	setString(&cfg.AllowedExtensions, "ALLOWED_EXTENSIONS")
	setString(&cfg.JWTSecret, "JWT_SECRET_KEY")
	setString(&cfg.APIKey, "API_KEY")
	setString(&cfg.BaseURL, "BASE_URL")
	setString(&cfg.ChatModel, "CHAT_MODEL")
	setInt(&cfg.BeamWidth, "BEAM_WIDTH")
	setInt(&cfg.MaxFrames, "MAX_FRAMES")
	setInt(&cfg.MaxWords, "MAX_WORDS")
	setInt(&cfg.FeatureDim, "FEATURE_DIM")
	setInt(&cfg.JWTExpiryMinutes, "JWT_EXPIRATION_MINUTES")
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxUploadBytes = n
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.Store) {
	case "memory", "pgvector", "milvus":
	default:
		problems = append(problems, fmt.Sprintf("unknown store backend %q", c.Store))
	}
	switch strings.ToLower(c.CaptionProvider) {
	case "auto", "model", "mock", "openai":
	default:
		problems = append(problems, fmt.Sprintf("unknown caption provider %q", c.CaptionProvider))
	}
	switch strings.ToLower(c.Device) {
	case "cpu", "cuda":
	default:
		problems = append(problems, fmt.Sprintf("unknown device %q", c.Device))
	}
	if c.CaptionProvider == "openai" && strings.TrimSpace(c.APIKey) == "" {
		problems = append(problems, "API_KEY is required for the openai caption provider")
	}
	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}
