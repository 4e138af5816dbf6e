package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/MimeLyc/storyreel/internal/backend"
	"github.com/MimeLyc/storyreel/internal/llm"
	"github.com/MimeLyc/storyreel/internal/textsplit"
	"github.com/MimeLyc/storyreel/pkg/icron"
	"github.com/MimeLyc/storyreel/pkg/log"
)

// Config holds all application configuration.
// Values are layered: defaults, then the optional TOML file, then environment
// variables (a .env file in the working directory is loaded first), then
// Options.
//
// Environment Variables:
// Backend:
// - BACKEND_URL: generation backend base URL (default: http://localhost:5000/api/v1)
// - BACKEND_TIMEOUT: per-request timeout in seconds (default: 30)
// - POLL_INTERVAL_MS: status poll interval (default: 2000)
// - POLL_MAX_NOT_FOUND: consecutive 404 polls tolerated, 0 = unbounded (default: 0)
// - CHUNK_LIMIT: characters per text chunk (default: 5000)
//
// Story drafting:
// - LLM_API_KEY: API key (optional; drafting is disabled without it)
// - LLM_API_URL: API endpoint URL (default: https://api.openai.com/v1)
// - LLM_MODEL: model name (default: gpt-4)
// - LLM_TEMPERATURE: sampling temperature (default: 0.8)
// - LLM_TIMEOUT: request timeout in seconds (default: 60)
//
// Book narration:
// - VOICE_TYPE, VOICE_SPEED, VOICE_FORMAT (default: neutral, 1.0, mp3)
//
// Storage and serving:
// - DATA_DIR: history database and lock directory (default: ~/.local/share/storyreel)
// - HISTORY_RETENTION_DAYS: days of finished job history kept, 0 = forever (default: 30)
// - HISTORY_PRUNE_CRON: prune schedule (default: 0 3 * * *)
// - HTTP_ADDR: local API listen address (default: 127.0.0.1:8080)
// - SETTINGS_FILE: runtime settings JSON (default: <DATA_DIR>/settings.json)
// - LOG_LEVEL: debug, info, warn or error (default: info)
// - LOG_FILE: append log output to this file instead of stderr
type Config struct {
	Backend  BackendConfig         `json:"backend" toml:"backend"`
	Poll     PollConfig            `json:"poll" toml:"poll"`
	Split    SplitConfig           `json:"split" toml:"split"`
	LLM      LLMConfig             `json:"llm" toml:"llm"`
	Voice    backend.VoiceSettings `json:"voice" toml:"voice"`
	Storage  StorageConfig         `json:"storage" toml:"storage"`
	Server   ServerConfig          `json:"server" toml:"server"`
	LogLevel string                `json:"log_level" toml:"log_level"`
	LogFile  string                `json:"log_file" toml:"log_file"`
}

type BackendConfig struct {
	URL     string `json:"url" toml:"url"`
	Timeout int    `json:"timeout" toml:"timeout"`
}

type PollConfig struct {
	IntervalMS  int `json:"interval_ms" toml:"interval_ms"`
	MaxNotFound int `json:"max_not_found" toml:"max_not_found"`
}

type SplitConfig struct {
	ChunkLimit int `json:"chunk_limit" toml:"chunk_limit"`
}

// LLMConfig holds the story drafting provider settings.
// Any OpenAI-compatible provider works.
type LLMConfig struct {
	APIKey      string  `json:"api_key" toml:"api_key"`
	APIURL      string  `json:"api_url" toml:"api_url"`
	Model       string  `json:"model" toml:"model"`
	Temperature float64 `json:"temperature" toml:"temperature"`
	Timeout     int     `json:"timeout" toml:"timeout"`
	SiteURL     string  `json:"site_url" toml:"site_url"`
	AppName     string  `json:"app_name" toml:"app_name"`
}

type StorageConfig struct {
	DataDir       string `json:"data_dir" toml:"data_dir"`
	RetentionDays int    `json:"retention_days" toml:"retention_days"`
	PruneCron     string `json:"prune_cron" toml:"prune_cron"`
	SettingsFile  string `json:"settings_file" toml:"settings_file"`
}

type ServerConfig struct {
	Addr string `json:"addr" toml:"addr"`
}

// Option is a function type for configuring Config
type Option func(*Config)

const (
	defaultDataDir = "~/.local/share/storyreel"
	dbFileName     = "storyreel.db"
	lockFileName   = "storyreel.lock"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			URL:     "http://localhost:5000/api/v1",
			Timeout: 30,
		},
		Poll: PollConfig{
			IntervalMS: 2000,
		},
		Split: SplitConfig{
			ChunkLimit: textsplit.DefaultLimit,
		},
		LLM: LLMConfig{
			APIURL:      "https://api.openai.com/v1",
			Model:       "gpt-4",
			Temperature: 0.8,
			Timeout:     60,
		},
		Voice: backend.DefaultVoiceSettings(),
		Storage: StorageConfig{
			DataDir:       defaultDataDir,
			RetentionDays: 30,
			PruneCron:     "0 3 * * *",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
		LogLevel: "info",
	}
}

// NewFromEnv builds the configuration from defaults, environment variables
// and the TOML file named by STORYREEL_CONFIG, if any.
func NewFromEnv(opts ...Option) (*Config, error) {
	return Load("", opts...)
}

// Load builds the configuration, reading the TOML file at path. An empty
// path falls back to STORYREEL_CONFIG; a missing file is not an error.
func Load(path string, opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("Failed to load .env file: %v", err)
	}

	config := Default()

	if path == "" {
		path = getEnvString("STORYREEL_CONFIG", "")
	}
	if path != "" {
		if err := decodeFile(path, &config); err != nil {
			return nil, err
		}
	}

	config.applyEnv()

	for _, opt := range opts {
		opt(&config)
	}

	if err := config.normalize(); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: backend=%s poll=%dms chunk_limit=%d data_dir=%s", config.Backend.URL, config.Poll.IntervalMS, config.Split.ChunkLimit, config.Storage.DataDir)
	return &config, nil
}

func decodeFile(path string, config *Config) error {
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	file, err := os.Open(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug("Config file %s not found, using defaults", expanded)
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(config); err != nil {
		return fmt.Errorf("parse config %s: %w", expanded, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Backend.URL = getEnvString("BACKEND_URL", c.Backend.URL)
	c.Backend.Timeout = getEnvInt("BACKEND_TIMEOUT", c.Backend.Timeout)
	c.Poll.IntervalMS = getEnvInt("POLL_INTERVAL_MS", c.Poll.IntervalMS)
	c.Poll.MaxNotFound = getEnvInt("POLL_MAX_NOT_FOUND", c.Poll.MaxNotFound)
	c.Split.ChunkLimit = getEnvInt("CHUNK_LIMIT", c.Split.ChunkLimit)

	c.LLM.APIKey = getEnvString("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.APIURL = getEnvString("LLM_API_URL", c.LLM.APIURL)
	c.LLM.Model = getEnvString("LLM_MODEL", c.LLM.Model)
	c.LLM.Temperature = getEnvFloat("LLM_TEMPERATURE", c.LLM.Temperature)
	c.LLM.Timeout = getEnvInt("LLM_TIMEOUT", c.LLM.Timeout)
	c.LLM.SiteURL = getEnvString("LLM_SITE_URL", c.LLM.SiteURL)
	c.LLM.AppName = getEnvString("LLM_APP_NAME", c.LLM.AppName)

	c.Voice.Type = getEnvString("VOICE_TYPE", c.Voice.Type)
	c.Voice.Speed = getEnvFloat("VOICE_SPEED", c.Voice.Speed)
	c.Voice.Format = getEnvString("VOICE_FORMAT", c.Voice.Format)

	c.Storage.DataDir = getEnvString("DATA_DIR", c.Storage.DataDir)
	c.Storage.RetentionDays = getEnvInt("HISTORY_RETENTION_DAYS", c.Storage.RetentionDays)
	c.Storage.PruneCron = getEnvString("HISTORY_PRUNE_CRON", c.Storage.PruneCron)
	c.Storage.SettingsFile = getEnvString("SETTINGS_FILE", c.Storage.SettingsFile)

	c.Server.Addr = getEnvString("HTTP_ADDR", c.Server.Addr)
	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnvString("LOG_FILE", c.LogFile)
}

func (c *Config) normalize() error {
	c.Backend.URL = strings.TrimRight(strings.TrimSpace(c.Backend.URL), "/")
	c.Voice.Format = strings.ToLower(strings.TrimSpace(c.Voice.Format))

	dataDir, err := ExpandPath(c.Storage.DataDir)
	if err != nil {
		return err
	}
	c.Storage.DataDir = dataDir
	if strings.TrimSpace(c.Storage.SettingsFile) == "" {
		c.Storage.SettingsFile = filepath.Join(dataDir, "settings.json")
	} else if c.Storage.SettingsFile, err = ExpandPath(c.Storage.SettingsFile); err != nil {
		return err
	}
	if c.LogFile != "" {
		if c.LogFile, err = ExpandPath(c.LogFile); err != nil {
			return err
		}
	}
	return nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if err := validateHTTPURL("backend url", c.Backend.URL); err != nil {
		return err
	}
	if c.Backend.Timeout < 1 {
		return fmt.Errorf("BACKEND_TIMEOUT must be greater than 0")
	}
	if c.Poll.IntervalMS < 1 {
		return fmt.Errorf("POLL_INTERVAL_MS must be greater than 0")
	}
	if c.Poll.MaxNotFound < 0 {
		return fmt.Errorf("POLL_MAX_NOT_FOUND must not be negative")
	}
	if c.Split.ChunkLimit < 1 {
		return fmt.Errorf("CHUNK_LIMIT must be greater than 0")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be between 0 and 2")
	}
	if c.LLM.Timeout < 1 {
		return fmt.Errorf("LLM_TIMEOUT must be greater than 0")
	}
	if err := c.Voice.Validate(); err != nil {
		return fmt.Errorf("voice settings: %w", err)
	}
	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("HISTORY_RETENTION_DAYS must not be negative")
	}
	if c.Storage.RetentionDays > 0 {
		if _, err := icron.Parse(c.Storage.PruneCron); err != nil {
			return fmt.Errorf("HISTORY_PRUNE_CRON: %w", err)
		}
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	return nil
}

func validateHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
	}
	return nil
}

// DBPath is the job history database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, dbFileName)
}

// LockPath is the cross-process job lock location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Storage.DataDir, lockFileName)
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMS) * time.Millisecond
}

func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.Timeout) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}

// DraftingEnabled reports whether an LLM key is configured.
func (c *Config) DraftingEnabled() bool {
	return strings.TrimSpace(c.LLM.APIKey) != ""
}

// LLMClientConfig converts the drafting settings for llm.NewClient.
func (c *Config) LLMClientConfig() *llm.Config {
	return &llm.Config{
		APIKey:      c.LLM.APIKey,
		APIURL:      c.LLM.APIURL,
		Model:       c.LLM.Model,
		MaxTokens:   2000,
		Temperature: c.LLM.Temperature,
		Timeout:     c.LLM.Timeout,
		SiteURL:     c.LLM.SiteURL,
		AppName:     c.LLM.AppName,
	}
}

// ExpandPath resolves "~" and makes the path absolute.
func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn("Ignoring non-integer %s=%q", key, value)
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		log.Warn("Ignoring non-numeric %s=%q", key, value)
	}
	return defaultValue
}
