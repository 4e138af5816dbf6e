package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

// RuntimeSettings are the values editable at runtime through the settings
// API. They are persisted as JSON and override the environment on startup.
type RuntimeSettings struct {
	BackendURL     string `json:"backend_url"`
	LLMAPIURL      string `json:"llm_api_url"`
	LLMAPIKey      string `json:"llm_api_key"`
	LLMModel       string `json:"llm_model"`
	PollIntervalMS int    `json:"poll_interval_ms"`
	ChunkLimit     int    `json:"chunk_limit"`
	PruneCron      string `json:"prune_cron"`
}

func (s RuntimeSettings) Validate() error {
	if strings.TrimSpace(s.BackendURL) == "" {
		return fmt.Errorf("backend_url is required")
	}
	if err := validateHTTPURL("backend_url", s.BackendURL); err != nil {
		return err
	}
	if strings.TrimSpace(s.LLMAPIURL) == "" {
		return fmt.Errorf("llm_api_url is required")
	}
	if strings.TrimSpace(s.LLMModel) == "" {
		return fmt.Errorf("llm_model is required")
	}
	if s.PollIntervalMS < 1 {
		return fmt.Errorf("poll_interval_ms must be greater than 0")
	}
	if s.ChunkLimit < 1 {
		return fmt.Errorf("chunk_limit must be greater than 0")
	}
	if strings.TrimSpace(s.PruneCron) == "" {
		return fmt.Errorf("prune_cron is required")
	}
	if _, err := cron.ParseStandard(s.PruneCron); err != nil {
		return fmt.Errorf("invalid prune_cron: %w", err)
	}
	return nil
}

// Redacted hides the API key for display.
func (s RuntimeSettings) Redacted() RuntimeSettings {
	if s.LLMAPIKey != "" {
		s.LLMAPIKey = "********"
	}
	return s
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		BackendURL:     c.Backend.URL,
		LLMAPIURL:      c.LLM.APIURL,
		LLMAPIKey:      c.LLM.APIKey,
		LLMModel:       c.LLM.Model,
		PollIntervalMS: c.Poll.IntervalMS,
		ChunkLimit:     c.Split.ChunkLimit,
		PruneCron:      c.Storage.PruneCron,
	}
}

func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.BackendURL) != "" {
			c.Backend.URL = settings.BackendURL
		}
		if strings.TrimSpace(settings.LLMAPIURL) != "" {
			c.LLM.APIURL = settings.LLMAPIURL
		}
		if strings.TrimSpace(settings.LLMAPIKey) != "" {
			c.LLM.APIKey = settings.LLMAPIKey
		}
		if strings.TrimSpace(settings.LLMModel) != "" {
			c.LLM.Model = settings.LLMModel
		}
		if settings.PollIntervalMS > 0 {
			c.Poll.IntervalMS = settings.PollIntervalMS
		}
		if settings.ChunkLimit > 0 {
			c.Split.ChunkLimit = settings.ChunkLimit
		}
		if strings.TrimSpace(settings.PruneCron) != "" {
			c.Storage.PruneCron = settings.PruneCron
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// RuntimeSettingsStore serves and persists the current runtime settings.
// Subscribers run after every successful update.
type RuntimeSettingsStore struct {
	path string

	mu        sync.RWMutex
	current   RuntimeSettings
	listeners []func(RuntimeSettings)
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		current: initial,
	}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

// OnUpdate registers fn to receive settings after each update.
func (s *RuntimeSettingsStore) OnUpdate(fn func(RuntimeSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// UpdateRuntimeSettings validates and persists next. An empty API key keeps
// the current one so redacted values can be round-tripped.
func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	s.mu.RLock()
	if strings.TrimSpace(next.LLMAPIKey) == "" || next.LLMAPIKey == s.current.Redacted().LLMAPIKey {
		next.LLMAPIKey = s.current.LLMAPIKey
	}
	s.mu.RUnlock()

	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	s.current = next
	listeners := append([]func(RuntimeSettings){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return next, nil
}
