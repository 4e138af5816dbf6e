package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnv_Defaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("DATA_DIR", dataDir)
	t.Setenv("STORYREEL_CONFIG", "")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5000/api/v1", cfg.Backend.URL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.BackendTimeout())
	assert.Equal(t, 0, cfg.Poll.MaxNotFound)
	assert.Equal(t, 5000, cfg.Split.ChunkLimit)
	assert.Equal(t, "gpt-4", cfg.LLM.Model)
	assert.InDelta(t, 0.8, cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, "mp3", cfg.Voice.Format)
	assert.Equal(t, filepath.Join(dataDir, "storyreel.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join(dataDir, "storyreel.lock"), cfg.LockPath())
	assert.Equal(t, filepath.Join(dataDir, "settings.json"), cfg.Storage.SettingsFile)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
}

func TestNewFromEnv_EnvOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("BACKEND_URL", "https://gen.example/api/v1/")
	t.Setenv("POLL_INTERVAL_MS", "500")
	t.Setenv("POLL_MAX_NOT_FOUND", "15")
	t.Setenv("CHUNK_LIMIT", "1200")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("VOICE_FORMAT", "WAV")
	logDir := t.TempDir()
	t.Setenv("LOG_FILE", logDir+"/logs/../storyreel.log")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "https://gen.example/api/v1", cfg.Backend.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 15, cfg.Poll.MaxNotFound)
	assert.Equal(t, 1200, cfg.Split.ChunkLimit)
	assert.True(t, cfg.DraftingEnabled())
	assert.Equal(t, "wav", cfg.Voice.Format)
	assert.Equal(t, "sk-test", cfg.LLMClientConfig().APIKey)
	assert.Equal(t, filepath.Join(logDir, "storyreel.log"), cfg.LogFile)
}

func TestLoad_TOMLFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storyreel.toml")
	content := `
log_level = "debug"

[backend]
url = "http://file.example/api/v1"
timeout = 12

[split]
chunk_limit = 800

[voice]
type = "warm"
speed = 1.25
format = "wav"

[storage]
data_dir = "` + filepath.ToSlash(dir) + `"
retention_days = 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CHUNK_LIMIT", "900")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://file.example/api/v1", cfg.Backend.URL)
	assert.Equal(t, 12, cfg.Backend.Timeout)
	assert.Equal(t, 900, cfg.Split.ChunkLimit, "env wins over file")
	assert.Equal(t, "warm", cfg.Voice.Type)
	assert.InDelta(t, 1.25, cfg.Voice.Speed, 1e-9)
	assert.Equal(t, 0, cfg.Storage.RetentionDays)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000/api/v1", cfg.Backend.URL)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[backend]\nurll = \"x\"\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestNewFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"relative backend url", "BACKEND_URL", "localhost:5000"},
		{"zero poll interval", "POLL_INTERVAL_MS", "0"},
		{"negative not found", "POLL_MAX_NOT_FOUND", "-1"},
		{"bad voice format", "VOICE_FORMAT", "ogg"},
		{"bad prune cron", "HISTORY_PRUNE_CRON", "whenever"},
		{"hot temperature", "LLM_TEMPERATURE", "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATA_DIR", t.TempDir())
			t.Setenv(tt.key, tt.value)
			_, err := NewFromEnv()
			assert.Error(t, err)
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandPath("~/storyreel")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "storyreel"), got)

	got, err = ExpandPath("")
	require.NoError(t, err)
	assert.Empty(t, got)
}
