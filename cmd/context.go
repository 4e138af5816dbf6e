package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/MimeLyc/storyreel/internal/apperr"
	"github.com/MimeLyc/storyreel/internal/backend"
	"github.com/MimeLyc/storyreel/internal/config"
	"github.com/MimeLyc/storyreel/internal/jobs"
	"github.com/MimeLyc/storyreel/internal/llm"
	"github.com/MimeLyc/storyreel/internal/orchestrator"
	"github.com/MimeLyc/storyreel/internal/persistence"
	"github.com/MimeLyc/storyreel/internal/story"
	"github.com/MimeLyc/storyreel/pkg/log"
)

type commandContext struct {
	configFlag *string
	verbose    *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		verbose:    verbose,
	}
}

// ensureConfig loads the configuration once. Values saved through the
// settings API take precedence over the environment.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = apperr.Wrap(err, apperr.ErrConfig, "failed to load configuration")
			return
		}
		settings, err := config.LoadRuntimeSettingsFile(cfg.Storage.SettingsFile)
		switch {
		case err == nil:
			if cfg, err = config.Load(path, config.WithRuntimeSettings(settings)); err != nil {
				c.configErr = apperr.Wrap(err, apperr.ErrConfig, "failed to apply saved settings")
				return
			}
		case !errors.Is(err, fs.ErrNotExist):
			log.Warn("Ignoring settings file %s: %v", cfg.Storage.SettingsFile, err)
		}

		level := log.ParseLevel(cfg.LogLevel)
		if c.verbose != nil && *c.verbose {
			level = log.LevelDebug
		}
		if cfg.LogFile == "" {
			log.InitLogger(level)
		} else {
			fileLogger, err := log.NewFileLogger(cfg.LogFile, level)
			if err != nil {
				c.configErr = apperr.Wrap(err, apperr.ErrConfig, "failed to open log file")
				return
			}
			log.SetLogger(fileLogger.Logger)
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func newBackendClient(cfg *config.Config) (*backend.Client, error) {
	return backend.NewClient(cfg.Backend.URL, backend.WithTimeout(cfg.BackendTimeout()))
}

func newDrafter(cfg *config.Config) (orchestrator.Drafter, error) {
	if !cfg.DraftingEnabled() {
		return nil, nil
	}
	client, err := llm.NewClient(cfg.LLMClientConfig())
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrConfig, "invalid LLM configuration")
	}
	return story.NewDrafter(client, cfg.LLM.Temperature), nil
}

// newSession wires a backend client, tracker and drafter into a session.
func newSession(cfg *config.Config, trackerOpts ...jobs.Option) (*orchestrator.Session, error) {
	client, err := newBackendClient(cfg)
	if err != nil {
		return nil, err
	}
	opts := append([]jobs.Option{
		jobs.WithPollInterval(cfg.PollInterval()),
		jobs.WithMaxNotFound(cfg.Poll.MaxNotFound),
	}, trackerOpts...)
	tracker := jobs.NewTracker(client, opts...)

	sessionOpts := []orchestrator.Option{
		orchestrator.WithChunkLimit(cfg.Split.ChunkLimit),
		orchestrator.WithVoice(cfg.Voice),
	}
	drafter, err := newDrafter(cfg)
	if err != nil {
		return nil, err
	}
	if drafter != nil {
		sessionOpts = append(sessionOpts, orchestrator.WithDrafter(drafter))
	}
	return orchestrator.NewSession(client, tracker, sessionOpts...), nil
}

func ensureDataDir(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return apperr.Wrap(err, apperr.ErrConfig, "failed to create data directory").WithContext("path", cfg.Storage.DataDir)
	}
	return nil
}

func openHistory(cfg *config.Config) (*persistence.SQLiteStore, error) {
	if err := ensureDataDir(cfg); err != nil {
		return nil, err
	}
	return persistence.NewSQLiteStore(cfg.DBPath())
}

// acquireJobLock keeps two CLI processes from driving jobs at the same time.
func acquireJobLock(cfg *config.Config) (*flock.Flock, error) {
	if err := ensureDataDir(cfg); err != nil {
		return nil, err
	}
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire job lock: %w", err)
	}
	if !ok {
		return nil, apperr.Newf(apperr.ErrValidation, "another storyreel job is already running (lock %s)", cfg.LockPath())
	}
	return lock, nil
}

// readInput reads the named file, or stdin when no file or "-" is given.
func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args[0], err)
	}
	return string(data), nil
}

func loadBook(session *orchestrator.Session, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return session.LoadBook(filepath.Base(path), data)
}

func preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n]) + "..."
}
