package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/storyreel/internal/config"
	"github.com/MimeLyc/storyreel/internal/httpapi"
	"github.com/MimeLyc/storyreel/internal/jobs"
	"github.com/MimeLyc/storyreel/internal/retention"
	"github.com/MimeLyc/storyreel/pkg/icron"
	"github.com/MimeLyc/storyreel/pkg/log"
)

const shutdownTimeout = 5 * time.Second

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		addr  string
		uiDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local HTTP API and run scheduled history pruning",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}

			store, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			settings, err := config.NewRuntimeSettingsStore(cfg.Storage.SettingsFile, cfg.RuntimeSettings())
			if err != nil {
				return err
			}

			// Polls outlive the request that submitted them.
			session, err := newSession(cfg, jobs.WithBaseContext(cmd.Context()))
			if err != nil {
				return err
			}
			defer session.Tracker().Subscribe(jobs.Recorder(store))()

			settings.OnUpdate(func(next config.RuntimeSettings) {
				session.SetChunkLimit(next.ChunkLimit)
				if next.BackendURL != cfg.Backend.URL || next.PollIntervalMS != cfg.Poll.IntervalMS ||
					next.LLMAPIURL != cfg.LLM.APIURL || next.LLMModel != cfg.LLM.Model || next.LLMAPIKey != cfg.LLM.APIKey {
					log.Info("Backend, polling and LLM settings saved; they take effect after restart")
				}
			})

			engine := icron.NewCron(time.Local)
			opts := []httpapi.Option{
				httpapi.WithHistory(store),
				httpapi.WithRuntimeSettingsStore(settings),
				httpapi.WithUI(uiDir, uiDir != ""),
			}
			var sched scheduler
			if cfg.Storage.RetentionDays > 0 {
				prune := newPruneSchedule(store, cfg.Retention(), cfg.Storage.PruneCron, engine)
				sched = prune
				opts = append(opts, httpapi.WithRuntimeSettingsApplier(prune.Apply))
			} else {
				log.Info("History retention disabled; jobs are kept forever")
			}

			server := httpapi.NewServer(session, opts...)
			return runWithComponents(cmd.Context(), addr, sched, engine, server)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to HTTP_ADDR)")
	cmd.Flags().StringVar(&uiDir, "ui", "", "Directory of a single-page UI to serve at /")
	return cmd
}

// runWithComponents schedules background work, serves HTTP until ctx is
// cancelled and then shuts both down.
func runWithComponents(ctx context.Context, addr string, sched scheduler, engine cronEngine, srv httpServer) error {
	if sched != nil {
		if err := sched.Schedule(ctx); err != nil {
			return err
		}
	}
	engine.Start()
	defer func() { <-engine.Stop().Done() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Serving HTTP API on http://%s", addr)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// pruneSchedule keeps one prune entry on the cron engine and moves it when
// the prune expression changes at runtime.
type pruneSchedule struct {
	store     retention.Store
	retention time.Duration
	cron      *cron.Cron

	mu    sync.Mutex
	ctx   context.Context
	expr  string
	entry cron.EntryID
}

func newPruneSchedule(store retention.Store, window time.Duration, expr string, c *cron.Cron) *pruneSchedule {
	return &pruneSchedule{
		store:     store,
		retention: window,
		cron:      c,
		ctx:       context.Background(),
		expr:      expr,
	}
}

func (p *pruneSchedule) Schedule(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx = ctx
	return p.scheduleLocked(p.expr)
}

// Apply reschedules pruning when saved settings carry a new expression.
func (p *pruneSchedule) Apply(next config.RuntimeSettings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if next.PruneCron == "" || next.PruneCron == p.expr && p.entry != 0 {
		return nil
	}
	return p.scheduleLocked(next.PruneCron)
}

func (p *pruneSchedule) scheduleLocked(expr string) error {
	pruner, err := retention.NewPruner(p.store, p.retention, expr)
	if err != nil {
		return err
	}
	id, err := pruner.Schedule(p.ctx, p.cron)
	if err != nil {
		return err
	}
	if p.entry != 0 {
		p.cron.Remove(p.entry)
	}
	p.entry, p.expr = id, expr
	return nil
}
