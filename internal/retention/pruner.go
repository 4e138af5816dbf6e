package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/storyreel/pkg/icron"
	"github.com/MimeLyc/storyreel/pkg/log"
)

// Store removes history rows last updated before a cutoff.
type Store interface {
	DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Pruner deletes finished job history older than the retention window.
type Pruner struct {
	store     Store
	retention time.Duration
	cronExpr  string
	now       func() time.Time
	group     singleflight.Group
}

func NewPruner(store Store, retention time.Duration, cronExpr string) (*Pruner, error) {
	if store == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	if _, err := icron.Parse(cronExpr); err != nil {
		return nil, err
	}
	return &Pruner{
		store:     store,
		retention: retention,
		cronExpr:  cronExpr,
		now:       time.Now,
	}, nil
}

// RunOnce prunes now. Overlapping calls share a single delete.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	v, err, _ := p.group.Do("prune", func() (any, error) {
		cutoff := p.now().Add(-p.retention)
		removed, err := p.store.DeleteJobsBefore(ctx, cutoff)
		if err != nil {
			return int64(0), fmt.Errorf("prune history before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		if removed > 0 {
			log.Info("Pruned %d job history entries older than %s", removed, cutoff.Format(time.RFC3339))
		}
		return removed, nil
	})
	return v.(int64), err
}

// Schedule registers the prune run on c.
func (p *Pruner) Schedule(ctx context.Context, c *cron.Cron) (cron.EntryID, error) {
	id, err := c.AddFunc(p.cronExpr, func() {
		if _, err := p.RunOnce(ctx); err != nil {
			log.Error("Scheduled history prune failed: %v", err)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("schedule history prune: %w", err)
	}
	if info, err := icron.GetTriggerInfo(p.cronExpr, p.now()); err == nil {
		log.Info("History prune scheduled (%s), next run in %s", p.cronExpr, info.TimeUntilNext.Round(time.Second))
	}
	return id, nil
}
