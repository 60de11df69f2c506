// Package queue drains the push queue: it materializes staged addenda into
// versioned vault records. Entries are delivered at least once, so the writer
// is idempotent on the addendum's natural key and version hash.
package queue

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/sitevault-cli/internal/model"
	"github.com/sells-group/sitevault-cli/internal/resilience"
	"github.com/sells-group/sitevault-cli/internal/store"
	"github.com/sells-group/sitevault-cli/internal/vault"
)

// Config controls one drain pass.
type Config struct {
	// Workers is the number of concurrent writers. Default: 4.
	Workers int
	// BatchSize is the maximum number of entries one pass claims. Default: 100.
	BatchSize int
	// RatePerSec throttles writes across all workers. Zero disables throttling.
	RatePerSec float64
	// Retry controls per-entry retry of transient write failures.
	Retry resilience.RetryConfig
	// Breaker, when set, short-circuits the pass once the writer looks down.
	Breaker *resilience.CircuitBreaker
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
	return c
}

// Stats summarizes one drain pass.
type Stats struct {
	Claimed int64 `json:"claimed"`
	Done    int64 `json:"done"`
	Errors  int64 `json:"errors"`
}

// Drainer consumes pending push-queue entries and promotes their addenda.
type Drainer struct {
	store    store.Store
	promoter *vault.Promoter
	cfg      Config
	log      *zap.Logger
}

func NewDrainer(st store.Store, promoter *vault.Promoter, cfg Config) *Drainer {
	return &Drainer{
		store:    st,
		promoter: promoter,
		cfg:      cfg.withDefaults(),
		log:      zap.L().With(zap.String("component", "queue-drain")),
	}
}

// Drain claims one batch of pending entries and processes them concurrently.
// Gate rejections are final and mark the entry error; transient write
// failures are retried per entry and mark the entry error once the retry
// budget is spent, leaving it for the operator to requeue.
func (d *Drainer) Drain(ctx context.Context) (*Stats, error) {
	entries, err := d.store.DequeuePending(ctx, d.cfg.BatchSize)
	if err != nil {
		return nil, eris.Wrap(err, "drain: claim pending entries")
	}

	stats := &Stats{Claimed: int64(len(entries))}
	if len(entries) == 0 {
		return stats, nil
	}

	var limiter *rate.Limiter
	if d.cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)

	for _, entry := range entries {
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
			}
			return d.process(gctx, entry, stats)
		})
	}

	if err := g.Wait(); err != nil {
		return stats, eris.Wrap(err, "drain: worker pool")
	}
	return stats, nil
}

func (d *Drainer) process(ctx context.Context, entry model.QueueEntry, stats *Stats) error {
	write := func(ctx context.Context) error {
		_, err := d.promoter.Promote(ctx, entry.AddendumID)
		return err
	}

	var err error
	if d.cfg.Breaker != nil {
		err = resilience.Do(ctx, d.cfg.Retry, func(ctx context.Context) error {
			return d.cfg.Breaker.Execute(ctx, write)
		})
	} else {
		err = resilience.Do(ctx, d.cfg.Retry, write)
	}

	if err != nil {
		atomic.AddInt64(&stats.Errors, 1)
		d.log.Warn("queue entry failed",
			zap.String("entry_id", entry.ID),
			zap.String("addendum_id", entry.AddendumID),
			zap.String("natural_key", entry.NaturalKey),
			zap.Error(err))
		if markErr := d.store.MarkQueueError(ctx, entry.ID, err.Error()); markErr != nil {
			return eris.Wrapf(markErr, "drain: mark entry %s error", entry.ID)
		}
		return nil
	}

	atomic.AddInt64(&stats.Done, 1)
	if err := d.store.MarkQueueDone(ctx, entry.ID); err != nil {
		return eris.Wrapf(err, "drain: mark entry %s done", entry.ID)
	}
	return nil
}
