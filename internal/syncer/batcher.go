package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/anchorsync/internal/metrics"
	"github.com/calyptra/anchorsync/internal/store"
)

// FlushFunc consumes one drained batch. It must be idempotent with
// respect to re-delivery: rows are deleted only after a successful
// flush, so a crash between flush and delete re-delivers the batch
// (at-least-once).
type FlushFunc func(ctx context.Context, tier Priority, rows []store.PendingRow) error

// BatchConfig holds the per-tier flush thresholds. These are
// deployment configuration; zero values take defaults.
type BatchConfig struct {
	// CriticalMaxWait bounds how long a critical change can sit
	// before the tier is force-flushed even without a signal.
	CriticalMaxWait time.Duration
	// HighInterval is the flush timer for the high tier.
	HighInterval time.Duration
	// BackgroundInterval is the base flush timer for the background
	// tier. It adapts to load between MinInterval and MaxInterval.
	BackgroundInterval time.Duration
	MinInterval        time.Duration
	MaxInterval        time.Duration
	// MaxBatchSize caps rows per flush; a background backlog past
	// this size flushes early.
	MaxBatchSize int
	// MinBatchThreshold is the backlog below which the background
	// interval is allowed to stretch.
	MinBatchThreshold int
}

// DefaultBatchConfig mirrors the stock deployment profile.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		CriticalMaxWait:    time.Second,
		HighInterval:       30 * time.Second,
		BackgroundInterval: 5 * time.Minute,
		MinInterval:        30 * time.Second,
		MaxInterval:        10 * time.Minute,
		MaxBatchSize:       1000,
		MinBatchThreshold:  50,
	}
}

func (c BatchConfig) withDefaults() BatchConfig {
	d := DefaultBatchConfig()
	if c.CriticalMaxWait <= 0 {
		c.CriticalMaxWait = d.CriticalMaxWait
	}
	if c.HighInterval <= 0 {
		c.HighInterval = d.HighInterval
	}
	if c.BackgroundInterval <= 0 {
		c.BackgroundInterval = d.BackgroundInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.MinBatchThreshold <= 0 {
		c.MinBatchThreshold = d.MinBatchThreshold
	}
	return c
}

// Batcher drains the durable pending-change queue tier by tier. The
// store is the source of truth; the batcher only keeps timers and
// wakeup signals in memory, so a restart loses nothing.
type Batcher struct {
	st    *store.Store
	cfg   BatchConfig
	flush FlushFunc
	log   zerolog.Logger

	// One coalescing wakeup channel per tier (buffered, size 1):
	// many signals between flushes collapse into one wakeup.
	signals map[Priority]chan struct{}

	stop chan struct{}
	done sync.WaitGroup
	once sync.Once
}

// NewBatcher builds a batcher over the pending-change store.
func NewBatcher(st *store.Store, cfg BatchConfig, flush FlushFunc, log zerolog.Logger) *Batcher {
	b := &Batcher{
		st:      st,
		cfg:     cfg.withDefaults(),
		flush:   flush,
		log:     log.With().Str("component", "batcher").Logger(),
		signals: make(map[Priority]chan struct{}, len(Tiers)),
		stop:    make(chan struct{}),
	}
	for _, tier := range Tiers {
		b.signals[tier] = make(chan struct{}, 1)
	}
	return b
}

// Signal wakes the tier's flush loop. Non-blocking; concurrent
// signals coalesce.
func (b *Batcher) Signal(tier Priority) {
	select {
	case b.signals[tier] <- struct{}{}:
	default:
	}
}

// Start launches one flush loop per tier.
func (b *Batcher) Start(ctx context.Context) {
	b.done.Add(3)
	go b.criticalLoop(ctx)
	go b.highLoop(ctx)
	go b.backgroundLoop(ctx)
}

// Stop cancels the loops and joins them.
func (b *Batcher) Stop() {
	b.once.Do(func() { close(b.stop) })
	b.done.Wait()
}

// criticalLoop flushes on every signal, with CriticalMaxWait as a
// backstop so a missed signal cannot strand a critical change.
func (b *Batcher) criticalLoop(ctx context.Context) {
	defer b.done.Done()

	ticker := time.NewTicker(b.cfg.CriticalMaxWait)
	defer ticker.Stop()

	for {
		select {
		case <-b.signals[Critical]:
			b.flushTier(ctx, Critical)
		case <-ticker.C:
			b.flushTier(ctx, Critical)
		case <-b.stop:
			return
		}
	}
}

// highLoop flushes the high tier on a fixed short timer, or early on
// a signal so a reconnecting device does not sit on its backlog for a
// full interval.
func (b *Batcher) highLoop(ctx context.Context) {
	defer b.done.Done()

	ticker := time.NewTicker(b.cfg.HighInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.signals[High]:
			b.flushTier(ctx, High)
		case <-ticker.C:
			b.flushTier(ctx, High)
		case <-b.stop:
			return
		}
	}
}

// backgroundLoop flushes on an interval that adapts to backlog: a
// deep backlog halves the interval, an idle queue doubles it, always
// clamped to [MinInterval, MaxInterval]. Signals are consulted only
// to check the size threshold - background work never preempts on
// every enqueue.
func (b *Batcher) backgroundLoop(ctx context.Context) {
	defer b.done.Done()

	interval := b.cfg.BackgroundInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-b.signals[Background]:
			count, err := b.st.CountPending(ctx, int(Background))
			if err == nil && count >= b.cfg.MaxBatchSize {
				b.flushTier(ctx, Background)
			}
		case <-timer.C:
			b.flushTier(ctx, Background)
			interval = b.nextInterval(ctx, interval)
			timer.Reset(interval)
		case <-b.stop:
			return
		}
	}
}

// nextInterval adapts the background flush interval to current load.
func (b *Batcher) nextInterval(ctx context.Context, current time.Duration) time.Duration {
	count, err := b.st.CountPending(ctx, -1)
	if err != nil {
		return current
	}

	next := b.cfg.BackgroundInterval
	switch {
	case count > b.cfg.MaxBatchSize*2:
		next = b.cfg.BackgroundInterval / 2
	case count < b.cfg.MinBatchThreshold:
		next = b.cfg.BackgroundInterval * 2
	}

	if next < b.cfg.MinInterval {
		next = b.cfg.MinInterval
	}
	if next > b.cfg.MaxInterval {
		next = b.cfg.MaxInterval
	}

	if next != current {
		b.log.Debug().
			Str("event", "batch_interval_adjusted").
			Dur("interval", next).
			Int("pending", count).
			Msg("background interval adjusted")
	}
	return next
}

// FlushTier drains one tier immediately. Exposed for forced syncs
// and for shutdown draining.
func (b *Batcher) FlushTier(ctx context.Context, tier Priority) {
	b.flushTier(ctx, tier)
}

func (b *Batcher) flushTier(ctx context.Context, tier Priority) {
	rows, err := b.st.SelectPending(ctx, int(tier), b.cfg.MaxBatchSize)
	if err != nil {
		b.log.Error().Err(err).
			Str("event", "batch_select_failed").
			Str("tier", tier.String()).
			Msg("select pending failed")
		return
	}
	if len(rows) == 0 {
		return
	}

	start := time.Now()
	if err := b.flush(ctx, tier, rows); err != nil {
		// Rows stay queued; the next tick retries them.
		b.log.Error().Err(err).
			Str("event", "batch_flush_failed").
			Str("tier", tier.String()).
			Int("changes", len(rows)).
			Msg("flush failed, batch retained")
		return
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	if err := b.st.DeletePending(ctx, ids); err != nil {
		b.log.Error().Err(err).
			Str("event", "batch_delete_failed").
			Str("tier", tier.String()).
			Msg("delete flushed rows failed")
		return
	}

	metrics.ObserveBatchFlush(tier.String(), len(rows))
	if backlog, err := b.st.CountPending(ctx, -1); err == nil {
		metrics.SetPendingBacklog(backlog)
	}

	b.log.Info().
		Str("event", "batch_flushed").
		Str("tier", tier.String()).
		Int("changes", len(rows)).
		Dur("duration", time.Since(start)).
		Msg("batch flushed")
}
