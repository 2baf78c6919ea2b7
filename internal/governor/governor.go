// Package governor enforces process-wide memory, transaction-rate,
// and CPU budgets for the sync engine.
//
// All counters are lock-free atomics, deliberately not serialized
// with the chain lock: two unrelated transactions never block on each
// other for pure accounting.
package governor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/anchorsync/internal/metrics"
)

// Config holds the budgets. Zero values fall back to defaults.
type Config struct {
	MemoryLimit int64         // bytes
	TxLimit     int64         // transactions per reset window
	TxInterval  time.Duration // fixed reset window for the tx counter
	CPUBudget   time.Duration // CPU time allowed per CPU window
	CPUWindow   time.Duration // fixed reset window for CPU accounting
}

// DefaultConfig returns conservative defaults for an embedded
// deployment.
func DefaultConfig() Config {
	return Config{
		MemoryLimit: 256 << 20, // 256 MiB
		TxLimit:     1000,
		TxInterval:  time.Minute,
		CPUBudget:   10 * time.Second,
		CPUWindow:   time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = d.MemoryLimit
	}
	if c.TxLimit <= 0 {
		c.TxLimit = d.TxLimit
	}
	if c.TxInterval <= 0 {
		c.TxInterval = d.TxInterval
	}
	if c.CPUBudget <= 0 {
		c.CPUBudget = d.CPUBudget
	}
	if c.CPUWindow <= 0 {
		c.CPUWindow = d.CPUWindow
	}
	return c
}

// Governor tracks resource usage against the configured budgets.
// Used counters never go negative: releases clamp to what is
// currently tracked, and failed acquisitions roll back their own
// increment.
type Governor struct {
	cfg Config
	log zerolog.Logger

	memUsed atomic.Int64
	txUsed  atomic.Int64
	cpuUsed atomic.Int64 // nanoseconds in current window

	stop chan struct{}
	done sync.WaitGroup
	once sync.Once
}

// New builds a governor. Call Start to run the fixed-window reset
// loops and Stop to join them at shutdown.
func New(cfg Config, log zerolog.Logger) *Governor {
	return &Governor{
		cfg:  cfg.withDefaults(),
		log:  log.With().Str("component", "governor").Logger(),
		stop: make(chan struct{}),
	}
}

// CheckTx verifies memory headroom, then claims one slot of the
// fixed-window transaction budget. On success the returned guard owns
// the claim: call End (typically deferred) to close out accounting.
//
// Fixed-window semantics: the counter resets every TxInterval, so a
// burst is possible right after a window boundary. That is accepted -
// the limiter bounds sustained rate, not instantaneous shape.
func (g *Governor) CheckTx() (*TransactionGuard, error) {
	if used := g.memUsed.Load(); used >= g.cfg.MemoryLimit {
		return nil, &MemoryBudgetError{Requested: 0, Used: used, Limit: g.cfg.MemoryLimit}
	}

	used := g.txUsed.Add(1)
	if used > g.cfg.TxLimit {
		g.txUsed.Add(-1) // roll back our own increment
		return nil, &TxRateLimitError{Used: g.cfg.TxLimit, Limit: g.cfg.TxLimit}
	}

	return newGuard(g), nil
}

// AllocateMemory claims bytes against the memory budget. A failed
// allocation rolls back its own increment and leaves tracked usage
// untouched.
func (g *Governor) AllocateMemory(bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	used := g.memUsed.Add(bytes)
	if used > g.cfg.MemoryLimit {
		g.memUsed.Add(-bytes)
		return &MemoryBudgetError{Requested: bytes, Used: used - bytes, Limit: g.cfg.MemoryLimit}
	}
	return nil
}

// ReleaseMemory returns bytes to the budget, clamped to currently
// tracked usage so the counter can never underflow below zero.
func (g *Governor) ReleaseMemory(bytes int64) {
	if bytes <= 0 {
		return
	}
	for {
		cur := g.memUsed.Load()
		release := bytes
		if release > cur {
			release = cur
		}
		if g.memUsed.CompareAndSwap(cur, cur-release) {
			return
		}
	}
}

// RecordCPUUsage accumulates elapsed time into the current window.
// Exceeding the budget is reported but never undone - this is
// best-effort accounting, not a circuit breaker.
func (g *Governor) RecordCPUUsage(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	used := g.cpuUsed.Add(d.Nanoseconds())
	if used > g.cfg.CPUBudget.Nanoseconds() {
		metrics.ObserveCPUBudgetOverrun()
		g.log.Warn().
			Str("event", "cpu_budget_exceeded").
			Int64("used_ns", used).
			Int64("budget_ns", g.cfg.CPUBudget.Nanoseconds()).
			Msg("cpu budget exceeded")
		return &CPUBudgetError{Used: used, Limit: g.cfg.CPUBudget.Nanoseconds()}
	}
	return nil
}

// MemoryUsagePercent returns tracked memory as a percentage of the
// budget, capped at 100.
func (g *Governor) MemoryUsagePercent() float64 {
	return percent(g.memUsed.Load(), g.cfg.MemoryLimit)
}

// TxUsagePercent returns the consumed share of the current
// transaction window, capped at 100.
func (g *Governor) TxUsagePercent() float64 {
	return percent(g.txUsed.Load(), g.cfg.TxLimit)
}

// CPUUsagePercent returns the consumed share of the current CPU
// window, capped at 100.
func (g *Governor) CPUUsagePercent() float64 {
	return percent(g.cpuUsed.Load(), g.cfg.CPUBudget.Nanoseconds())
}

func percent(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	p := float64(used) * 100 / float64(limit)
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

// Start launches the fixed-window reset loops.
func (g *Governor) Start() {
	g.done.Add(2)
	go g.resetLoop(g.cfg.TxInterval, &g.txUsed, "tx_window_reset")
	go g.resetLoop(g.cfg.CPUWindow, &g.cpuUsed, "cpu_window_reset")
}

// Stop cancels the reset loops and joins them. Safe to call more
// than once.
func (g *Governor) Stop() {
	g.once.Do(func() { close(g.stop) })
	g.done.Wait()
}

// resetLoop zeroes a counter every interval until stopped.
// Cancellation is cooperative: the stop flag is checked each tick.
func (g *Governor) resetLoop(interval time.Duration, counter *atomic.Int64, event string) {
	defer g.done.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			counter.Store(0)
			g.log.Debug().Str("event", event).Msg("window reset")
		case <-g.stop:
			return
		}
	}
}
