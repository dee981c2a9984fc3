// Package engine is the ledger and reconciliation core: stock movements, cash
// register sessions, sale commits and the read-side reports built on them.
// Every mutation runs inside store.Repository.WithinTx under a bounded
// timeout; persistence conflicts are retried a few times before surfacing.
package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/cache"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/logger"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/metrics"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/money"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store"
)

type Config struct {
	// MaxRetries bounds how many times a conflicting transaction is re-run.
	MaxRetries       int
	OperationTimeout time.Duration
	// VarianceTolerance separates a minor close-out difference from a critical one.
	VarianceTolerance money.Money
	ReportCacheTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		OperationTimeout:  5 * time.Second,
		VarianceTolerance: money.FromCents(500),
		ReportCacheTTL:    30 * time.Second,
	}
}

type Engine struct {
	Ledger   *Ledger
	Register *Register
	Sales    *Sales
	Reports  *Reports
}

type Option func(*core)

func WithLogger(log *logger.Logger) Option {
	return func(c *core) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(c *core) { c.metrics = m }
}

func WithCache(rc cache.ReportCache) Option {
	return func(c *core) {
		if rc != nil {
			c.cache = rc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *core) {
		if now != nil {
			c.now = now
		}
	}
}

// core is shared by the four components.
type core struct {
	repo    store.Repository
	cfg     Config
	log     *logger.Logger
	metrics *metrics.LedgerMetrics
	cache   cache.ReportCache
	now     func() time.Time

	// lowStockGen counts low-stock invalidations. A report fetched across
	// a bump is stale and must not be cached.
	lowStockGen atomic.Uint64
}

func New(repo store.Repository, cfg Config, opts ...Option) *Engine {
	defaults := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.VarianceTolerance.IsNegative() {
		cfg.VarianceTolerance = 0
	}
	if cfg.ReportCacheTTL <= 0 {
		cfg.ReportCacheTTL = defaults.ReportCacheTTL
	}

	c := &core{
		repo:  repo,
		cfg:   cfg,
		log:   logger.Nop(),
		cache: cache.NoopReportCache{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}

	ledger := &Ledger{core: c}
	register := &Register{core: c}
	return &Engine{
		Ledger:   ledger,
		Register: register,
		Sales:    &Sales{core: c, ledger: ledger, register: register},
		Reports:  newReports(c),
	}
}

// run executes fn in a transaction, re-running it on PersistenceConflict up
// to MaxRetries times. Timeouts and every other failure surface immediately.
func (c *core) run(ctx context.Context, operation string, fn func(ctx context.Context, tx store.Tx) error) error {
	started := time.Now()
	var err error
	for attempt := 0; ; attempt++ {
		err = c.attempt(ctx, fn)
		if err == nil || !errors.Is(err, apperror.ErrPersistenceConflict) || attempt >= c.cfg.MaxRetries {
			break
		}
		c.metrics.IncConflictRetry(operation)
		c.log.Debug(c.log.WithFields(ctx, map[string]any{"operation": operation, "attempt": attempt + 1}), "retrying after persistence conflict")
		if waitErr := backoff(ctx, attempt); waitErr != nil {
			break
		}
	}
	c.metrics.ObserveOperation(operation, outcome(err), time.Since(started))
	return err
}

func (c *core) attempt(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	err := c.repo.WithinTx(opCtx, fn)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, apperror.ErrPersistenceTimeout) {
		return apperror.Wrap(apperror.KindPersistenceTimeout, err, "operation timed out")
	}
	return err
}

func backoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(time.Duration(attempt+1) * 5 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperror.KindOf(err))
}

func (c *core) invalidateLowStock(ctx context.Context) {
	c.lowStockGen.Add(1)
	if err := c.cache.Invalidate(ctx, cache.KeyLowStock); err != nil {
		c.log.Error(ctx, "invalidate low-stock report", err)
	}
}
