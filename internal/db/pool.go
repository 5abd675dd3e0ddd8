package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/config"
	"github.com/paymetric/txn-ingester/internal/metrics"
)

var (
	// ErrPoolClosed is returned by operations after CloseAll.
	ErrPoolClosed = errors.New("db: pool closed")

	// ErrPoolUnhealthy is returned when acquired connections keep failing
	// the health probe.
	ErrPoolUnhealthy = errors.New("db: pool unhealthy")

	// ErrPoolExhausted is returned when no connection frees up within the
	// acquire timeout.
	ErrPoolExhausted = errors.New("db: pool exhausted")
)

const (
	acquireLatencyBudget = time.Second
	latencyWindowSize    = 100
)

// latencyWindow keeps a moving average over the last latencyWindowSize
// acquire durations.
type latencyWindow struct {
	mu   sync.Mutex
	buf  [latencyWindowSize]time.Duration
	n    int
	next int
	sum  time.Duration
}

func (w *latencyWindow) observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n == len(w.buf) {
		w.sum -= w.buf[w.next]
	} else {
		w.n++
	}
	w.buf[w.next] = d
	w.sum += d
	w.next = (w.next + 1) % len(w.buf)
}

func (w *latencyWindow) average() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n == 0 {
		return 0
	}
	return w.sum / time.Duration(w.n)
}

// Pool wraps pgxpool with a per-acquire health probe, idle recycling, and
// counters.
type Pool struct {
	pool   *pgxpool.Pool
	cfg    config.PostgresConfig
	logger *zap.Logger
	closed atomic.Bool

	acquired            atomic.Int64
	released            atomic.Int64
	exhaustions         atomic.Int64
	healthCheckFailures atomic.Int64
	recycled            atomic.Int64
	acquireLatency      latencyWindow
}

// PoolStats is a point-in-time snapshot of pool counters and sizes, plus
// the acquire latency averaged over the last LatencyWindow acquires.
type PoolStats struct {
	Acquired            int64
	Released            int64
	Exhaustions         int64
	HealthCheckFailures int64
	Recycled            int64
	AvgAcquireLatency   time.Duration
	LatencyWindow       int
	TotalConns          int32
	IdleConns           int32
	MaxConns            int32
}

func NewPool(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: parsing DSN: %w", err)
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.ConnConfig.ConnectTimeout = time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	// pgxpool retires idle connections; the recycle counter below tracks it.
	pc.MaxConnIdleTime = time.Duration(cfg.IdleRecycleSeconds) * time.Second

	p := &Pool{cfg: cfg, logger: logger.Named("db.pool")}
	pc.BeforeClose = func(*pgx.Conn) {
		p.recycled.Add(1)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("db: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: pinging database: %w", err)
	}

	p.pool = pool
	p.logger.Info("pool ready",
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns),
	)
	return p, nil
}

// Acquire returns a probed connection. An unhealthy connection is discarded
// and the acquire retried once; a second failure surfaces ErrPoolUnhealthy.
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	acquireCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.ConnectTimeoutSeconds)*time.Second)
	defer cancel()

	start := time.Now()
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := p.pool.Acquire(acquireCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				p.exhaustions.Add(1)
				metrics.PoolExhaustionsTotal.Inc()
				return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
			}
			return nil, fmt.Errorf("db: acquiring connection: %w", err)
		}

		if _, err := conn.Exec(acquireCtx, "SELECT 1"); err != nil {
			p.healthCheckFailures.Add(1)
			p.logger.Warn("health probe failed, discarding connection",
				zap.Int("attempt", attempt+1), zap.Error(err))
			p.Release(conn, true)
			continue
		}

		p.acquired.Add(1)
		elapsed := time.Since(start)
		p.acquireLatency.observe(elapsed)
		if elapsed > acquireLatencyBudget {
			p.logger.Warn("slow acquire", zap.Duration("elapsed", elapsed))
		}
		return conn, nil
	}
	return nil, ErrPoolUnhealthy
}

// Release returns the connection to the pool. close forces disposal, used
// after a write error.
func (p *Pool) Release(conn *pgxpool.Conn, close bool) {
	if conn == nil {
		return
	}
	if close {
		// Closing the underlying conn makes pgxpool destroy it on release.
		_ = conn.Conn().Close(context.Background())
	}
	conn.Release()
	p.released.Add(1)
}

// WithTx runs fn inside one transaction on a probed connection. The
// connection is disposed when fn or the commit fails.
func (p *Pool) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		p.Release(conn, true)
		return fmt.Errorf("db: beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		p.Release(conn, true)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		p.Release(conn, true)
		return fmt.Errorf("db: committing transaction: %w", err)
	}
	p.Release(conn, false)
	return nil
}

func (p *Pool) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	return p.pool.Ping(ctx)
}

func (p *Pool) Metrics() PoolStats {
	s := PoolStats{
		Acquired:            p.acquired.Load(),
		Released:            p.released.Load(),
		Exhaustions:         p.exhaustions.Load(),
		HealthCheckFailures: p.healthCheckFailures.Load(),
		Recycled:            p.recycled.Load(),
		AvgAcquireLatency:   p.acquireLatency.average(),
		LatencyWindow:       latencyWindowSize,
	}
	if !p.closed.Load() {
		st := p.pool.Stat()
		s.TotalConns = st.TotalConns()
		s.IdleConns = st.IdleConns()
		s.MaxConns = st.MaxConns()
	}
	return s
}

// CloseAll drains and closes the pool; subsequent operations fail.
func (p *Pool) CloseAll() {
	if p.closed.Swap(true) {
		return
	}
	p.pool.Close()
	p.logger.Info("pool closed")
}
