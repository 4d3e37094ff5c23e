package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Pool bounds access to a backend connection pool.
type Pool struct {
	backend      backend
	dialect      Dialect
	slots        chan struct{}
	queueMax     int
	queueTimeout time.Duration
	logger       zerolog.Logger

	waiting   atomic.Int32
	acquired  atomic.Int64
	timeouts  atomic.Int64
	queueFull atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newPool(b backend, cfg Config) *Pool {
	p := &Pool{
		backend:      b,
		dialect:      cfg.Driver,
		slots:        make(chan struct{}, cfg.MaxConns),
		queueMax:     cfg.QueueMax,
		queueTimeout: cfg.QueueTimeout,
		logger:       log.With().Str("component", "store").Logger(),
		closed:       make(chan struct{}),
	}
	p.logger.Info().
		Str("driver", string(cfg.Driver)).
		Int("max_conns", cfg.MaxConns).
		Int("min_conns", cfg.MinConns).
		Int("queue_max", cfg.QueueMax).
		Dur("queue_timeout", cfg.QueueTimeout).
		Msg("Connection pool created")
	return p
}

// Acquire waits for a free slot and returns a connection.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}

	select {
	case p.slots <- struct{}{}:
	default:
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
	}

	c, err := p.backend.acquire(ctx)
	if err != nil {
		<-p.slots
		rtmsPoolAcquireFailuresTotal.WithLabelValues("backend").Inc()
		return nil, fmt.Errorf("%w: %w", ErrAcquire, err)
	}

	p.acquired.Add(1)
	rtmsPoolInUse.Inc()
	p.logger.Debug().Int("in_use", len(p.slots)).Msg("Connection acquired")
	return &pooledConn{Conn: c, pool: p}, nil
}

func (p *Pool) wait(ctx context.Context) error {
	if int(p.waiting.Add(1)) > p.queueMax {
		p.waiting.Add(-1)
		p.queueFull.Add(1)
		rtmsPoolAcquireFailuresTotal.WithLabelValues("queue_full").Inc()
		p.logger.Error().Int("queue_max", p.queueMax).Msg("Connection pool wait queue full")
		return ErrQueueFull
	}
	defer p.waiting.Add(-1)

	timer := time.NewTimer(p.queueTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-timer.C:
		p.timeouts.Add(1)
		rtmsPoolAcquireFailuresTotal.WithLabelValues("timeout").Inc()
		p.logger.Error().Dur("queue_timeout", p.queueTimeout).Msg("Connection pool queue timeout")
		return ErrAcquireTimeout
	case <-ctx.Done():
		rtmsPoolAcquireFailuresTotal.WithLabelValues("canceled").Inc()
		return fmt.Errorf("%w: %w", ErrAcquire, ctx.Err())
	case <-p.closed:
		return ErrClosed
	}
}

func (p *Pool) release() {
	<-p.slots
	rtmsPoolInUse.Dec()
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() Stats {
	open, idle := p.backend.stats()
	return Stats{
		MaxConns:  cap(p.slots),
		InUse:     len(p.slots),
		Idle:      idle,
		Open:      open,
		Waiting:   int(p.waiting.Load()),
		QueueMax:  p.queueMax,
		Acquired:  p.acquired.Load(),
		Timeouts:  p.timeouts.Load(),
		QueueFull: p.queueFull.Load(),
	}
}

// Close closes the backend. Connections still acquired are closed by the backend.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.backend.close()
		p.logger.Info().Msg("Connection pool closed")
	})
}

type pooledConn struct {
	Conn
	pool *Pool
	once sync.Once
}

func (c *pooledConn) Release() {
	c.once.Do(func() {
		c.Conn.Release()
		c.pool.release()
	})
}
