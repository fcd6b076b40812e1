package dimse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPoolExhausted is returned by Get when MaxPoolSize associations are in use.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ConnectionPool manages a pool of DICOM associations to one peer
type ConnectionPool struct {
	config        AssociationConfig
	maxSize       int
	maxIdleTime   time.Duration
	idle          []*Association
	inUse         int
	closed        bool
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	done          chan struct{}
	dial          func(ctx context.Context, cfg AssociationConfig) (*Association, error)
}

// PoolConfig holds configuration for connection pool
type PoolConfig struct {
	AssociationConfig
	MaxPoolSize int
	MaxIdleTime time.Duration
}

// NewConnectionPool creates a new connection pool
func NewConnectionPool(config PoolConfig) *ConnectionPool {
	if config.MaxPoolSize == 0 {
		config.MaxPoolSize = 5
	}
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = 5 * time.Minute
	}

	pool := &ConnectionPool{
		config:        config.AssociationConfig,
		maxSize:       config.MaxPoolSize,
		maxIdleTime:   config.MaxIdleTime,
		idle:          make([]*Association, 0, config.MaxPoolSize),
		cleanupTicker: time.NewTicker(1 * time.Minute),
		done:          make(chan struct{}),
		dial:          dialAssociation,
	}

	go pool.cleanup()

	return pool
}

func dialAssociation(ctx context.Context, cfg AssociationConfig) (*Association, error) {
	assoc := NewAssociation(cfg)
	if err := assoc.Connect(ctx); err != nil {
		return nil, err
	}
	return assoc, nil
}

// Get returns an idle association or opens a new one
func (p *ConnectionPool) Get(ctx context.Context) (*Association, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("connection pool closed")
	}

	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		conn := p.idle[last]
		p.idle = p.idle[:last]
		if conn.IsConnected() {
			p.inUse++
			p.mu.Unlock()
			return conn, nil
		}
	}

	if p.inUse >= p.maxSize {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.inUse++
	p.mu.Unlock()

	conn, err := p.dial(ctx, p.config)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to create new connection: %w", err)
	}
	return conn, nil
}

// Put returns an association to the pool. Broken associations are dropped.
func (p *ConnectionPool) Put(conn *Association) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUse--

	if p.closed || !conn.IsConnected() || len(p.idle) >= p.maxSize {
		conn.Close()
		return
	}

	p.idle = append(p.idle, conn)
}

// Close releases all idle associations and stops the pool
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.done)
	p.cleanupTicker.Stop()

	var errs []error
	for _, conn := range idle {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// cleanup periodically removes idle connections
func (p *ConnectionPool) cleanup() {
	for {
		select {
		case <-p.cleanupTicker.C:
			p.removeIdleConnections()
		case <-p.done:
			return
		}
	}
}

// removeIdleConnections removes connections that have been idle too long
func (p *ConnectionPool) removeIdleConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	active := make([]*Association, 0, len(p.idle))

	for _, conn := range p.idle {
		if now.Sub(conn.GetLastUsed()) > p.maxIdleTime || !conn.IsConnected() {
			conn.Close()
			continue
		}
		active = append(active, conn)
	}

	p.idle = active
}

// Stats returns pool statistics
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		IdleConnections:  len(p.idle),
		InUseConnections: p.inUse,
		MaxSize:          p.maxSize,
	}
}

// PoolStats holds pool statistics
type PoolStats struct {
	IdleConnections  int
	InUseConnections int
	MaxSize          int
}
