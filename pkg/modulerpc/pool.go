package modulerpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// PoolConfig bounds one module's connection pool.
type PoolConfig struct {
	Min             int
	Max             int
	IdleTimeout     time.Duration
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
	Address         string
	TLS             bool
}

type pooledConn struct {
	conn      *grpc.ClientConn
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
}

// Pool is a per-module bounded connection pool. A single mutex guards the
// free-list and the in-use set, per the documented concurrency model.
type Pool struct {
	cfg  PoolConfig
	mu   sync.Mutex
	free []*pooledConn
	inUse map[*pooledConn]struct{}
	total int
}

// NewPool creates a pool and warms it to cfg.Min connections.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.Min > cfg.Max {
		cfg.Min = cfg.Max
	}
	p := &Pool{cfg: cfg, inUse: make(map[*pooledConn]struct{})}
	for i := 0; i < cfg.Min; i++ {
		c, err := p.dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("modulerpc: warming pool for %q: %w", cfg.Address, err)
		}
		p.free = append(p.free, c)
		p.total++
	}
	return p, nil
}

func (p *Pool) dial(ctx context.Context) (*pooledConn, error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}
	conn, err := grpc.NewClient(p.cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                20 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, err
	}
	_ = dialCtx
	now := time.Now()
	return &pooledConn{conn: conn, createdAt: now, lastUsed: now}, nil
}

// Acquire borrows a connection, blocking until the connect deadline carried
// by ctx. A caller that cannot acquire one within that deadline observes
// ctx.Err() (the Module RPC Client maps this to RPCError("connection timeout")).
func (p *Pool) Acquire(ctx context.Context) (*grpc.ClientConn, func(), error) {
	for {
		p.mu.Lock()
		p.reapLocked()
		if len(p.free) > 0 {
			c := p.free[len(p.free)-1]
			p.free = p.free[:len(p.free)-1]
			c.inUse = true
			c.lastUsed = time.Now()
			p.inUse[c] = struct{}{}
			p.mu.Unlock()
			return c.conn, func() { p.release(c) }, nil
		}
		if p.total < p.cfg.Max {
			p.total++
			p.mu.Unlock()
			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, nil, err
			}
			p.mu.Lock()
			c.inUse = true
			c.lastUsed = time.Now()
			p.inUse[c] = struct{}{}
			p.mu.Unlock()
			return c.conn, func() { p.release(c) }, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (p *Pool) release(c *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, c)
	c.inUse = false
	c.lastUsed = time.Now()

	if p.cfg.MaxConnLifetime > 0 && time.Since(c.createdAt) > p.cfg.MaxConnLifetime {
		p.closeLocked(c)
		return
	}
	p.free = append(p.free, c)
}

// reapLocked closes idle connections past IdleTimeout, keeping at least Min
// warm. Must be called with p.mu held.
func (p *Pool) reapLocked() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	now := time.Now()
	kept := p.free[:0]
	for _, c := range p.free {
		if p.total > p.cfg.Min && now.Sub(c.lastUsed) > p.cfg.IdleTimeout {
			p.closeLocked(c)
			continue
		}
		kept = append(kept, c)
	}
	p.free = kept
}

func (p *Pool) closeLocked(c *pooledConn) {
	_ = c.conn.Close()
	p.total--
}

// Stats reports pool occupancy for the metrics sink.
type Stats struct {
	Total int
	InUse int
	Idle  int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Total: p.total, InUse: len(p.inUse), Idle: len(p.free)}
}

// Close closes every connection in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.free {
		_ = c.conn.Close()
	}
	for c := range p.inUse {
		_ = c.conn.Close()
	}
	p.free = nil
	p.inUse = make(map[*pooledConn]struct{})
	p.total = 0
	return nil
}
