package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/workmesh/relay/internal/common/config"
	"github.com/workmesh/relay/internal/tenant"

	"go.uber.org/zap"
)

// Pool keeps at most one gateway client per tenant, created lazily on first
// use and pruned when idle.
type Pool struct {
	logger    *zap.Logger
	directory tenant.Directory
	opts      Options

	pruneInterval time.Duration
	idleTimeout   time.Duration

	mu      sync.Mutex
	entries map[string]*poolEntry

	stopCh   chan struct{}
	stopOnce sync.Once
}

type poolEntry struct {
	client     *Client
	createdAt  time.Time
	lastAccess time.Time
}

// TenantStats is one tenant's row in the pool stats.
type TenantStats struct {
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
	LastAccess   time.Time `json:"lastAccess"`
	LastActivity time.Time `json:"lastActivity,omitempty"`
}

// NewPool builds a pool. Call Start to run the prune loop.
func NewPool(logger *zap.Logger, directory tenant.Directory, opts Options, cfg config.PoolConfig) *Pool {
	return &Pool{
		logger:        logger.Named("gateway.pool"),
		directory:     directory,
		opts:          opts,
		pruneInterval: cfg.PruneInterval,
		idleTimeout:   cfg.IdleTimeout,
		entries:       make(map[string]*poolEntry),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background prune loop.
func (p *Pool) Start() {
	go p.pruneLoop()
}

// GetClient returns a connected client for the tenant, reviving or replacing
// a stale one as needed. Connection errors propagate to the caller.
func (p *Pool) GetClient(ctx context.Context, tenantID string) (*Client, error) {
	p.mu.Lock()
	e := p.entries[tenantID]
	if e != nil {
		if e.client.Connected() {
			e.lastAccess = time.Now()
			c := e.client
			p.mu.Unlock()
			return c, nil
		}
		stale := e.client
		p.mu.Unlock()

		// One inline revival attempt, unless the client already gave up.
		if stale.State() != StateFailed {
			if err := stale.Connect(ctx); err == nil {
				p.mu.Lock()
				if cur := p.entries[tenantID]; cur != nil && cur.client == stale {
					cur.lastAccess = time.Now()
					p.mu.Unlock()
					return stale, nil
				}
				p.mu.Unlock()
			}
		}
		p.logger.Info("replacing stale gateway client",
			zap.String("tenant", tenantID),
			zap.String("state", string(stale.State())))
		p.evict(tenantID, stale)
	} else {
		p.mu.Unlock()
	}

	ep, err := p.directory.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	client := NewClient(p.logger, tenantID, ep, p.opts)
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, err
	}

	now := time.Now()
	p.mu.Lock()
	if cur := p.entries[tenantID]; cur != nil && cur.client.Connected() {
		// lost a create race; keep the established entry
		cur.lastAccess = now
		winner := cur.client
		p.mu.Unlock()
		client.Close()
		return winner, nil
	}
	var displaced *Client
	if cur := p.entries[tenantID]; cur != nil {
		displaced = cur.client
	}
	p.entries[tenantID] = &poolEntry{client: client, createdAt: now, lastAccess: now}
	p.mu.Unlock()

	if displaced != nil {
		displaced.Close()
	}
	return client, nil
}

// evict removes the entry for tenantID if it still holds expect.
func (p *Pool) evict(tenantID string, expect *Client) {
	p.mu.Lock()
	var victim *Client
	if e := p.entries[tenantID]; e != nil && e.client == expect {
		delete(p.entries, tenantID)
		victim = e.client
	}
	p.mu.Unlock()
	if victim != nil {
		victim.Close()
	}
}

// Stats snapshots every pooled tenant.
func (p *Pool) Stats() map[string]TenantStats {
	p.mu.Lock()
	entries := make(map[string]*poolEntry, len(p.entries))
	for id, e := range p.entries {
		entries[id] = e
	}
	p.mu.Unlock()

	out := make(map[string]TenantStats, len(entries))
	for id, e := range entries {
		out[id] = TenantStats{
			State:        e.client.State(),
			CreatedAt:    e.createdAt,
			LastAccess:   e.lastAccess,
			LastActivity: e.client.LastActivity(),
		}
	}
	return out
}

// Shutdown stops pruning and closes every client.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.client.Close()
	}
}

func (p *Pool) pruneLoop() {
	ticker := time.NewTicker(p.pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.prune()
		case <-p.stopCh:
			return
		}
	}
}

// prune closes clients idle beyond the threshold. Idleness is the later of
// the pool's last hand-out and the connection's own last frame, so a tenant
// with an active streaming run is never pruned.
func (p *Pool) prune() {
	now := time.Now()

	p.mu.Lock()
	var victims []*Client
	for id, e := range p.entries {
		idle := e.lastAccess
		if la := e.client.LastActivity(); la.After(idle) {
			idle = la
		}
		if now.Sub(idle) > p.idleTimeout {
			p.logger.Info("pruning idle gateway client",
				zap.String("tenant", id),
				zap.Time("idleSince", idle))
			victims = append(victims, e.client)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()

	for _, c := range victims {
		c.Close()
	}
}
