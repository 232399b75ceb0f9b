package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/workmesh/relay/internal/common/config"
	"github.com/workmesh/relay/internal/tenant"
	relayerr "github.com/workmesh/relay/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T, dir tenant.Directory, cfg config.PoolConfig) *Pool {
	t.Helper()
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Hour
	}
	p := NewPool(zap.NewNop(), dir, testClientOptions(), cfg)
	t.Cleanup(p.Shutdown)
	return p
}

func staticDir(tenantID, url string) *tenant.StaticDirectory {
	return tenant.NewStaticDirectory([]config.TenantConfig{
		{ID: tenantID, GatewayURL: url, Token: "tok"},
	})
}

func TestPoolReusesHealthyClient(t *testing.T) {
	g := newFakeGateway(t, rpcEcho(`{"ok":true}`))
	p := newTestPool(t, staticDir("T1", g.url()), config.PoolConfig{})

	c1, err := p.GetClient(context.Background(), "T1")
	require.NoError(t, err)
	c2, err := p.GetClient(context.Background(), "T1")
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	g.mu.Lock()
	conns := len(g.conns)
	g.mu.Unlock()
	assert.Equal(t, 1, conns)
}

func TestPoolUnknownTenant(t *testing.T) {
	g := newFakeGateway(t, nil)
	p := newTestPool(t, staticDir("T1", g.url()), config.PoolConfig{})

	_, err := p.GetClient(context.Background(), "nope")
	assert.ErrorIs(t, err, relayerr.ErrTenantUnknown)
}

func TestPoolPropagatesConnectErrors(t *testing.T) {
	dir := staticDir("T1", "ws://127.0.0.1:1") // nothing listens there
	p := newTestPool(t, dir, config.PoolConfig{})

	_, err := p.GetClient(context.Background(), "T1")
	assert.Error(t, err)
	assert.Empty(t, p.Stats())
}

func TestPoolReplacesFailedClient(t *testing.T) {
	g := newFakeGateway(t, rpcEcho(`{"ok":true}`))
	p := newTestPool(t, staticDir("T1", g.url()), config.PoolConfig{})

	c1, err := p.GetClient(context.Background(), "T1")
	require.NoError(t, err)

	// simulate a client whose reconnect budget is spent
	c1.mu.Lock()
	c1.state = StateFailed
	c1.transport = nil
	c1.mu.Unlock()

	c2, err := p.GetClient(context.Background(), "T1")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.True(t, c2.Connected())

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, StateConnected, stats["T1"].State)
}

func TestPoolRevivesDisconnectedClient(t *testing.T) {
	g := newFakeGateway(t, rpcEcho(`{"ok":true}`))
	p := newTestPool(t, staticDir("T1", g.url()), config.PoolConfig{})

	c1, err := p.GetClient(context.Background(), "T1")
	require.NoError(t, err)

	// drop the transport without marking the client failed
	c1.mu.Lock()
	tr := c1.transport
	c1.transport = nil
	c1.state = StateDisconnected
	c1.mu.Unlock()
	tr.Close()

	c2, err := p.GetClient(context.Background(), "T1")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.True(t, c2.Connected())
}

func TestPoolPrunesIdleClients(t *testing.T) {
	g := newFakeGateway(t, rpcEcho(`{"ok":true}`))
	p := newTestPool(t, staticDir("T1", g.url()), config.PoolConfig{
		PruneInterval: 20 * time.Millisecond,
		IdleTimeout:   50 * time.Millisecond,
	})
	p.Start()

	c1, err := p.GetClient(context.Background(), "T1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(p.Stats()) == 0 },
		2*time.Second, 10*time.Millisecond, "idle client was not pruned")
	assert.Equal(t, StateDisconnected, c1.State())
}

func TestPoolKeepsBusyClientsAlive(t *testing.T) {
	g := newFakeGateway(t, rpcEcho(`{"ok":true}`))
	p := newTestPool(t, staticDir("T1", g.url()), config.PoolConfig{
		PruneInterval: 20 * time.Millisecond,
		IdleTimeout:   80 * time.Millisecond,
	})
	p.Start()

	c1, err := p.GetClient(context.Background(), "T1")
	require.NoError(t, err)

	// keep traffic flowing past several prune sweeps
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, c1.AbortChat(context.Background(), "r1"))
		time.Sleep(20 * time.Millisecond)
	}

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, StateConnected, stats["T1"].State)
}

func TestPoolShutdownClosesEverything(t *testing.T) {
	g := newFakeGateway(t, rpcEcho(`{"ok":true}`))
	p := newTestPool(t, staticDir("T1", g.url()), config.PoolConfig{})

	c1, err := p.GetClient(context.Background(), "T1")
	require.NoError(t, err)

	p.Shutdown()
	assert.Empty(t, p.Stats())
	assert.Equal(t, StateDisconnected, c1.State())
}
