package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/workmesh/relay/internal/tenant"
	relayerr "github.com/workmesh/relay/pkg/errors"
	"github.com/workmesh/relay/pkg/wire"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClientOptions() Options {
	return Options{
		HandshakeTimeout:     time.Second,
		RPCTimeout:           time.Second,
		ReconnectBaseDelay:   20 * time.Millisecond,
		ReconnectMaxDelay:    100 * time.Millisecond,
		MaxReconnectAttempts: 10,
	}
}

func newTestClient(t *testing.T, g *fakeGateway, opts Options) *Client {
	t.Helper()
	c := NewClient(zap.NewNop(), "T1", tenant.Endpoint{URL: g.url(), Token: "tok"}, opts)
	t.Cleanup(c.Close)
	return c
}

// rpcEcho answers every request with the given payload until the socket dies.
func rpcEcho(payload string) func(conn *websocket.Conn) {
	return func(conn *websocket.Conn) {
		for {
			var req wire.Frame
			if conn.ReadJSON(&req) != nil {
				return
			}
			_ = conn.WriteJSON(wire.Frame{
				Type: wire.FrameResponse, ID: req.ID, OK: true,
				Payload: json.RawMessage(payload),
			})
		}
	}
}

func TestClientConnectIsIdempotent(t *testing.T) {
	g := newFakeGateway(t, rpcEcho(`{"ok":true}`))
	c := newTestClient(t, g, testClientOptions())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Connect(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, StateConnected, c.State())
	g.mu.Lock()
	conns := len(g.conns)
	g.mu.Unlock()
	assert.Equal(t, 1, conns)
}

func TestClientSendChatReturnsRunID(t *testing.T) {
	g := newFakeGateway(t, rpcEcho(`{"runId":"run-9","status":"accepted"}`))
	c := newTestClient(t, g, testClientOptions())
	require.NoError(t, c.Connect(context.Background()))

	runID, err := c.SendChat(context.Background(), "agent:a:T1:E1", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "run-9", runID)
}

func TestClientSendChatGeneratesIdempotencyKey(t *testing.T) {
	keys := make(chan string, 2)
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		for {
			var req wire.Frame
			if conn.ReadJSON(&req) != nil {
				return
			}
			var params wire.ChatSendParams
			_ = json.Unmarshal(req.Params, &params)
			keys <- params.IdempotencyKey
			_ = conn.WriteJSON(wire.Frame{
				Type: wire.FrameResponse, ID: req.ID, OK: true,
				Payload: json.RawMessage(`{"runId":"r1"}`),
			})
		}
	})
	c := newTestClient(t, g, testClientOptions())
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.SendChat(context.Background(), "agent:a:T1:E1", "hi", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, <-keys)

	_, err = c.SendChat(context.Background(), "agent:a:T1:E1", "hi", &SendOptions{IdempotencyKey: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", <-keys)
}

func TestClientChatHistoryFlattensMessages(t *testing.T) {
	history := `{"messages":[
		{"role":"user","content":"question","timestamp":"2026-01-02T03:04:05Z"},
		{"role":"assistant","content":[{"type":"text","text":"an"},{"type":"tool_use","id":"x"},{"type":"text","text":"swer"}]},
		{"role":"system","content":"hidden"}
	]}`
	g := newFakeGateway(t, rpcEcho(history))
	c := newTestClient(t, g, testClientOptions())
	require.NoError(t, c.Connect(context.Background()))

	msgs, err := c.ChatHistory(context.Background(), "agent:a:T1:E1", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "question", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "answer", msgs[1].Content)
}

func TestClientRPCWhileDisconnected(t *testing.T) {
	g := newFakeGateway(t, nil)
	c := newTestClient(t, g, testClientOptions())

	_, err := c.SendChat(context.Background(), "agent:a:T1:E1", "hi", nil)
	assert.ErrorIs(t, err, relayerr.ErrUnavailable)
}

func TestClientReconnectsAfterConnectionLoss(t *testing.T) {
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		var req wire.Frame
		for conn.ReadJSON(&req) == nil {
			_ = conn.WriteJSON(wire.Frame{
				Type: wire.FrameResponse, ID: req.ID, OK: true,
				Payload: json.RawMessage(`{"ok":true}`),
			})
		}
	})
	c := newTestClient(t, g, testClientOptions())
	require.NoError(t, c.Connect(context.Background()))

	// kill the server side of the first connection
	g.mu.Lock()
	first := g.conns[0]
	g.mu.Unlock()
	_ = first.Close()

	require.Eventually(t, c.Connected, 3*time.Second, 20*time.Millisecond,
		"client did not reconnect")

	g.mu.Lock()
	conns := len(g.conns)
	g.mu.Unlock()
	assert.GreaterOrEqual(t, conns, 2)

	// the revived connection serves RPCs again
	err := c.AbortChat(context.Background(), "r1")
	assert.NoError(t, err)
}

func TestClientEntersFailedStateWhenBudgetSpent(t *testing.T) {
	g := newFakeGateway(t, nil)
	opts := testClientOptions()
	opts.MaxReconnectAttempts = 2
	c := newTestClient(t, g, opts)
	require.NoError(t, c.Connect(context.Background()))

	// take the gateway down entirely so every reconnect fails
	g.close()

	require.Eventually(t, func() bool { return c.State() == StateFailed },
		3*time.Second, 20*time.Millisecond, "client never gave up")
}

func TestClientCloseStopsReconnecting(t *testing.T) {
	g := newFakeGateway(t, nil)
	c := newTestClient(t, g, testClientOptions())
	require.NoError(t, c.Connect(context.Background()))

	g.mu.Lock()
	first := g.conns[0]
	g.mu.Unlock()
	_ = first.Close()

	require.Eventually(t, func() bool { return c.State() == StateReconnecting },
		time.Second, 10*time.Millisecond)
	c.Close()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), relayerr.ErrClientClosed)
}

func TestBackoffDelayLaw(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	// midpoint jitter keeps the raw doubling curve
	mid := 0.5
	assert.Equal(t, time.Second, backoffDelay(base, max, 1, mid))
	assert.Equal(t, 2*time.Second, backoffDelay(base, max, 2, mid))
	assert.Equal(t, 4*time.Second, backoffDelay(base, max, 3, mid))
	assert.Equal(t, 30*time.Second, backoffDelay(base, max, 10, mid))

	// jitter bounds: 70% to 130% of the capped delay
	assert.Equal(t, 700*time.Millisecond, backoffDelay(base, max, 1, 0))
	lo, hi := backoffDelay(base, max, 6, 0), backoffDelay(base, max, 6, 0.999)
	assert.GreaterOrEqual(t, lo, 21*time.Second-time.Millisecond)
	assert.LessOrEqual(t, hi, 39*time.Second)
}
