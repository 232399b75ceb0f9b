package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/workmesh/relay/internal/tenant"
	relayerr "github.com/workmesh/relay/pkg/errors"
	"github.com/workmesh/relay/pkg/metrics"
	"github.com/workmesh/relay/pkg/wire"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// State is the client's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateFailed means the reconnect budget is spent. The client stays dead
	// until the pool replaces it.
	StateFailed State = "failed"
)

// Options configures a Client. One Options value is shared by every client
// the pool creates; per-tenant data lives in the Endpoint.
type Options struct {
	HandshakeTimeout     time.Duration
	RPCTimeout           time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	Client wire.ClientInfo
	Role   string
	Scopes []string

	// OnEvent receives every event frame from every transport this client
	// opens, tagged with the owning tenant.
	OnEvent func(tenantID, event string, payload []byte)

	Metrics *metrics.Metrics
}

// SendOptions tunes a single chat.send.
type SendOptions struct {
	IdempotencyKey string
	TimeoutMs      int64
	Thinking       bool
	// OnEvent, when set, receives the raw chat events of the started run.
	OnEvent EventCallback
}

// Client is the per-tenant gateway connection: a Transport plus the
// reconnect policy around it. All RPC surface (chat, cron) lives here.
type Client struct {
	logger   *zap.Logger
	tenantID string
	endpoint tenant.Endpoint
	opts     Options

	mu             sync.Mutex
	state          State
	transport      *Transport
	connecting     chan struct{}
	connectErr     error
	attempts       int
	reconnectTimer *time.Timer
	closed         bool
}

// NewClient builds a client for one tenant. It does not dial; call Connect.
func NewClient(logger *zap.Logger, tenantID string, endpoint tenant.Endpoint, opts Options) *Client {
	return &Client{
		logger:   logger.Named("gateway.client").With(zap.String("tenant", tenantID)),
		tenantID: tenantID,
		endpoint: endpoint,
		opts:     opts,
		state:    StateDisconnected,
	}
}

// Connect establishes the gateway connection. It is idempotent: concurrent
// callers share one dial attempt, and a connected client returns nil
// immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return relayerr.ErrClientClosed
	}
	if c.state == StateConnected && c.transport != nil {
		c.mu.Unlock()
		return nil
	}
	if c.connecting != nil {
		ch := c.connecting
		c.mu.Unlock()
		select {
		case <-ch:
			c.mu.Lock()
			err := c.connectErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	c.connecting = ch
	c.state = StateConnecting
	c.mu.Unlock()

	tr, err := c.dial(ctx)

	c.mu.Lock()
	c.connecting = nil
	if c.closed {
		if err == nil {
			err = relayerr.ErrClientClosed
		}
	}
	c.connectErr = err
	if err == nil {
		c.transport = tr
		c.state = StateConnected
		c.attempts = 0
	} else {
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
	}
	close(ch)
	c.mu.Unlock()

	if err != nil {
		if tr != nil {
			tr.Close()
		}
		return err
	}
	c.logger.Info("gateway connected", zap.String("url", c.endpoint.URL))
	return nil
}

func (c *Client) dial(ctx context.Context) (*Transport, error) {
	return Dial(ctx, c.endpoint.URL, c.logger, TransportOptions{
		Token:            c.endpoint.Token,
		Client:           c.opts.Client,
		Role:             c.opts.Role,
		Scopes:           c.opts.Scopes,
		HandshakeTimeout: c.opts.HandshakeTimeout,
		OnEvent: func(event string, payload []byte) {
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(c.tenantID, event, payload)
			}
		},
		OnClose: c.handleTransportClose,
	})
}

// handleTransportClose fires when an established connection drops on error.
// Failures during dialing are reported by Dial itself and handled there.
func (c *Client) handleTransportClose(err error) {
	c.mu.Lock()
	if c.closed || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.state = StateReconnecting
	c.mu.Unlock()

	c.logger.Warn("gateway connection lost", zap.Error(err))
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateReconnecting || c.reconnectTimer != nil {
		return
	}
	c.attempts++
	if c.attempts > c.opts.MaxReconnectAttempts {
		c.state = StateFailed
		c.logger.Error("gateway unreachable, reconnect budget spent",
			zap.Int("attempts", c.attempts-1))
		return
	}
	delay := backoffDelay(c.opts.ReconnectBaseDelay, c.opts.ReconnectMaxDelay, c.attempts, rand.Float64())
	c.logger.Info("scheduling gateway reconnect",
		zap.Int("attempt", c.attempts),
		zap.Duration("delay", delay))
	c.reconnectTimer = time.AfterFunc(delay, c.attemptReconnect)
}

func (c *Client) attemptReconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.opts.Metrics.Reconnect(c.tenantID)
	tr, err := c.dial(context.Background())

	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		if tr != nil {
			tr.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("gateway reconnect failed", zap.Error(err))
		c.scheduleReconnect()
		return
	}
	c.transport = tr
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()
	c.logger.Info("gateway reconnected")
}

// backoffDelay computes the delay before reconnect attempt n (1-based):
// base doubled per attempt, capped at max, jittered by up to 30% either way.
// jitter must be in [0, 1).
func backoffDelay(base, max time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	factor := 0.7 + 0.6*jitter
	return time.Duration(float64(d) * factor)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the client has a handshaken transport.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.transport != nil && c.transport.Ready()
}

// LastActivity is the last frame time on the current transport, or zero when
// disconnected.
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return time.Time{}
	}
	return tr.LastActivity()
}

// Close stops reconnection and tears down the transport. The client cannot
// be reused afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	tr := c.transport
	c.transport = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
}

// SendChat starts a chat run and returns its run ID. The reply streams in
// asynchronously as chat events; the returned status only acknowledges
// acceptance.
func (c *Client) SendChat(ctx context.Context, sessionKey, message string, opts *SendOptions) (string, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	idem := opts.IdempotencyKey
	if idem == "" {
		idem = uuid.NewString()
	}

	params := wire.ChatSendParams{
		SessionKey:     sessionKey,
		Message:        message,
		IdempotencyKey: idem,
		TimeoutMs:      opts.TimeoutMs,
		Thinking:       opts.Thinking,
	}
	payload, err := c.call(ctx, wire.MethodChatSend, params)
	if err != nil {
		return "", err
	}

	var res wire.ChatSendResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return "", fmt.Errorf("decode chat.send result: %w", err)
	}
	if res.RunID == "" {
		return "", fmt.Errorf("chat.send returned no run id")
	}

	if opts.OnEvent != nil {
		c.mu.Lock()
		tr := c.transport
		c.mu.Unlock()
		if tr != nil {
			tr.OnRunEvent(res.RunID, opts.OnEvent)
		}
	}
	return res.RunID, nil
}

// ChatHistory fetches recent messages of a session, flattened to plain text.
// Only user and assistant turns are returned.
func (c *Client) ChatHistory(ctx context.Context, sessionKey string, limit int) ([]wire.ChatMessage, error) {
	payload, err := c.call(ctx, wire.MethodChatHistory, wire.ChatHistoryParams{SessionKey: sessionKey, Limit: limit})
	if err != nil {
		return nil, err
	}

	out := []wire.ChatMessage{}
	gjson.GetBytes(payload, "messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		if role != "user" && role != "assistant" {
			return true
		}
		out = append(out, wire.ChatMessage{
			Role:      role,
			Content:   wire.FlattenText(msg.Get("content")),
			Timestamp: msg.Get("timestamp").String(),
		})
		return true
	})
	return out, nil
}

// AbortChat asks the gateway to stop a run. A nil error means the abort was
// accepted; the aborted chat event confirms actual termination.
func (c *Client) AbortChat(ctx context.Context, runID string) error {
	_, err := c.call(ctx, wire.MethodChatAbort, wire.ChatAbortParams{RunID: runID})
	return err
}

// CronList returns the tenant's scheduled jobs.
func (c *Client) CronList(ctx context.Context, includeDisabled bool) ([]wire.CronJob, error) {
	payload, err := c.call(ctx, wire.MethodCronList, wire.CronListParams{IncludeDisabled: includeDisabled})
	if err != nil {
		return nil, err
	}
	var res wire.CronListResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode cron.list result: %w", err)
	}
	return res.Jobs, nil
}

// CronAdd creates a job and returns it with the gateway-assigned ID.
func (c *Client) CronAdd(ctx context.Context, job wire.CronJob) (wire.CronJob, error) {
	payload, err := c.call(ctx, wire.MethodCronAdd, wire.CronAddParams{Job: job})
	if err != nil {
		return wire.CronJob{}, err
	}
	var created wire.CronJob
	if err := json.Unmarshal(payload, &created); err != nil {
		return wire.CronJob{}, fmt.Errorf("decode cron.add result: %w", err)
	}
	return created, nil
}

// CronUpdate applies a patch to an existing job. The patch is opaque to the
// relay; the gateway owns its semantics.
func (c *Client) CronUpdate(ctx context.Context, id string, patch json.RawMessage) error {
	_, err := c.call(ctx, wire.MethodCronUpdate, wire.CronUpdateParams{ID: id, Patch: patch})
	return err
}

// CronRemove deletes a job.
func (c *Client) CronRemove(ctx context.Context, id string) error {
	_, err := c.call(ctx, wire.MethodCronRemove, wire.CronRemoveParams{ID: id})
	return err
}

// CronRun triggers a job immediately, waking its session if needed.
func (c *Client) CronRun(ctx context.Context, id string) error {
	_, err := c.call(ctx, wire.MethodCronRun, wire.CronRunParams{ID: id, Mode: "force"})
	return err
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	tr := c.transport
	st := c.state
	c.mu.Unlock()
	if tr == nil || st != StateConnected {
		return nil, fmt.Errorf("%w: client is %s", relayerr.ErrUnavailable, st)
	}

	start := time.Now()
	payload, err := tr.Call(ctx, method, params, c.opts.RPCTimeout)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.opts.Metrics.RPCDone(method, status, start)
	return payload, err
}
