package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	relayerr "github.com/workmesh/relay/pkg/errors"
	"github.com/workmesh/relay/pkg/wire"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Protocol versions this transport offers during the handshake.
const (
	minProtocolVersion = 1
	maxProtocolVersion = 3
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultRPCTimeout       = 30 * time.Second
)

// EventCallback receives raw chat event payloads for a single run.
type EventCallback func(payload []byte)

// EventSink receives every event frame arriving on the socket.
type EventSink func(event string, payload []byte)

// TransportOptions configures one gateway connection.
type TransportOptions struct {
	Token            string
	Client           wire.ClientInfo
	Role             string
	Scopes           []string
	HandshakeTimeout time.Duration

	// OnEvent is the global raw event sink.
	OnEvent EventSink
	// OnClose fires once when the socket drops on error. It does not fire
	// on an explicit Close.
	OnClose func(err error)
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	ch    chan callResult
	timer *time.Timer
}

// Transport is one physical gateway connection: challenge/connect handshake,
// request/response correlation by ID, and out-of-band event dispatch. It
// never retries; reconnection is the Client's job.
type Transport struct {
	logger *zap.Logger
	opts   TransportOptions
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall
	runs    map[string]EventCallback
	ready   bool
	closed  bool

	readyCh chan error

	lastActivity atomic.Int64 // unix nanos
}

// Dial opens a socket to url and completes the handshake. The attempt fails
// with ErrHandshakeTimeout when the gateway does not finish the handshake in
// time; no RPCs are ever sent on a socket that never presented a challenge.
func Dial(ctx context.Context, url string, logger *zap.Logger, opts TransportOptions) (*Transport, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	t := &Transport{
		logger:  logger.Named("gateway.transport"),
		opts:    opts,
		conn:    conn,
		pending: make(map[string]*pendingCall),
		runs:    make(map[string]EventCallback),
		readyCh: make(chan error, 1),
	}
	t.touch()
	go t.readLoop()

	select {
	case err := <-t.readyCh:
		if err != nil {
			t.Close()
			return nil, err
		}
	case <-time.After(opts.HandshakeTimeout):
		t.Close()
		return nil, relayerr.ErrHandshakeTimeout
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}
	return t, nil
}

// Call sends a correlated request and waits for its response, the timeout,
// or ctx cancellation. Concurrent calls on one transport are fine;
// correlation is by ID only.
func (t *Transport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	t.mu.Lock()
	ready, closed := t.ready, t.closed
	t.mu.Unlock()
	if closed {
		return nil, relayerr.ErrConnectionClosed
	}
	if !ready {
		return nil, fmt.Errorf("%w: handshake not complete", relayerr.ErrUnavailable)
	}
	return t.call(ctx, method, params, timeout)
}

func (t *Transport) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}

	id := uuid.NewString()
	pc := &pendingCall{ch: make(chan callResult, 1)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, relayerr.ErrConnectionClosed
	}
	pc.timer = time.AfterFunc(timeout, func() {
		t.resolve(id, callResult{err: fmt.Errorf("%w: %s", relayerr.ErrTimeout, method)})
	})
	t.pending[id] = pc
	t.mu.Unlock()

	frame := wire.Frame{Type: wire.FrameRequest, ID: id, Method: method, Params: raw}
	if err := t.writeFrame(&frame); err != nil {
		t.drop(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	t.touch()

	select {
	case res := <-pc.ch:
		return res.payload, res.err
	case <-ctx.Done():
		t.drop(id)
		return nil, ctx.Err()
	}
}

// OnRunEvent registers the callback for a run's chat events. Terminal
// states deregister it automatically.
func (t *Transport) OnRunEvent(runID string, cb EventCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.runs[runID] = cb
}

// Ready reports whether the handshake completed and the socket is usable.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready && !t.closed
}

// LastActivity is the time of the most recent frame in either direction.
func (t *Transport) LastActivity() time.Time {
	return time.Unix(0, t.lastActivity.Load())
}

// Close tears the connection down without notifying OnClose. Pending
// requests are rejected and run callbacks dropped.
func (t *Transport) Close() error {
	t.teardown(nil)
	return nil
}

func (t *Transport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.teardown(err)
			return
		}
		t.touch()

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Warn("discarding unparseable frame", zap.Error(err))
			continue
		}

		switch f.Type {
		case wire.FrameResponse:
			res := callResult{payload: f.Payload}
			if !f.OK {
				msg := "request rejected"
				if f.Error != nil && f.Error.Message != "" {
					msg = f.Error.Message
				}
				res = callResult{err: fmt.Errorf("gateway: %s", msg)}
			}
			t.resolve(f.ID, res)
		case wire.FrameEvent:
			t.handleEvent(f.Event, f.Payload)
		default:
			t.logger.Debug("ignoring frame of unknown type", zap.String("type", string(f.Type)))
		}
	}
}

func (t *Transport) handleEvent(event string, payload []byte) {
	if event == wire.EventChallenge {
		// The socket is inert until the peer challenges us.
		go t.performHandshake()
		return
	}

	if event == wire.EventChat {
		runID := gjson.GetBytes(payload, "runId").String()
		state := wire.ChatState(gjson.GetBytes(payload, "state").String())

		t.mu.Lock()
		cb := t.runs[runID]
		if state.Terminal() {
			delete(t.runs, runID)
		}
		t.mu.Unlock()

		if cb != nil {
			cb(payload)
		}
	}

	if t.opts.OnEvent != nil {
		t.opts.OnEvent(event, payload)
	}
}

func (t *Transport) performHandshake() {
	params := wire.ConnectParams{
		MinProtocol: minProtocolVersion,
		MaxProtocol: maxProtocolVersion,
		Client:      t.opts.Client,
		Auth:        wire.AuthInfo{Token: t.opts.Token},
		Role:        t.opts.Role,
		Scopes:      t.opts.Scopes,
	}

	payload, err := t.call(context.Background(), wire.MethodConnect, params, t.opts.HandshakeTimeout)
	if err != nil {
		t.deliverReady(fmt.Errorf("handshake: %w", err))
		return
	}

	var hello wire.HelloPayload
	if err := json.Unmarshal(payload, &hello); err != nil || hello.Type != wire.HelloOK {
		t.deliverReady(fmt.Errorf("handshake: unexpected payload %q", payload))
		return
	}

	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()
	t.deliverReady(nil)
}

func (t *Transport) deliverReady(err error) {
	select {
	case t.readyCh <- err:
	default:
	}
}

// resolve completes the pending request id, if still registered.
func (t *Transport) resolve(id string, res callResult) {
	t.mu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		pc.timer.Stop()
	}
	t.mu.Unlock()
	if ok {
		pc.ch <- res
	}
}

// drop removes a pending request without completing it.
func (t *Transport) drop(id string) {
	t.mu.Lock()
	if pc, ok := t.pending[id]; ok {
		delete(t.pending, id)
		pc.timer.Stop()
	}
	t.mu.Unlock()
}

// teardown closes the socket, rejects every pending request and clears all
// run callbacks. err == nil means an intentional close; OnClose is only
// notified on errors.
func (t *Transport) teardown(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.pending
	t.pending = make(map[string]*pendingCall)
	t.runs = make(map[string]EventCallback)
	t.mu.Unlock()

	_ = t.conn.Close()

	reject := relayerr.ErrConnectionClosed
	if err != nil {
		reject = fmt.Errorf("%w: %v", relayerr.ErrConnectionClosed, err)
	}
	for _, pc := range pending {
		pc.timer.Stop()
		pc.ch <- callResult{err: reject}
	}
	t.deliverReady(relayerr.ErrConnectionClosed)

	if err != nil && t.opts.OnClose != nil {
		t.opts.OnClose(err)
	}
}

func (t *Transport) writeFrame(f *wire.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(f)
}

func (t *Transport) touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}
