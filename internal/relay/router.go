package relay

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/workmesh/relay/pkg/metrics"
	"github.com/workmesh/relay/pkg/wire"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Broadcaster is the fan-out half the router dispatches into.
type Broadcaster interface {
	BroadcastToSession(sessionKey string, ev *wire.ChatEvent)
	BroadcastToTenant(tenantID string, ev *wire.ChatEvent)
}

// directivePattern matches bracketed control tokens the model may emit for
// addressing. They are stripped from all text shown to browsers.
var directivePattern = regexp.MustCompile(`\[\[[^\]]*\]\]`)

// Router is the only place raw gateway events are validated and normalized
// before they reach browsers. Events whose session key cannot be verified
// against the claimed tenant are dropped, never forwarded.
type Router struct {
	logger  *zap.Logger
	sink    Broadcaster
	metrics *metrics.Metrics

	// last seq seen per run, for gap logging only
	mu      sync.Mutex
	lastSeq map[string]seqEntry

	seqTTL       time.Duration
	seqHighWater int
}

type seqEntry struct {
	seq  int64
	seen time.Time
}

const (
	defaultSeqTTL       = 10 * time.Minute
	defaultSeqHighWater = 1024
)

// NewRouter creates an event router dispatching into sink.
func NewRouter(logger *zap.Logger, sink Broadcaster, m *metrics.Metrics) *Router {
	return &Router{
		logger:       logger.Named("relay.router"),
		sink:         sink,
		metrics:      m,
		lastSeq:      make(map[string]seqEntry),
		seqTTL:       defaultSeqTTL,
		seqHighWater: defaultSeqHighWater,
	}
}

// HandleGatewayEvent consumes one raw event frame delivered on tenantID's
// gateway socket.
func (r *Router) HandleGatewayEvent(tenantID, event string, payload []byte) {
	if event != wire.EventChat {
		r.logger.Debug("ignoring non-chat gateway event",
			zap.String("tenant", tenantID),
			zap.String("event", event))
		return
	}

	ev, err := normalizeChatEvent(payload)
	if err != nil {
		r.logger.Warn("dropping malformed chat event",
			zap.String("tenant", tenantID),
			zap.Error(err))
		r.metrics.EventDropped("malformed")
		return
	}

	r.observeSeq(ev)

	if ev.SessionKey == "" {
		// Gateway-initiated event with no run binding: fan out to every
		// connection of the tenant whose socket delivered it.
		r.metrics.EventRouted(ev.State.String())
		r.sink.BroadcastToTenant(tenantID, ev)
		return
	}

	key, err := ParseSessionKey(ev.SessionKey)
	if err != nil || !key.BelongsTo(tenantID) {
		r.logger.Warn("dropping chat event with session key outside tenant",
			zap.String("tenant", tenantID),
			zap.String("sessionKey", ev.SessionKey))
		r.metrics.EventDropped("tenant_mismatch")
		return
	}

	r.metrics.EventRouted(ev.State.String())
	r.sink.BroadcastToSession(ev.SessionKey, ev)
}

// observeSeq logs sequence gaps per run. Gaps are logged, not corrected;
// the transport relies on in-order socket delivery.
func (r *Router) observeSeq(ev *wire.ChatEvent) {
	if ev.RunID == "" {
		return
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.lastSeq[ev.RunID]; ok && ev.Seq > last.seq+1 {
		r.logger.Warn("sequence gap in chat run",
			zap.String("runId", ev.RunID),
			zap.Int64("lastSeq", last.seq),
			zap.Int64("seq", ev.Seq))
	}
	if ev.State.Terminal() {
		delete(r.lastSeq, ev.RunID)
		return
	}
	r.lastSeq[ev.RunID] = seqEntry{seq: ev.Seq, seen: now}

	// Runs cut short by a socket drop never see a terminal event, so stale
	// entries are aged out once the map grows past the high-water mark.
	if len(r.lastSeq) >= r.seqHighWater {
		for runID, e := range r.lastSeq {
			if now.Sub(e.seen) > r.seqTTL {
				delete(r.lastSeq, runID)
			}
		}
	}
}

// normalizeChatEvent converts a raw gateway chat payload into the public
// event shape. Field extraction is tolerant of upstream naming drift.
func normalizeChatEvent(payload []byte) (*wire.ChatEvent, error) {
	root := gjson.ParseBytes(payload)

	state := wire.ChatState(root.Get("state").String())
	ev := &wire.ChatEvent{
		RunID:      root.Get("runId").String(),
		Seq:        root.Get("seq").Int(),
		State:      state,
		SessionKey: root.Get("sessionKey").String(),
	}

	switch state {
	case wire.StateDelta:
		content := root.Get("content")
		if !content.Exists() {
			content = root.Get("message.content")
		}
		ev.Content = stripDirectives(wire.FlattenText(content))
	case wire.StateFinal:
		msg := root.Get("message")
		text := wire.FlattenText(msg.Get("content"))
		if text == "" && msg.Type == gjson.String {
			text = msg.String()
		}
		ev.Message = stripDirectives(text)
		ev.Usage = extractUsage(root.Get("usage"))
	case wire.StateError:
		ev.Error = extractError(root)
	case wire.StateAborted, wire.StateConnected:
		// no extra fields
	default:
		return nil, fmt.Errorf("unknown chat event state %q", state)
	}

	return ev, nil
}

func extractUsage(usage gjson.Result) *wire.Usage {
	if !usage.Exists() {
		return nil
	}
	return &wire.Usage{
		Input:  firstInt(usage, "input", "inputTokens", "input_tokens", "promptTokens"),
		Output: firstInt(usage, "output", "outputTokens", "output_tokens", "completionTokens"),
	}
}

// extractError always yields a human-readable string, whatever the upstream
// field happens to be called.
func extractError(root gjson.Result) string {
	for _, path := range []string{"error.message", "error", "errorMessage", "message"} {
		v := root.Get(path)
		if v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return "unknown gateway error"
}

func firstInt(v gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if f := v.Get(p); f.Exists() {
			return f.Int()
		}
	}
	return 0
}

func stripDirectives(s string) string {
	if !strings.Contains(s, "[[") {
		return s
	}
	return directivePattern.ReplaceAllString(s, "")
}
