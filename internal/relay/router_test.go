package relay

import (
	"fmt"
	"testing"
	"time"

	"github.com/workmesh/relay/pkg/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	session []*wire.ChatEvent
	tenant  []*wire.ChatEvent
}

func (s *recordingSink) BroadcastToSession(_ string, ev *wire.ChatEvent) {
	s.session = append(s.session, ev)
}

func (s *recordingSink) BroadcastToTenant(_ string, ev *wire.ChatEvent) {
	s.tenant = append(s.tenant, ev)
}

func newTestRouter(t *testing.T) (*Router, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	return NewRouter(zap.NewNop(), sink, nil), sink
}

func TestRouterDeltaDeltaFinalScenario(t *testing.T) {
	r, sink := newTestRouter(t)
	const key = "agent:assistant:T1:E1"

	frames := []string{
		fmt.Sprintf(`{"runId":"r1","sessionKey":"%s","seq":0,"state":"delta","content":"He"}`, key),
		fmt.Sprintf(`{"runId":"r1","sessionKey":"%s","seq":1,"state":"delta","content":"llo"}`, key),
		fmt.Sprintf(`{"runId":"r1","sessionKey":"%s","seq":2,"state":"final","message":"Hello","usage":{"input":5,"output":2}}`, key),
	}
	for _, f := range frames {
		r.HandleGatewayEvent("T1", wire.EventChat, []byte(f))
	}

	require.Len(t, sink.session, 3)

	var content string
	lastSeq := int64(-1)
	for _, ev := range sink.session {
		assert.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
		content += ev.Content
	}
	assert.Equal(t, "Hello", content)

	final := sink.session[2]
	assert.Equal(t, wire.StateFinal, final.State)
	assert.Equal(t, "Hello", final.Message)
	require.NotNil(t, final.Usage)
	assert.Equal(t, int64(5), final.Usage.Input)
	assert.Equal(t, int64(2), final.Usage.Output)
}

func TestRouterDropsCrossTenantEvents(t *testing.T) {
	r, sink := newTestRouter(t)

	// well-formed key belonging to tenant B, delivered as if for tenant A
	payload := `{"runId":"r1","sessionKey":"agent:assistant:B:E1","seq":0,"state":"delta","content":"x"}`
	r.HandleGatewayEvent("A", wire.EventChat, []byte(payload))

	// prefix-overlap attempt
	payload = `{"runId":"r2","sessionKey":"agent:assistant:T1:E1","seq":0,"state":"delta","content":"x"}`
	r.HandleGatewayEvent("T", wire.EventChat, []byte(payload))

	// malformed key
	payload = `{"runId":"r3","sessionKey":"garbage","seq":0,"state":"delta","content":"x"}`
	r.HandleGatewayEvent("A", wire.EventChat, []byte(payload))

	assert.Empty(t, sink.session)
	assert.Empty(t, sink.tenant)
}

func TestRouterTenantWideBroadcastWithoutSessionKey(t *testing.T) {
	r, sink := newTestRouter(t)

	payload := `{"runId":"r1","seq":0,"state":"delta","content":"announcement"}`
	r.HandleGatewayEvent("A", wire.EventChat, []byte(payload))

	assert.Empty(t, sink.session)
	require.Len(t, sink.tenant, 1)
	assert.Equal(t, "announcement", sink.tenant[0].Content)
}

func TestRouterAgesOutAbandonedRuns(t *testing.T) {
	r, _ := newTestRouter(t)
	r.seqHighWater = 1

	// a run whose socket dropped before any terminal event
	r.lastSeq["dead"] = seqEntry{seq: 4, seen: time.Now().Add(-time.Hour)}

	payload := `{"runId":"live","sessionKey":"agent:a:T1:E1","seq":0,"state":"delta","content":"x"}`
	r.HandleGatewayEvent("T1", wire.EventChat, []byte(payload))

	r.mu.Lock()
	defer r.mu.Unlock()
	_, dead := r.lastSeq["dead"]
	_, live := r.lastSeq["live"]
	assert.False(t, dead, "abandoned run entry survived the sweep")
	assert.True(t, live)
}

func TestRouterForgetsRunOnTerminalEvent(t *testing.T) {
	r, _ := newTestRouter(t)
	const key = "agent:a:T1:E1"

	r.HandleGatewayEvent("T1", wire.EventChat,
		[]byte(fmt.Sprintf(`{"runId":"r1","sessionKey":"%s","seq":0,"state":"delta","content":"x"}`, key)))
	r.HandleGatewayEvent("T1", wire.EventChat,
		[]byte(fmt.Sprintf(`{"runId":"r1","sessionKey":"%s","seq":1,"state":"final","message":"x"}`, key)))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.lastSeq)
}

func TestRouterIgnoresNonChatEvents(t *testing.T) {
	r, sink := newTestRouter(t)
	r.HandleGatewayEvent("A", "health", []byte(`{}`))
	assert.Empty(t, sink.session)
	assert.Empty(t, sink.tenant)
}

func TestNormalizeDeltaFromMessageParts(t *testing.T) {
	payload := `{"runId":"r1","sessionKey":"agent:a:T:E","seq":3,"state":"delta",
		"message":{"content":[{"type":"text","text":"Hi "},{"type":"tool_use","id":"x"},{"type":"text","text":"there"}]}}`

	ev, err := normalizeChatEvent([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "Hi there", ev.Content)
}

func TestNormalizeStripsDirectiveMarkers(t *testing.T) {
	payload := `{"runId":"r1","sessionKey":"agent:a:T:E","seq":0,"state":"delta","content":"[[reply_to:ops]]Hello"}`

	ev, err := normalizeChatEvent([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "Hello", ev.Content)
}

func TestNormalizeErrorAlwaysPopulated(t *testing.T) {
	cases := map[string]string{
		`{"state":"error","error":"boom"}`:                  "boom",
		`{"state":"error","error":{"message":"nested"}}`:    "nested",
		`{"state":"error","errorMessage":"renamed"}`:        "renamed",
		`{"state":"error","message":"fallback"}`:            "fallback",
		`{"state":"error"}`:                                 "unknown gateway error",
		`{"state":"error","error":{"code":"E_INTERNAL"}}`:   "unknown gateway error",
	}
	for payload, want := range cases {
		ev, err := normalizeChatEvent([]byte(payload))
		require.NoError(t, err, payload)
		assert.Equal(t, want, ev.Error, payload)
	}
}

func TestNormalizeUsageFieldNameDrift(t *testing.T) {
	payload := `{"state":"final","message":"done","usage":{"inputTokens":7,"output_tokens":3}}`

	ev, err := normalizeChatEvent([]byte(payload))
	require.NoError(t, err)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, int64(7), ev.Usage.Input)
	assert.Equal(t, int64(3), ev.Usage.Output)
}

func TestNormalizeRejectsUnknownState(t *testing.T) {
	_, err := normalizeChatEvent([]byte(`{"state":"wat"}`))
	assert.Error(t, err)
}
