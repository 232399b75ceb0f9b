package sse

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/workmesh/relay/internal/common/config"
	"github.com/workmesh/relay/pkg/metrics"
	"github.com/workmesh/relay/pkg/wire"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultKeepalive = 30 * time.Second
	defaultQueueSize = 100
)

// Manager owns every browser SSE connection and fans chat events out to
// them. It is the Broadcaster the event router dispatches into.
type Manager struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	keepalive time.Duration
	queueSize int

	mu        sync.Mutex
	byID      map[string]*Connection
	bySession map[string]map[string]*Connection // sessionKey -> connID -> conn
	byTenant  map[string]map[string]*Connection // tenantID -> connID -> conn
	byTab     map[tabKey]*Connection            // (sessionKey, tabID) -> conn

	stopCh   chan struct{}
	stopOnce sync.Once
}

type tabKey struct {
	sessionKey string
	tabID      string
}

// Stats is a point-in-time census of open streams.
type Stats struct {
	Connections int            `json:"connections"`
	Sessions    int            `json:"sessions"`
	ByTenant    map[string]int `json:"byTenant"`
}

// NewManager builds a manager and starts its keepalive loop.
func NewManager(logger *zap.Logger, cfg config.SSEConfig, m *metrics.Metrics) *Manager {
	keepalive := cfg.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	mgr := &Manager{
		logger:    logger.Named("sse.manager"),
		metrics:   m,
		keepalive: keepalive,
		queueSize: queueSize,
		byID:      make(map[string]*Connection),
		bySession: make(map[string]map[string]*Connection),
		byTenant:  make(map[string]map[string]*Connection),
		byTab:     make(map[tabKey]*Connection),
		stopCh:    make(chan struct{}),
	}
	go mgr.keepaliveLoop()
	return mgr
}

// Create registers a stream for one browser tab. When tabID is set, a
// previous stream of the same (session, tab) is closed first so a page
// reload does not leak the old connection. The new stream starts with a
// synthetic connected event so clients can tell the stream is live before
// any chat traffic.
func (m *Manager) Create(tenantID, employeeID, sessionKey, tabID string) *Connection {
	conn := newConnection(uuid.NewString(), tenantID, employeeID, sessionKey, tabID, m.queueSize)

	var displaced *Connection
	m.mu.Lock()
	if tabID != "" {
		key := tabKey{sessionKey: sessionKey, tabID: tabID}
		if prev, ok := m.byTab[key]; ok {
			displaced = prev
			m.unindexLocked(prev)
		}
		m.byTab[key] = conn
	}
	m.byID[conn.ID] = conn
	if m.bySession[sessionKey] == nil {
		m.bySession[sessionKey] = make(map[string]*Connection)
	}
	m.bySession[sessionKey][conn.ID] = conn
	if m.byTenant[tenantID] == nil {
		m.byTenant[tenantID] = make(map[string]*Connection)
	}
	m.byTenant[tenantID][conn.ID] = conn
	m.mu.Unlock()

	if displaced != nil {
		displaced.Close()
		m.metrics.SSEClosed(displaced.TenantID)
		m.logger.Debug("displaced previous tab stream",
			zap.String("sessionKey", sessionKey),
			zap.String("tabId", tabID))
	}
	m.metrics.SSEOpened(tenantID)
	m.logger.Info("sse stream opened",
		zap.String("connId", conn.ID),
		zap.String("tenant", tenantID),
		zap.String("sessionKey", sessionKey))

	m.send(conn, &wire.ChatEvent{State: wire.StateConnected, SessionKey: sessionKey})
	return conn
}

// Remove closes the connection and drops it from every index.
func (m *Manager) Remove(conn *Connection) {
	m.mu.Lock()
	_, known := m.byID[conn.ID]
	if known {
		m.unindexLocked(conn)
	}
	m.mu.Unlock()

	conn.Close()
	if known {
		m.metrics.SSEClosed(conn.TenantID)
		m.logger.Info("sse stream closed", zap.String("connId", conn.ID))
	}
}

// BroadcastToSession delivers ev to every stream of one session.
func (m *Manager) BroadcastToSession(sessionKey string, ev *wire.ChatEvent) {
	m.broadcast(m.snapshot(func() map[string]*Connection { return m.bySession[sessionKey] }), ev)
}

// BroadcastToTenant delivers ev to every stream of one tenant.
func (m *Manager) BroadcastToTenant(tenantID string, ev *wire.ChatEvent) {
	m.broadcast(m.snapshot(func() map[string]*Connection { return m.byTenant[tenantID] }), ev)
}

// Stats snapshots the open streams.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Connections: len(m.byID),
		Sessions:    len(m.bySession),
		ByTenant:    make(map[string]int, len(m.byTenant)),
	}
	for tenantID, conns := range m.byTenant {
		s.ByTenant[tenantID] = len(conns)
	}
	return s
}

// Shutdown closes every stream and stops the keepalive loop.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.byID = make(map[string]*Connection)
	m.bySession = make(map[string]map[string]*Connection)
	m.byTenant = make(map[string]map[string]*Connection)
	m.byTab = make(map[tabKey]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
		m.metrics.SSEClosed(c.TenantID)
	}
}

func (m *Manager) snapshot(pick func() map[string]*Connection) []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := pick()
	conns := make([]*Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// broadcast serializes ev once and queues it on each target. Only targets
// that fail to accept are evicted; one dead tab never affects its siblings.
func (m *Manager) broadcast(targets []*Connection, ev *wire.ChatEvent) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("failed to encode chat event", zap.Error(err))
		return
	}
	// the frame is named after the state so EventSource listeners can
	// subscribe to delta/final/connected directly
	msg := Message{Event: ev.State.String(), Data: string(data)}

	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			m.logger.Warn("evicting unresponsive sse stream",
				zap.String("connId", conn.ID),
				zap.Error(err))
			m.Remove(conn)
		}
	}
}

func (m *Manager) send(conn *Connection, ev *wire.ChatEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := conn.Send(Message{Event: ev.State.String(), Data: string(data)}); err != nil {
		m.Remove(conn)
	}
}

// unindexLocked removes conn from every index. Caller holds m.mu.
func (m *Manager) unindexLocked(conn *Connection) {
	delete(m.byID, conn.ID)
	if set := m.bySession[conn.SessionKey]; set != nil {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(m.bySession, conn.SessionKey)
		}
	}
	if set := m.byTenant[conn.TenantID]; set != nil {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(m.byTenant, conn.TenantID)
		}
	}
	if conn.TabID != "" {
		key := tabKey{sessionKey: conn.SessionKey, tabID: conn.TabID}
		if m.byTab[key] == conn {
			delete(m.byTab, key)
		}
	}
}

// keepaliveLoop queues a ping comment on every stream so intermediaries do
// not time idle connections out.
func (m *Manager) keepaliveLoop() {
	ticker := time.NewTicker(m.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, conn := range m.snapshot(func() map[string]*Connection { return m.byID }) {
				if err := conn.Send(Message{Comment: "ping"}); err != nil {
					m.Remove(conn)
					continue
				}
				conn.touchPing()
			}
		case <-m.stopCh:
			return
		}
	}
}
