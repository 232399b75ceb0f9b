package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/workmesh/relay/internal/auth"
	"github.com/workmesh/relay/internal/gateway"
	"github.com/workmesh/relay/internal/relay"
	relayerr "github.com/workmesh/relay/pkg/errors"
	"github.com/workmesh/relay/pkg/wire"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Gateway is the per-tenant RPC surface the handler drives.
type Gateway interface {
	SendChat(ctx context.Context, sessionKey, message string, opts *gateway.SendOptions) (string, error)
	ChatHistory(ctx context.Context, sessionKey string, limit int) ([]wire.ChatMessage, error)
	AbortChat(ctx context.Context, runID string) error
	CronList(ctx context.Context, includeDisabled bool) ([]wire.CronJob, error)
	CronAdd(ctx context.Context, job wire.CronJob) (wire.CronJob, error)
	CronUpdate(ctx context.Context, id string, patch json.RawMessage) error
	CronRemove(ctx context.Context, id string) error
	CronRun(ctx context.Context, id string) error
}

// ClientProvider hands out tenant gateway clients.
type ClientProvider interface {
	GetClient(ctx context.Context, tenantID string) (Gateway, error)
	Stats() map[string]gateway.TenantStats
}

// PoolProvider adapts the connection pool to ClientProvider.
type PoolProvider struct {
	Pool *gateway.Pool
}

func (p PoolProvider) GetClient(ctx context.Context, tenantID string) (Gateway, error) {
	c, err := p.Pool.GetClient(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p PoolProvider) Stats() map[string]gateway.TenantStats {
	return p.Pool.Stats()
}

// Handler exposes the browser-facing HTTP surface: the event stream, the
// chat operations behind it, and the cron management routes.
type Handler struct {
	logger  *zap.Logger
	manager *Manager
	clients ClientProvider
	agentID string
}

func NewHandler(logger *zap.Logger, manager *Manager, clients ClientProvider, agentID string) *Handler {
	return &Handler{
		logger:  logger.Named("sse.handler"),
		manager: manager,
		clients: clients,
		agentID: agentID,
	}
}

// Register mounts all routes on r. The auth middleware must already be
// installed above r.
func (h *Handler) Register(r gin.IRouter) {
	stream := r.Group("/stream")
	stream.GET("/employee/:employeeId", h.Stream)
	stream.POST("/employee/:employeeId/chat", h.SendChat)
	stream.GET("/employee/:employeeId/history", h.History)
	stream.POST("/employee/:employeeId/abort", h.Abort)
	stream.GET("/stats", h.StreamStats)

	cron := r.Group("/cron")
	cron.GET("", h.CronList)
	cron.POST("", h.CronAdd)
	cron.PATCH("/:id", h.CronUpdate)
	cron.DELETE("/:id", h.CronRemove)
	cron.POST("/:id/run", h.CronRun)
}

// Stream serves the SSE event stream for one employee's session.
func (h *Handler) Stream(c *gin.Context) {
	tenantID := auth.TenantID(c)
	employeeID := c.Param("employeeId")

	sessionKey, err := relay.FormatSessionKey(h.agentID, tenantID, employeeID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn := h.manager.Create(tenantID, employeeID, sessionKey, c.Query("tabId"))
	defer h.manager.Remove(conn)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case msg := <-conn.Messages():
			if msg.Comment != "" {
				fmt.Fprintf(c.Writer, ": %s\n\n", msg.Comment)
			} else {
				fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
			}
			c.Writer.Flush()
		case <-conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

type sendChatRequest struct {
	Message   string `json:"message" binding:"required"`
	Thinking  bool   `json:"thinking"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// SendChat starts a chat run. The response only acknowledges acceptance;
// the reply streams over the employee's SSE connection.
func (h *Handler) SendChat(c *gin.Context) {
	tenantID := auth.TenantID(c)
	employeeID := c.Param("employeeId")

	var req sendChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionKey, err := relay.FormatSessionKey(h.agentID, tenantID, employeeID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	client, err := h.clients.GetClient(c.Request.Context(), tenantID)
	if err != nil {
		h.gatewayError(c, tenantID, "acquire gateway client", err)
		return
	}

	runID, err := client.SendChat(c.Request.Context(), sessionKey, req.Message, &gateway.SendOptions{
		Thinking:  req.Thinking,
		TimeoutMs: req.TimeoutMs,
	})
	if err != nil {
		h.gatewayError(c, tenantID, "chat.send", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runId":      runID,
		"sessionKey": sessionKey,
		"status":     "streaming",
	})
}

// History returns the session's recent messages, flattened to plain text.
func (h *Handler) History(c *gin.Context) {
	tenantID := auth.TenantID(c)
	employeeID := c.Param("employeeId")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	sessionKey, err := relay.FormatSessionKey(h.agentID, tenantID, employeeID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	client, err := h.clients.GetClient(c.Request.Context(), tenantID)
	if err != nil {
		h.gatewayError(c, tenantID, "acquire gateway client", err)
		return
	}

	msgs, err := client.ChatHistory(c.Request.Context(), sessionKey, limit)
	if err != nil {
		h.gatewayError(c, tenantID, "chat.history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionKey": sessionKey, "messages": msgs})
}

type abortRequest struct {
	RunID string `json:"runId" binding:"required"`
}

// Abort asks the gateway to stop a running chat.
func (h *Handler) Abort(c *gin.Context) {
	tenantID := auth.TenantID(c)

	var req abortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	client, err := h.clients.GetClient(c.Request.Context(), tenantID)
	if err != nil {
		h.gatewayError(c, tenantID, "acquire gateway client", err)
		return
	}
	if err := client.AbortChat(c.Request.Context(), req.RunID); err != nil {
		h.gatewayError(c, tenantID, "chat.abort", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborting"})
}

// StreamStats reports open streams and pooled gateway connections.
func (h *Handler) StreamStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"streams":  h.manager.Stats(),
		"gateways": h.clients.Stats(),
	})
}

func (h *Handler) CronList(c *gin.Context) {
	tenantID := auth.TenantID(c)
	includeDisabled := c.Query("includeDisabled") == "true"

	client, err := h.clients.GetClient(c.Request.Context(), tenantID)
	if err != nil {
		h.gatewayError(c, tenantID, "acquire gateway client", err)
		return
	}
	jobs, err := client.CronList(c.Request.Context(), includeDisabled)
	if err != nil {
		h.gatewayError(c, tenantID, "cron.list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *Handler) CronAdd(c *gin.Context) {
	tenantID := auth.TenantID(c)

	var job wire.CronJob
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if job.AgentID == "" {
		job.AgentID = h.agentID
	}

	client, err := h.clients.GetClient(c.Request.Context(), tenantID)
	if err != nil {
		h.gatewayError(c, tenantID, "acquire gateway client", err)
		return
	}
	created, err := client.CronAdd(c.Request.Context(), job)
	if err != nil {
		h.gatewayError(c, tenantID, "cron.add", err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) CronUpdate(c *gin.Context) {
	tenantID := auth.TenantID(c)

	var patch json.RawMessage
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	client, err := h.clients.GetClient(c.Request.Context(), tenantID)
	if err != nil {
		h.gatewayError(c, tenantID, "acquire gateway client", err)
		return
	}
	if err := client.CronUpdate(c.Request.Context(), c.Param("id"), patch); err != nil {
		h.gatewayError(c, tenantID, "cron.update", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *Handler) CronRemove(c *gin.Context) {
	tenantID := auth.TenantID(c)

	client, err := h.clients.GetClient(c.Request.Context(), tenantID)
	if err != nil {
		h.gatewayError(c, tenantID, "acquire gateway client", err)
		return
	}
	if err := client.CronRemove(c.Request.Context(), c.Param("id")); err != nil {
		h.gatewayError(c, tenantID, "cron.remove", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (h *Handler) CronRun(c *gin.Context) {
	tenantID := auth.TenantID(c)

	client, err := h.clients.GetClient(c.Request.Context(), tenantID)
	if err != nil {
		h.gatewayError(c, tenantID, "acquire gateway client", err)
		return
	}
	if err := client.CronRun(c.Request.Context(), c.Param("id")); err != nil {
		h.gatewayError(c, tenantID, "cron.run", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "triggered"})
}

// gatewayError maps gateway failures to upstream-style status codes:
// timeouts to 504, unavailability to 503, anything else to 502.
func (h *Handler) gatewayError(c *gin.Context, tenantID, op string, err error) {
	h.logger.Warn("gateway operation failed",
		zap.String("tenant", tenantID),
		zap.String("op", op),
		zap.Error(err))
	c.JSON(relayerr.HTTPStatus(err), gin.H{"error": err.Error()})
}
