package wire

import "encoding/json"

// FrameType discriminates the three frame kinds carried on a gateway socket.
type FrameType string

const (
	// FrameRequest is a correlated request frame
	FrameRequest FrameType = "req"
	// FrameResponse is the answer to a request frame with the same ID
	FrameResponse FrameType = "res"
	// FrameEvent is an out-of-band event frame, never correlated to a request
	FrameEvent FrameType = "event"
)

// RPC method names understood by the gateway.
const (
	MethodConnect     = "connect"
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatAbort   = "chat.abort"
	MethodCronList    = "cron.list"
	MethodCronAdd     = "cron.add"
	MethodCronUpdate  = "cron.update"
	MethodCronRemove  = "cron.remove"
	MethodCronRun     = "cron.run"
)

// Event names pushed by the gateway.
const (
	EventChallenge = "connect.challenge"
	EventChat      = "chat"
)

// HelloOK is the payload type the gateway answers a successful connect with.
const HelloOK = "hello-ok"

// ChatState is the lifecycle state carried by a chat event.
type ChatState string

const (
	StateDelta     ChatState = "delta"
	StateFinal     ChatState = "final"
	StateAborted   ChatState = "aborted"
	StateError     ChatState = "error"
	StateConnected ChatState = "connected"
)

// Terminal reports whether no further events will follow for the run.
func (s ChatState) Terminal() bool {
	return s == StateFinal || s == StateAborted || s == StateError
}

func (s ChatState) String() string {
	return string(s)
}

type (
	// Frame is the JSON envelope for every message on the socket.
	// Which fields are populated depends on Type.
	Frame struct {
		Type FrameType `json:"type"`

		// Request/response correlation ID. Empty on event frames.
		ID     string          `json:"id,omitempty"`
		Method string          `json:"method,omitempty"`
		Params json.RawMessage `json:"params,omitempty"`

		OK      bool            `json:"ok,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Error   *FrameError     `json:"error,omitempty"`

		// Event name for event frames.
		Event string `json:"event,omitempty"`
	}

	// FrameError is the error half of a failed response frame.
	FrameError struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	}

	// ClientInfo describes the connecting client during the handshake.
	ClientInfo struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		Version     string `json:"version"`
		Mode        string `json:"mode"`
		Platform    string `json:"platform"`
	}

	// AuthInfo carries the per-tenant gateway credential.
	AuthInfo struct {
		Token string `json:"token"`
	}

	// ConnectParams is sent in answer to a connect.challenge event.
	ConnectParams struct {
		MinProtocol int        `json:"minProtocol"`
		MaxProtocol int        `json:"maxProtocol"`
		Client      ClientInfo `json:"client"`
		Auth        AuthInfo   `json:"auth"`
		Role        string     `json:"role"`
		Scopes      []string   `json:"scopes"`
	}

	// HelloPayload is the successful connect response payload.
	HelloPayload struct {
		Type string `json:"type"`
	}

	// ChatSendParams starts a chat run on a session.
	ChatSendParams struct {
		SessionKey     string `json:"sessionKey"`
		Message        string `json:"message"`
		IdempotencyKey string `json:"idempotencyKey"`
		TimeoutMs      int64  `json:"timeoutMs,omitempty"`
		Thinking       bool   `json:"thinking,omitempty"`
	}

	// ChatSendResult acknowledges a chat.send. The run itself completes
	// asynchronously via chat event frames.
	ChatSendResult struct {
		RunID  string `json:"runId"`
		Status string `json:"status"`
	}

	// ChatHistoryParams requests recent conversation messages.
	ChatHistoryParams struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit,omitempty"`
	}

	// ChatAbortParams asks the gateway to stop a run. Acceptance does not
	// mean the run stopped; the aborted event confirms that.
	ChatAbortParams struct {
		RunID string `json:"runId"`
	}

	// ChatMessage is a flattened history entry: structured message parts
	// reduced to plain text.
	ChatMessage struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp,omitempty"`
	}

	// Usage is token accounting attached to a final chat event.
	Usage struct {
		Input  int64 `json:"input"`
		Output int64 `json:"output"`
	}

	// ChatEvent is the normalized event shape delivered to browsers.
	ChatEvent struct {
		RunID      string    `json:"runId"`
		Seq        int64     `json:"seq"`
		State      ChatState `json:"state"`
		SessionKey string    `json:"sessionKey"`
		Content    string    `json:"content,omitempty"`
		Message    string    `json:"message,omitempty"`
		Usage      *Usage    `json:"usage,omitempty"`
		Error      string    `json:"error,omitempty"`
	}

	// CronJob is a gateway-side scheduled job. The relay transports it
	// opaquely and never interprets schedule semantics.
	CronJob struct {
		ID            string          `json:"id,omitempty"`
		AgentID       string          `json:"agentId"`
		Name          string          `json:"name"`
		Enabled       bool            `json:"enabled"`
		Schedule      json.RawMessage `json:"schedule,omitempty"`
		SessionTarget string          `json:"sessionTarget,omitempty"`
		WakeMode      string          `json:"wakeMode,omitempty"`
		Payload       json.RawMessage `json:"payload,omitempty"`
		State         json.RawMessage `json:"state,omitempty"`
	}

	// CronListParams filters the cron listing.
	CronListParams struct {
		IncludeDisabled bool `json:"includeDisabled"`
	}

	// CronListResult is the cron.list response payload.
	CronListResult struct {
		Jobs []CronJob `json:"jobs"`
	}

	// CronAddParams wraps the job to create.
	CronAddParams struct {
		Job CronJob `json:"job"`
	}

	// CronUpdateParams applies an opaque patch to an existing job.
	CronUpdateParams struct {
		ID    string          `json:"id"`
		Patch json.RawMessage `json:"patch"`
	}

	// CronRemoveParams deletes a job by ID.
	CronRemoveParams struct {
		ID string `json:"id"`
	}

	// CronRunParams triggers a job out of schedule.
	CronRunParams struct {
		ID   string `json:"id"`
		Mode string `json:"mode"`
	}

	// OKResult is the generic acknowledgement payload.
	OKResult struct {
		OK bool `json:"ok"`
	}
)
