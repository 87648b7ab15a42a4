package session

import "encoding/json"

// MessageType identifies a socket frame on either leg of the protocol.
type MessageType string

// Viewer -> actor frame types.
const (
	MsgPing      MessageType = "ping"
	MsgSubscribe MessageType = "subscribe"
	MsgPrompt    MessageType = "prompt"
	MsgStop      MessageType = "stop"
	MsgTyping    MessageType = "typing"
	MsgPresence  MessageType = "presence"
)

// Actor -> viewer frame types.
const (
	MsgPong              MessageType = "pong"
	MsgSubscribed        MessageType = "subscribed"
	MsgHistoryComplete   MessageType = "history_complete"
	MsgPresenceSync      MessageType = "presence_sync"
	MsgPresenceUpdate    MessageType = "presence_update"
	MsgPromptQueued      MessageType = "prompt_queued"
	MsgSandboxEvent      MessageType = "sandbox_event"
	MsgSandboxStatus     MessageType = "sandbox_status"
	MsgSandboxWarning    MessageType = "sandbox_warning"
	MsgSandboxError      MessageType = "sandbox_error"
	MsgSessionStatus     MessageType = "session_status"
	MsgArtifactCreated   MessageType = "artifact_created"
	MsgProcessingStatus  MessageType = "processing_status"
	MsgSnapshotSaved     MessageType = "snapshot_saved"
	MsgStreamFrame       MessageType = "stream_frame"
	MsgSessionStatePatch MessageType = "session_state_patch"
)

// Actor -> sandbox command types.
const (
	CmdPrompt            MessageType = "prompt"
	CmdStop              MessageType = "stop"
	CmdPush              MessageType = "push"
	CmdShutdown          MessageType = "shutdown"
	CmdGetElementAtPoint MessageType = "getElementAtPoint"
)

// Sandbox -> actor event types.
const (
	EvtToolCall          = "tool_call"
	EvtToolResult        = "tool_result"
	EvtToken             = "token"
	EvtError             = "error"
	EvtGitSync           = "git_sync"
	EvtExecutionComplete = "execution_complete"
	EvtHeartbeat         = "heartbeat"
	EvtPushComplete      = "push_complete"
	EvtPushError         = "push_error"
	EvtElementResponse   = "getElementAtPointResponse"
	EvtElementError      = "getElementAtPointError"
)

// Envelope is the common shape of every socket frame.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SubscribeData carries viewer socket authentication.
type SubscribeData struct {
	Token    string `json:"token"`
	ClientID string `json:"clientId,omitempty"`
}

// PromptData is a viewer-submitted prompt.
type PromptData struct {
	Content         string          `json:"content"`
	Model           string          `json:"model,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
	CallbackContext string          `json:"callbackContext,omitempty"`
}

// TypingData is a viewer typing indicator, rebroadcast to other viewers.
type TypingData struct {
	Typing bool `json:"typing"`
}

// SandboxCommand is a frame sent to the sandbox socket.
type SandboxCommand struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// PromptCommandData delivers a queued message to the agent.
type PromptCommandData struct {
	MessageID   string          `json:"messageId"`
	Content     string          `json:"content"`
	Model       string          `json:"model,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
}

// PushCommandData asks the sandbox to push its working branch.
type PushCommandData struct {
	Branch string `json:"branch"`
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Token  string `json:"token"`
}

// ElementCommandData asks the sandbox to inspect the DOM element under a
// point in the running preview.
type ElementCommandData struct {
	RequestID      string `json:"requestId"`
	X              int    `json:"x"`
	Y              int    `json:"y"`
	ViewportWidth  int    `json:"viewportWidth"`
	ViewportHeight int    `json:"viewportHeight"`
}

// SandboxEvent is a structured event frame received from the sandbox.
type SandboxEvent struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ExecutionCompleteData is the payload of an execution_complete event.
type ExecutionCompleteData struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// GitSyncData is the payload of a git_sync event.
type GitSyncData struct {
	Status     string            `json:"status"`
	CommitSHA  string            `json:"commitSha,omitempty"`
	PreviewURL string            `json:"previewUrl,omitempty"`
	PortURLs   map[string]string `json:"portUrls,omitempty"`
}

// HeartbeatData is the payload of a heartbeat event.
type HeartbeatData struct {
	PreviewURL string            `json:"previewUrl,omitempty"`
	PortURLs   map[string]string `json:"portUrls,omitempty"`
}

// PushResultData is the payload of push_complete and push_error events.
type PushResultData struct {
	BranchName string `json:"branchName"`
	CommitSHA  string `json:"commitSha,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ElementResultData is the payload of getElementAtPointResponse/-Error.
type ElementResultData struct {
	RequestID string          `json:"requestId"`
	Element   json.RawMessage `json:"element,omitempty"`
	Error     string          `json:"error,omitempty"`
}
