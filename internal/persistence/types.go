package persistence

// SessionStatus is the lifecycle status of the session itself.
type SessionStatus string

const (
	SessionCreated  SessionStatus = "created"
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// Session is the single row describing this actor's session. Created on
// init, mutated through the session's life, never deleted by the actor.
type Session struct {
	ID             string        `json:"id"`
	RoutingName    string        `json:"routingName"`
	Title          string        `json:"title"`
	RepoOwner      string        `json:"repoOwner"`
	RepoName       string        `json:"repoName"`
	DefaultBranch  string        `json:"defaultBranch"`
	BranchName     string        `json:"branchName"`
	BaseSHA        string        `json:"baseSha"`
	CurrentSHA     string        `json:"currentSha"`
	AgentSessionID string        `json:"agentSessionId"`
	Model          string        `json:"model"`
	Status         SessionStatus `json:"status"`
	IssueID        string        `json:"issueId"`
	TeamID         string        `json:"teamId"`
	CreatedAt      string        `json:"createdAt"`
	UpdatedAt      string        `json:"updatedAt"`
}

// SandboxStatus is the sandbox lifecycle state machine status. The row's
// status column is the single source of truth for what lifecycle operations
// are legal; callers must re-read it immediately before acting.
type SandboxStatus string

const (
	SandboxPending      SandboxStatus = "pending"
	SandboxSpawning     SandboxStatus = "spawning"
	SandboxConnecting   SandboxStatus = "connecting"
	SandboxReady        SandboxStatus = "ready"
	SandboxRunning      SandboxStatus = "running"
	SandboxSnapshotting SandboxStatus = "snapshotting"
	SandboxStopped      SandboxStatus = "stopped"
	SandboxStale        SandboxStatus = "stale"
	SandboxFailed       SandboxStatus = "failed"
)

// Sandbox is the single row describing this session's remote sandbox.
// Never deleted; superseded by snapshot/respawn instead.
type Sandbox struct {
	ID                 string            `json:"id"`
	ProviderSandboxID  string            `json:"providerSandboxId"`
	ProviderObjectID   string            `json:"providerObjectId"`
	SnapshotID         string            `json:"snapshotId"`
	SnapshotImageID    string            `json:"snapshotImageId"`
	AuthToken          string            `json:"-"`
	Status             SandboxStatus     `json:"status"`
	GitSyncStatus      string            `json:"gitSyncStatus"`
	LastHeartbeatAt    string            `json:"lastHeartbeatAt"`
	LastActivityAt     string            `json:"lastActivityAt"`
	PreviewURL         string            `json:"previewUrl"`
	PortURLs           map[string]string `json:"portUrls"`
	SpawnFailures      int               `json:"spawnFailures"`
	LastSpawnFailureAt string            `json:"lastSpawnFailureAt"`
	CreatedAt          string            `json:"createdAt"`
}

// ParticipantRole distinguishes the session owner from invited members.
type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleMember ParticipantRole = "member"
)

// Participant is a human identity associated with the session. OAuth tokens
// are stored sealed (encrypted); the connection token is stored hashed.
type Participant struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"userId"`
	TrackerUserID      string          `json:"trackerUserId"`
	TrackerEmail       string          `json:"trackerEmail"`
	Role               ParticipantRole `json:"role"`
	AccessTokenSealed  string          `json:"-"`
	RefreshTokenSealed string          `json:"-"`
	TokenExpiresAt     string          `json:"tokenExpiresAt"`
	ConnTokenHash      string          `json:"-"`
	ConnTokenCreatedAt string          `json:"-"`
	JoinedAt           string          `json:"joinedAt"`
}

// MessageStatus tracks a prompt through the queue. At most one message per
// session may be `processing` at any time.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

// Message is a human prompt awaiting or past execution by the sandbox.
type Message struct {
	ID              string        `json:"id"`
	AuthorID        string        `json:"authorId"`
	Content         string        `json:"content"`
	Source          string        `json:"source"`
	ModelOverride   string        `json:"modelOverride,omitempty"`
	Attachments     string        `json:"attachments,omitempty"`
	CallbackContext string        `json:"callbackContext,omitempty"`
	Status          MessageStatus `json:"status"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`
	CreatedAt       string        `json:"createdAt"`
	StartedAt       string        `json:"startedAt,omitempty"`
	CompletedAt     string        `json:"completedAt,omitempty"`
}

// Event is an append-only structured event from the sandbox. Ordering by
// created_at is the canonical history order.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Payload   string `json:"payload"`
	MessageID string `json:"messageId,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// ArtifactType enumerates durable session outputs surfaced to viewers.
type ArtifactType string

const (
	ArtifactPR         ArtifactType = "pr"
	ArtifactPreview    ArtifactType = "preview"
	ArtifactBranch     ArtifactType = "branch"
	ArtifactScreenshot ArtifactType = "screenshot"
)

// Artifact is an append-only durable output of the session.
type Artifact struct {
	ID        string       `json:"id"`
	Type      ArtifactType `json:"type"`
	URL       string       `json:"url,omitempty"`
	Metadata  string       `json:"metadata,omitempty"`
	CreatedAt string       `json:"createdAt"`
}

// SocketMapping lets the actor reconstruct who owns a socket after an
// eviction/recovery cycle.
type SocketMapping struct {
	SocketID      string `json:"socketId"`
	ParticipantID string `json:"participantId"`
	ClientID      string `json:"clientId"`
	CreatedAt     string `json:"createdAt"`
}

// TaskIssueLink is an append-only join record between an agent task and a
// tracker issue.
type TaskIssueLink struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	EventID   string `json:"eventId,omitempty"`
	TaskIndex int    `json:"taskIndex"`
	IssueID   string `json:"issueId"`
	CreatedAt string `json:"createdAt"`
}
