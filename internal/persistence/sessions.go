package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateSession inserts the session row. Called once at actor init.
func (s *Store) CreateSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.CreatedAt == "" {
		sess.CreatedAt = now()
	}
	if sess.UpdatedAt == "" {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = SessionCreated
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions
			(id, routing_name, title, repo_owner, repo_name, default_branch, branch_name,
			 base_sha, current_sha, agent_session_id, model, status, issue_id, team_id,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.RoutingName, sess.Title, sess.RepoOwner, sess.RepoName,
		sess.DefaultBranch, sess.BranchName, sess.BaseSHA, sess.CurrentSHA,
		sess.AgentSessionID, sess.Model, sess.Status, sess.IssueID, sess.TeamID,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns the session row. Returns nil, nil if the actor has not
// been initialised yet.
func (s *Store) GetSession() (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess Session
	err := s.db.QueryRow(
		`SELECT id, routing_name, title, repo_owner, repo_name, default_branch, branch_name,
			base_sha, current_sha, agent_session_id, model, status, issue_id, team_id,
			created_at, updated_at
		FROM sessions LIMIT 1`,
	).Scan(&sess.ID, &sess.RoutingName, &sess.Title, &sess.RepoOwner, &sess.RepoName,
		&sess.DefaultBranch, &sess.BranchName, &sess.BaseSHA, &sess.CurrentSHA,
		&sess.AgentSessionID, &sess.Model, &sess.Status, &sess.IssueID, &sess.TeamID,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// UpdateSessionStatus sets the session status.
func (s *Store) UpdateSessionStatus(status SessionStatus) error {
	return s.updateSession("status", string(status))
}

// UpdateSessionCurrentSHA records the latest synced commit.
func (s *Store) UpdateSessionCurrentSHA(sha string) error {
	return s.updateSession("current_sha", sha)
}

// UpdateSessionBranch records the session's working branch name.
func (s *Store) UpdateSessionBranch(branch string) error {
	return s.updateSession("branch_name", branch)
}

// UpdateSessionTitle sets the session title.
func (s *Store) UpdateSessionTitle(title string) error {
	return s.updateSession("title", title)
}

// LinkSessionIssue records the tracker issue and team this session is tied to.
func (s *Store) LinkSessionIssue(issueID, teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sessions SET issue_id = ?, team_id = ?, updated_at = ?",
		issueID, teamID, now(),
	)
	if err != nil {
		return fmt.Errorf("link session issue: %w", err)
	}
	return nil
}

func (s *Store) updateSession(column, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		fmt.Sprintf("UPDATE sessions SET %s = ?, updated_at = ?", column),
		value, now(),
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", column, err)
	}
	return nil
}

// CreateSandbox inserts the sandbox row with status pending.
func (s *Store) CreateSandbox(sb Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sb.CreatedAt == "" {
		sb.CreatedAt = now()
	}
	if sb.Status == "" {
		sb.Status = SandboxPending
	}

	_, err := s.db.Exec(
		`INSERT INTO sandboxes
			(id, provider_sandbox_id, provider_object_id, snapshot_id, snapshot_image_id,
			 auth_token, status, git_sync_status, last_heartbeat_at, last_activity_at,
			 spawn_failures, last_spawn_failure_at, created_at, preview_url, port_urls)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.ProviderSandboxID, sb.ProviderObjectID, sb.SnapshotID, sb.SnapshotImageID,
		sb.AuthToken, sb.Status, sb.GitSyncStatus, sb.LastHeartbeatAt, sb.LastActivityAt,
		sb.SpawnFailures, sb.LastSpawnFailureAt, sb.CreatedAt, sb.PreviewURL, encodePortURLs(sb.PortURLs),
	)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	return nil
}

// GetSandbox returns the sandbox row. Returns nil, nil if none exists.
func (s *Store) GetSandbox() (*Sandbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sb Sandbox
	var portURLs string
	err := s.db.QueryRow(
		`SELECT id, provider_sandbox_id, provider_object_id, snapshot_id, snapshot_image_id,
			auth_token, status, git_sync_status, last_heartbeat_at, last_activity_at,
			spawn_failures, last_spawn_failure_at, created_at, preview_url, port_urls
		FROM sandboxes LIMIT 1`,
	).Scan(&sb.ID, &sb.ProviderSandboxID, &sb.ProviderObjectID, &sb.SnapshotID, &sb.SnapshotImageID,
		&sb.AuthToken, &sb.Status, &sb.GitSyncStatus, &sb.LastHeartbeatAt, &sb.LastActivityAt,
		&sb.SpawnFailures, &sb.LastSpawnFailureAt, &sb.CreatedAt, &sb.PreviewURL, &portURLs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox: %w", err)
	}
	sb.PortURLs = decodePortURLs(portURLs)
	return &sb, nil
}

// UpdateSandboxStatus sets the sandbox lifecycle status.
func (s *Store) UpdateSandboxStatus(status SandboxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sandboxes SET status = ?", status)
	if err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	return nil
}

// RecordSandboxSpawn stores the expected provider sandbox id and the
// per-spawn auth token. Written before the provisioning call returns so a
// connecting sandbox can be authenticated even if the HTTP response is
// delayed.
func (s *Store) RecordSandboxSpawn(providerSandboxID, providerObjectID, authToken string, status SandboxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE sandboxes SET provider_sandbox_id = ?, provider_object_id = ?,
			auth_token = ?, status = ?`,
		providerSandboxID, providerObjectID, authToken, status,
	)
	if err != nil {
		return fmt.Errorf("record sandbox spawn: %w", err)
	}
	return nil
}

// RecordSandboxSnapshot persists the snapshot ids returned by the
// provisioning API for future restores.
func (s *Store) RecordSandboxSnapshot(snapshotID, imageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sandboxes SET snapshot_id = ?, snapshot_image_id = ?",
		snapshotID, imageID,
	)
	if err != nil {
		return fmt.Errorf("record sandbox snapshot: %w", err)
	}
	return nil
}

// TouchSandboxHeartbeat records the latest heartbeat time.
func (s *Store) TouchSandboxHeartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sandboxes SET last_heartbeat_at = ?", now())
	if err != nil {
		return fmt.Errorf("touch sandbox heartbeat: %w", err)
	}
	return nil
}

// TouchSandboxActivity records the latest activity time (prompt delivery,
// viewer interaction, event ingestion).
func (s *Store) TouchSandboxActivity() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sandboxes SET last_activity_at = ?", now())
	if err != nil {
		return fmt.Errorf("touch sandbox activity: %w", err)
	}
	return nil
}

// UpdateSandboxGitSync sets the git sync status.
func (s *Store) UpdateSandboxGitSync(status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sandboxes SET git_sync_status = ?", status)
	if err != nil {
		return fmt.Errorf("update sandbox git sync: %w", err)
	}
	return nil
}

// UpdateSandboxPreview records the preview tunnel URL and port map.
func (s *Store) UpdateSandboxPreview(previewURL string, portURLs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sandboxes SET preview_url = ?, port_urls = ?",
		previewURL, encodePortURLs(portURLs),
	)
	if err != nil {
		return fmt.Errorf("update sandbox preview: %w", err)
	}
	return nil
}

// RecordSpawnFailure sets the failure counter and timestamp used by the
// spawn circuit breaker.
func (s *Store) RecordSpawnFailure(count int, at string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sandboxes SET spawn_failures = ?, last_spawn_failure_at = ?",
		count, at,
	)
	if err != nil {
		return fmt.Errorf("record spawn failure: %w", err)
	}
	return nil
}

func encodePortURLs(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodePortURLs(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// UpsertParticipant inserts or replaces a participant by id.
func (s *Store) UpsertParticipant(p Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.JoinedAt == "" {
		p.JoinedAt = now()
	}
	if p.Role == "" {
		p.Role = RoleMember
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO participants
			(id, user_id, tracker_user_id, tracker_email, role, access_token_sealed,
			 refresh_token_sealed, token_expires_at, conn_token_hash, conn_token_created_at, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.TrackerUserID, p.TrackerEmail, p.Role, p.AccessTokenSealed,
		p.RefreshTokenSealed, p.TokenExpiresAt, p.ConnTokenHash, p.ConnTokenCreatedAt, p.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

// GetParticipant retrieves a participant by id. Returns nil, nil if absent.
func (s *Store) GetParticipant(id string) (*Participant, error) {
	return s.participantWhere("id = ?", id)
}

// GetParticipantByUserID retrieves a participant by external user id.
func (s *Store) GetParticipantByUserID(userID string) (*Participant, error) {
	return s.participantWhere("user_id = ?", userID)
}

// GetParticipantByConnTokenHash retrieves the participant whose hashed
// connection token matches. The plaintext token is never stored or compared.
func (s *Store) GetParticipantByConnTokenHash(hash string) (*Participant, error) {
	if hash == "" {
		return nil, nil
	}
	return s.participantWhere("conn_token_hash = ?", hash)
}

func (s *Store) participantWhere(where string, arg string) (*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Participant
	err := s.db.QueryRow(
		`SELECT id, user_id, tracker_user_id, tracker_email, role, access_token_sealed,
			refresh_token_sealed, token_expires_at, conn_token_hash, conn_token_created_at, joined_at
		FROM participants WHERE `+where,
		arg,
	).Scan(&p.ID, &p.UserID, &p.TrackerUserID, &p.TrackerEmail, &p.Role, &p.AccessTokenSealed,
		&p.RefreshTokenSealed, &p.TokenExpiresAt, &p.ConnTokenHash, &p.ConnTokenCreatedAt, &p.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return &p, nil
}

// ListParticipants returns all participants ordered by join time.
func (s *Store) ListParticipants() ([]Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, user_id, tracker_user_id, tracker_email, role, access_token_sealed,
			refresh_token_sealed, token_expires_at, conn_token_hash, conn_token_created_at, joined_at
		FROM participants ORDER BY joined_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var result []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.UserID, &p.TrackerUserID, &p.TrackerEmail, &p.Role,
			&p.AccessTokenSealed, &p.RefreshTokenSealed, &p.TokenExpiresAt,
			&p.ConnTokenHash, &p.ConnTokenCreatedAt, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}

	if result == nil {
		result = []Participant{}
	}
	return result, nil
}

// UpdateParticipantTokens refreshes the sealed OAuth tokens in place.
func (s *Store) UpdateParticipantTokens(id, accessSealed, refreshSealed, expiresAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE participants SET access_token_sealed = ?, refresh_token_sealed = ?,
			token_expires_at = ? WHERE id = ?`,
		accessSealed, refreshSealed, expiresAt, id,
	)
	if err != nil {
		return fmt.Errorf("update participant tokens: %w", err)
	}
	return nil
}

// SetConnTokenHash stores a freshly generated connection token hash.
func (s *Store) SetConnTokenHash(id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE participants SET conn_token_hash = ?, conn_token_created_at = ? WHERE id = ?",
		hash, now(), id,
	)
	if err != nil {
		return fmt.Errorf("set connection token hash: %w", err)
	}
	return nil
}
