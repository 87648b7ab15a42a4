package persistence

import (
	"database/sql"
	"fmt"
)

// InsertMessage adds a new message. Status defaults to pending.
func (s *Store) InsertMessage(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt == "" {
		m.CreatedAt = now()
	}
	if m.Status == "" {
		m.Status = MessagePending
	}

	_, err := s.db.Exec(
		`INSERT INTO messages
			(id, author_id, content, source, model_override, attachments, callback_context,
			 status, error_message, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AuthorID, m.Content, m.Source, m.ModelOverride, m.Attachments,
		m.CallbackContext, m.Status, m.ErrorMessage, m.CreatedAt, m.StartedAt, m.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, author_id, content, source, model_override, attachments,
	callback_context, status, error_message, created_at, started_at, completed_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.AuthorID, &m.Content, &m.Source, &m.ModelOverride,
		&m.Attachments, &m.CallbackContext, &m.Status, &m.ErrorMessage,
		&m.CreatedAt, &m.StartedAt, &m.CompletedAt)
	return m, err
}

// GetMessage retrieves a message by id. Returns nil, nil if absent.
func (s *Store) GetMessage(id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanMessage(s.db.QueryRow(
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// ProcessingMessage returns the message currently being executed, or nil.
// The queue invariant guarantees at most one such row.
func (s *Store) ProcessingMessage() (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanMessage(s.db.QueryRow(
		"SELECT " + messageColumns + " FROM messages WHERE status = 'processing' LIMIT 1"))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("processing message: %w", err)
	}
	return &m, nil
}

// OldestPendingMessage returns the FIFO head of the prompt queue, or nil.
func (s *Store) OldestPendingMessage() (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanMessage(s.db.QueryRow(
		"SELECT " + messageColumns + " FROM messages WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1"))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest pending message: %w", err)
	}
	return &m, nil
}

// MarkMessageProcessing transitions a message to processing. Only called
// after the prompt command was actually delivered to the sandbox socket.
func (s *Store) MarkMessageProcessing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE messages SET status = 'processing', started_at = ? WHERE id = ?",
		now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark message processing: %w", err)
	}
	return nil
}

// MarkMessageDone transitions a message to completed or failed.
func (s *Store) MarkMessageDone(id string, success bool, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := MessageCompleted
	if !success {
		status = MessageFailed
	}
	_, err := s.db.Exec(
		"UPDATE messages SET status = ?, error_message = ?, completed_at = ? WHERE id = ?",
		status, errorMessage, now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark message done: %w", err)
	}
	return nil
}

// ListMessages returns all messages in creation order.
func (s *Store) ListMessages() ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT " + messageColumns + " FROM messages ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if result == nil {
		result = []Message{}
	}
	return result, nil
}

// InsertEvent appends an event to the history.
func (s *Store) InsertEvent(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt == "" {
		e.CreatedAt = now()
	}

	_, err := s.db.Exec(
		"INSERT INTO events (id, type, payload, message_id, created_at) VALUES (?, ?, ?, ?, ?)",
		e.ID, e.Type, e.Payload, e.MessageID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns events in canonical history order (created_at ascending).
// A limit of 0 returns everything.
func (s *Store) ListEvents(limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, type, payload, message_id, created_at FROM events ORDER BY created_at ASC"
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+" LIMIT ?", limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &e.MessageID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	if result == nil {
		result = []Event{}
	}
	return result, nil
}

// InsertArtifact appends a durable session output.
func (s *Store) InsertArtifact(a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt == "" {
		a.CreatedAt = now()
	}

	_, err := s.db.Exec(
		"INSERT INTO artifacts (id, type, url, metadata, created_at) VALUES (?, ?, ?, ?, ?)",
		a.ID, a.Type, a.URL, a.Metadata, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves an artifact by id. Returns nil, nil if absent.
func (s *Store) GetArtifact(id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a Artifact
	err := s.db.QueryRow(
		"SELECT id, type, url, metadata, created_at FROM artifacts WHERE id = ?", id,
	).Scan(&a.ID, &a.Type, &a.URL, &a.Metadata, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

// ListArtifacts returns artifacts in creation order.
func (s *Store) ListArtifacts() ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, type, url, metadata, created_at FROM artifacts ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var result []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.Type, &a.URL, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}

	if result == nil {
		result = []Artifact{}
	}
	return result, nil
}

// PutSocketMapping records which participant owns a socket so the actor can
// reconstruct connection state after eviction.
func (s *Store) PutSocketMapping(m SocketMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt == "" {
		m.CreatedAt = now()
	}

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO socket_mappings (socket_id, participant_id, client_id, created_at) VALUES (?, ?, ?, ?)",
		m.SocketID, m.ParticipantID, m.ClientID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put socket mapping: %w", err)
	}
	return nil
}

// GetSocketMapping retrieves a socket mapping. Returns nil, nil if absent.
func (s *Store) GetSocketMapping(socketID string) (*SocketMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m SocketMapping
	err := s.db.QueryRow(
		"SELECT socket_id, participant_id, client_id, created_at FROM socket_mappings WHERE socket_id = ?",
		socketID,
	).Scan(&m.SocketID, &m.ParticipantID, &m.ClientID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get socket mapping: %w", err)
	}
	return &m, nil
}

// DeleteSocketMapping removes a socket mapping when the socket closes.
func (s *Store) DeleteSocketMapping(socketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM socket_mappings WHERE socket_id = ?", socketID)
	if err != nil {
		return fmt.Errorf("delete socket mapping: %w", err)
	}
	return nil
}

// ListSocketMappings returns all socket mappings.
func (s *Store) ListSocketMappings() ([]SocketMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT socket_id, participant_id, client_id, created_at FROM socket_mappings ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list socket mappings: %w", err)
	}
	defer rows.Close()

	var result []SocketMapping
	for rows.Next() {
		var m SocketMapping
		if err := rows.Scan(&m.SocketID, &m.ParticipantID, &m.ClientID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan socket mapping: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate socket mappings: %w", err)
	}

	if result == nil {
		result = []SocketMapping{}
	}
	return result, nil
}

// InsertTaskIssueLink appends a task-to-issue join record.
func (s *Store) InsertTaskIssueLink(l TaskIssueLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.CreatedAt == "" {
		l.CreatedAt = now()
	}

	_, err := s.db.Exec(
		"INSERT INTO task_issue_links (id, message_id, event_id, task_index, issue_id, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		l.ID, l.MessageID, l.EventID, l.TaskIndex, l.IssueID, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task issue link: %w", err)
	}
	return nil
}

// ListTaskIssueLinks returns all task-to-issue join records.
func (s *Store) ListTaskIssueLinks() ([]TaskIssueLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, message_id, event_id, task_index, issue_id, created_at FROM task_issue_links ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list task issue links: %w", err)
	}
	defer rows.Close()

	var result []TaskIssueLink
	for rows.Next() {
		var l TaskIssueLink
		if err := rows.Scan(&l.ID, &l.MessageID, &l.EventID, &l.TaskIndex, &l.IssueID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task issue link: %w", err)
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task issue links: %w", err)
	}

	if result == nil {
		result = []TaskIssueLink{}
	}
	return result, nil
}
