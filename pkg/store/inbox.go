package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"foreman/pkg/protocol"

	"github.com/google/uuid"
)

const inboxColumns = `id, agent_id, channel_id, content, source, dispatch, task_id, status, created_at`

// CreateMessage inserts an inbox message. A missing ID gets a fresh UUID;
// status defaults to unread.
func (s *Store) CreateMessage(ctx context.Context, m *protocol.InboxMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = protocol.MessageUnread
	}
	if m.Source == "" {
		m.Source = protocol.SourceDirect
	}
	m.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbox (`+inboxColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AgentID, m.ChannelID, m.Content, string(m.Source),
		boolToInt(m.Dispatch), m.TaskID, string(m.Status), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("create message for %s: %w", m.AgentID, err)
	}
	return nil
}

// GetMessage returns one inbox message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*protocol.InboxMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM inbox WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "message", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// ListUnread returns up to limit unread messages for an agent, oldest first.
func (s *Store) ListUnread(ctx context.Context, agentID string, limit int) ([]protocol.InboxMessage, error) {
	query := `SELECT ` + inboxColumns + ` FROM inbox
		WHERE agent_id = ? AND status = 'unread' ORDER BY created_at ASC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unread for %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []protocol.InboxMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SetMessageStatus moves a message between unread/read/archived.
func (s *Store) SetMessageStatus(ctx context.Context, id string, status protocol.MessageStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE inbox SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set message %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set message %s status: %w", id, err)
	}
	if n == 0 {
		return &protocol.NotFoundError{Kind: "message", ID: id}
	}
	return nil
}

func scanMessage(row rowScanner) (*protocol.InboxMessage, error) {
	var (
		m              protocol.InboxMessage
		source, status string
		dispatch       int
		createdAtStr   string
	)
	err := row.Scan(&m.ID, &m.AgentID, &m.ChannelID, &m.Content, &source,
		&dispatch, &m.TaskID, &status, &createdAtStr)
	if err != nil {
		return nil, err
	}
	m.Source = protocol.MessageSource(source)
	m.Dispatch = dispatch != 0
	m.Status = protocol.MessageStatus(status)
	m.CreatedAt = parseTime(createdAtStr)
	return &m, nil
}
