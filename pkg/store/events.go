package store

import (
	"context"
	"fmt"
	"time"
)

// Event is a single entry from the runtime event log.
type Event struct {
	ID        int64
	Type      string
	Source    string
	TaskID    string
	AgentID   string
	Payload   string
	CreatedAt time.Time
}

// LogEvent appends an entry to the runtime event log.
func (s *Store) LogEvent(ctx context.Context, evType, source, taskID, agentID, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, agent_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		evType, source, taskID, agentID, payload, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// EventQuery specifies filter criteria for QueryEvents.
type EventQuery struct {
	AgentID   string
	TaskID    string
	EventType string
	After     *time.Time
	Before    *time.Time
	Limit     int // 0 = no limit
}

// QueryEvents retrieves log entries matching the filter, newest first.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	query := `SELECT id, type, source, task_id, agent_id, payload, created_at FROM events WHERE 1=1`
	var args []any
	if q.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, q.AgentID)
	}
	if q.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, q.TaskID)
	}
	if q.EventType != "" {
		query += ` AND type = ?`
		args = append(args, q.EventType)
	}
	if q.After != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*q.After))
	}
	if q.Before != nil {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(*q.Before))
	}
	query += ` ORDER BY id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                        Event
			taskID, agentID, payload *string
			createdAtStr             string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &taskID, &agentID, &payload, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if taskID != nil {
			e.TaskID = *taskID
		}
		if agentID != nil {
			e.AgentID = *agentID
		}
		if payload != nil {
			e.Payload = *payload
		}
		e.CreatedAt = parseTime(createdAtStr)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
