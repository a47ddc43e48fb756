package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"foreman/pkg/protocol"
)

const taskColumns = `id, title, status, priority, assignee, tags,
	assigned_agent, branch, worktree, session_id, started_at, completed_at,
	merge_status, handoffs, created_at, updated_at`

// CreateTask inserts a new task. Status defaults to open.
func (s *Store) CreateTask(ctx context.Context, t *protocol.Task) error {
	if err := protocol.ValidateID(t.ID); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if t.Status == "" {
		t.Status = protocol.TaskOpen
	}
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, string(t.Status), t.Priority, t.Assignee, toJSON(t.Tags),
		t.Meta.AssignedAgent, t.Meta.Branch, t.Meta.Worktree, t.Meta.SessionID,
		formatNullTime(t.Meta.StartedAt), formatNullTime(t.Meta.CompletedAt),
		string(t.Meta.MergeStatus), toJSON(t.Meta.Handoffs),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns the task with the given id, or a NotFoundError.
func (s *Store) GetTask(ctx context.Context, id string) (*protocol.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// TaskFilter selects tasks for ListTasks. Zero values match everything.
type TaskFilter struct {
	Status     protocol.TaskStatus
	Assignee   string
	Unassigned bool // assignee = '' (ignored when Assignee set)
	Tag        string
}

// ListTasks returns tasks matching the filter, highest priority first,
// oldest first within a priority.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]protocol.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	switch {
	case f.Assignee != "":
		query += ` AND assignee = ?`
		args = append(args, f.Assignee)
	case f.Unassigned:
		query += ` AND assignee = ''`
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		// Tag filtering happens here rather than in SQL: tags is a JSON
		// column and the lists involved are small.
		if f.Tag != "" && !t.HasTag(f.Tag) {
			continue
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTask applies mutate to the current record inside a transaction and
// persists the result. Returns the updated task.
func (s *Store) UpdateTask(ctx context.Context, id string, mutate func(*protocol.Task) error) (*protocol.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}

	priorHandoffs := len(t.Meta.Handoffs)
	if err := mutate(t); err != nil {
		return nil, err
	}
	if len(t.Meta.Handoffs) < priorHandoffs {
		return nil, fmt.Errorf("update task %s: handoff history is append-only", id)
	}
	t.UpdatedAt = s.now()

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET title = ?, status = ?, priority = ?, assignee = ?, tags = ?,
			assigned_agent = ?, branch = ?, worktree = ?, session_id = ?,
			started_at = ?, completed_at = ?, merge_status = ?, handoffs = ?,
			updated_at = ? WHERE id = ?`,
		t.Title, string(t.Status), t.Priority, t.Assignee, toJSON(t.Tags),
		t.Meta.AssignedAgent, t.Meta.Branch, t.Meta.Worktree, t.Meta.SessionID,
		formatNullTime(t.Meta.StartedAt), formatNullTime(t.Meta.CompletedAt),
		string(t.Meta.MergeStatus), toJSON(t.Meta.Handoffs),
		formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	return t, nil
}

func scanTask(row rowScanner) (*protocol.Task, error) {
	var (
		t                          protocol.Task
		status, mergeStatus        string
		tags, handoffs             string
		startedAt, completedAt     sql.NullString
		createdAtStr, updatedAtStr string
	)
	err := row.Scan(&t.ID, &t.Title, &status, &t.Priority, &t.Assignee, &tags,
		&t.Meta.AssignedAgent, &t.Meta.Branch, &t.Meta.Worktree, &t.Meta.SessionID,
		&startedAt, &completedAt, &mergeStatus, &handoffs,
		&createdAtStr, &updatedAtStr)
	if err != nil {
		return nil, err
	}
	t.Status = protocol.TaskStatus(status)
	t.Tags = fromJSONStrings(tags)
	t.Meta.StartedAt = parseNullTime(startedAt)
	t.Meta.CompletedAt = parseNullTime(completedAt)
	t.Meta.MergeStatus = protocol.MergeStatus(mergeStatus)
	if handoffs != "" && handoffs != "[]" {
		if err := json.Unmarshal([]byte(handoffs), &t.Meta.Handoffs); err != nil {
			return nil, fmt.Errorf("decode handoffs for %s: %w", t.ID, err)
		}
	}
	t.CreatedAt = parseTime(createdAtStr)
	t.UpdatedAt = parseTime(updatedAtStr)
	return &t, nil
}
