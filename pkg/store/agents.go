package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"foreman/pkg/protocol"
)

const agentColumns = `id, name, role, worker_mode, steward_focus, skills, languages,
	max_concurrent, reports_to, active, created_at, updated_at`

// CreateAgent registers a new agent. The caller supplies the ID (registry
// identifiers are stable across restarts); timestamps are set here.
func (s *Store) CreateAgent(ctx context.Context, a *protocol.Agent) error {
	if err := protocol.ValidateID(a.ID); err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	if !a.Role.Valid() {
		return fmt.Errorf("create agent %s: unknown role %q", a.ID, a.Role)
	}
	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Active = true

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, string(a.Role), string(a.WorkerMode), a.StewardFocus,
		toJSON(a.Capability.Skills), toJSON(a.Capability.Languages),
		a.Capability.MaxConcurrentTasks, a.ReportsTo, boolToInt(a.Active),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent returns the agent with the given id, or a NotFoundError.
func (s *Store) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "agent", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// AgentFilter selects agents for ListAgents. Zero values match everything.
type AgentFilter struct {
	Role       protocol.Role
	WorkerMode protocol.WorkerMode
	ActiveOnly bool
}

// ListAgents returns agents matching the filter, ordered by name.
func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]protocol.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	if f.Role != "" {
		query += ` AND role = ?`
		args = append(args, string(f.Role))
	}
	if f.WorkerMode != "" {
		query += ` AND worker_mode = ?`
		args = append(args, string(f.WorkerMode))
	}
	if f.ActiveOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []protocol.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAgent applies mutate to the current record inside a transaction and
// persists the result. Returns the updated agent.
func (s *Store) UpdateAgent(ctx context.Context, id string, mutate func(*protocol.Agent) error) (*protocol.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update agent %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "agent", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("update agent %s: %w", id, err)
	}

	if err := mutate(a); err != nil {
		return nil, err
	}
	a.UpdatedAt = s.now()

	_, err = tx.ExecContext(ctx,
		`UPDATE agents SET name = ?, role = ?, worker_mode = ?, steward_focus = ?,
			skills = ?, languages = ?, max_concurrent = ?, reports_to = ?, active = ?,
			updated_at = ? WHERE id = ?`,
		a.Name, string(a.Role), string(a.WorkerMode), a.StewardFocus,
		toJSON(a.Capability.Skills), toJSON(a.Capability.Languages),
		a.Capability.MaxConcurrentTasks, a.ReportsTo, boolToInt(a.Active),
		formatTime(a.UpdatedAt), a.ID)
	if err != nil {
		return nil, fmt.Errorf("update agent %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update agent %s: %w", id, err)
	}
	return a, nil
}

// DeactivateAgent removes an agent from dispatch without deleting it.
func (s *Store) DeactivateAgent(ctx context.Context, id string) error {
	_, err := s.UpdateAgent(ctx, id, func(a *protocol.Agent) error {
		a.Active = false
		return nil
	})
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*protocol.Agent, error) {
	var (
		a                          protocol.Agent
		role, mode                 string
		skills, languages          string
		active                     int
		createdAtStr, updatedAtStr string
	)
	err := row.Scan(&a.ID, &a.Name, &role, &mode, &a.StewardFocus,
		&skills, &languages, &a.Capability.MaxConcurrentTasks, &a.ReportsTo,
		&active, &createdAtStr, &updatedAtStr)
	if err != nil {
		return nil, err
	}
	a.Role = protocol.Role(role)
	a.WorkerMode = protocol.WorkerMode(mode)
	a.Capability.Skills = fromJSONStrings(skills)
	a.Capability.Languages = fromJSONStrings(languages)
	a.Active = active != 0
	a.CreatedAt = parseTime(createdAtStr)
	a.UpdatedAt = parseTime(updatedAtStr)
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
