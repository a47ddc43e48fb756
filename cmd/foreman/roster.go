package main

import (
	"context"
	"fmt"
	"os"

	"foreman/pkg/protocol"
	"foreman/pkg/store"

	"gopkg.in/yaml.v3"
)

// rosterFile is the YAML agent roster. The roster is declarative: syncing it
// upserts every listed agent and (optionally) deactivates agents that fell
// off the list. Agents are never deleted.
type rosterFile struct {
	Agents []rosterAgent `yaml:"agents"`
}

type rosterAgent struct {
	ID                 string   `yaml:"id"`
	Name               string   `yaml:"name"`
	Role               string   `yaml:"role"`
	WorkerMode         string   `yaml:"worker_mode"`
	StewardFocus       string   `yaml:"steward_focus"`
	Skills             []string `yaml:"skills"`
	Languages          []string `yaml:"languages"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	ReportsTo          string   `yaml:"reports_to"`
}

func (r rosterAgent) toAgent() (protocol.Agent, error) {
	agent := protocol.Agent{
		ID:           r.ID,
		Name:         r.Name,
		Role:         protocol.Role(r.Role),
		WorkerMode:   protocol.WorkerMode(r.WorkerMode),
		StewardFocus: r.StewardFocus,
		ReportsTo:    r.ReportsTo,
		Active:       true,
		Capability: protocol.Capability{
			Skills:             r.Skills,
			Languages:          r.Languages,
			MaxConcurrentTasks: r.MaxConcurrentTasks,
		},
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}
	if !agent.Role.Valid() {
		return agent, fmt.Errorf("agent %s: invalid role %q", r.ID, r.Role)
	}
	if agent.Role == protocol.RoleWorker && agent.WorkerMode == "" {
		agent.WorkerMode = protocol.ModeEphemeral
	}
	return agent, nil
}

// LoadRoster parses the YAML roster at path.
func LoadRoster(path string) ([]protocol.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}

	agents := make([]protocol.Agent, 0, len(file.Agents))
	for _, ra := range file.Agents {
		agent, err := ra.toAgent()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// RosterSummary reports what one roster sync changed.
type RosterSummary struct {
	Created     int
	Updated     int
	Deactivated int
}

// SyncRoster upserts the roster into the registry. When prune is set, active
// agents missing from the roster are deactivated.
func SyncRoster(ctx context.Context, st *store.Store, roster []protocol.Agent, prune bool) (RosterSummary, error) {
	var sum RosterSummary
	listed := make(map[string]bool, len(roster))

	for _, agent := range roster {
		listed[agent.ID] = true
		if _, err := st.GetAgent(ctx, agent.ID); err != nil {
			a := agent
			if err := st.CreateAgent(ctx, &a); err != nil {
				return sum, fmt.Errorf("register agent %s: %w", agent.ID, err)
			}
			sum.Created++
			continue
		}
		update := agent
		_, err := st.UpdateAgent(ctx, agent.ID, func(a *protocol.Agent) error {
			a.Name = update.Name
			a.Role = update.Role
			a.WorkerMode = update.WorkerMode
			a.StewardFocus = update.StewardFocus
			a.Capability = update.Capability
			a.ReportsTo = update.ReportsTo
			a.Active = true
			return nil
		})
		if err != nil {
			return sum, fmt.Errorf("update agent %s: %w", agent.ID, err)
		}
		sum.Updated++
	}

	if !prune {
		return sum, nil
	}
	existing, err := st.ListAgents(ctx, store.AgentFilter{ActiveOnly: true})
	if err != nil {
		return sum, err
	}
	for _, agent := range existing {
		if listed[agent.ID] {
			continue
		}
		if err := st.DeactivateAgent(ctx, agent.ID); err != nil {
			return sum, fmt.Errorf("deactivate agent %s: %w", agent.ID, err)
		}
		sum.Deactivated++
	}
	return sum, nil
}
