package dispatch

import (
	"sort"
	"strings"

	"foreman/pkg/protocol"
)

// Candidate is one ranked dispatch candidate.
type Candidate struct {
	Agent    protocol.Agent `json:"agent"`
	Score    float64        `json:"score"`
	Eligible bool           `json:"eligible"`
}

// Scorer ranks agents for a task. Implementations must be pure: no side
// effects, same inputs produce the same ranking.
type Scorer interface {
	Rank(task protocol.Task, agents []protocol.Agent) []Candidate
}

// SkillScorer ranks by overlap between the task's tags and the agent's
// declared skills and languages. Inactive and non-worker agents are
// ineligible.
type SkillScorer struct{}

// Rank scores each agent and returns candidates sorted best first. Every
// eligible agent gets a base score so a fleet with no skill metadata still
// dispatches.
func (SkillScorer) Rank(task protocol.Task, agents []protocol.Agent) []Candidate {
	out := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		c := Candidate{Agent: a, Eligible: a.Active && a.Role == protocol.RoleWorker}
		if c.Eligible {
			c.Score = scoreAgent(task, a)
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func scoreAgent(task protocol.Task, a protocol.Agent) float64 {
	score := 0.5
	for _, tag := range task.Tags {
		if containsFold(a.Capability.Skills, tag) || containsFold(a.Capability.Languages, tag) {
			score += 0.25
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
