package protocol

import (
	"fmt"
	"strings"
)

// Directory and naming constants used throughout Foreman.
const (
	// WorktreesDir is the directory under the repo root where worktrees live.
	WorktreesDir = ".worktrees"

	// ForemanDir is the user-level state directory (e.g. ~/.foreman).
	ForemanDir = ".foreman"

	// BranchPrefix is the git branch prefix for agent worktrees.
	BranchPrefix = "agent/"

	// MaxSlugLen bounds the slug component of generated names.
	MaxSlugLen = 40
)

// Slug reduces a task title to a lowercase hyphenated identifier safe for
// branch names and directory names. Empty titles slug to "task".
func Slug(title string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= MaxSlugLen {
			break
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "task"
	}
	return s
}

// BranchName returns the deterministic branch for an agent working a task:
// agent/<agentName>/<taskID>-<slug(title)>.
func BranchName(agentName, taskID, title string) string {
	return fmt.Sprintf("%s%s/%s-%s", BranchPrefix, Slug(agentName), taskID, Slug(title))
}

// WorktreeName returns the deterministic directory name under WorktreesDir
// for a task checkout: <taskID>-<slug(title)>.
func WorktreeName(taskID, title string) string {
	return fmt.Sprintf("%s-%s", taskID, Slug(title))
}

// ValidateID rejects identifiers that could escape a directory when joined
// into a filesystem path.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("id %q contains path separators", id)
	}
	return nil
}
