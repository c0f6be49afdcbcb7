// Package id generates the short stable identifiers used across the
// orchestrator: hashed slugs for tasks, random slugs for kobolds, prompts
// and specification versions.
package id

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const slugLen = 8

// NewTaskID derives a stable slug from the task's area, index and title.
// The same inputs always produce the same id so re-analysis does not churn
// task identities.
func NewTaskID(area string, index int, title string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", strings.ToLower(area), index, strings.ToLower(title))))
	return hex.EncodeToString(sum[:])[:slugLen]
}

// NewProjectID returns a random project identifier.
func NewProjectID() string {
	return "pj-" + randomSlug()
}

// NewKoboldID returns a random worker identifier.
func NewKoboldID() string {
	return "kb-" + randomSlug()
}

// NewPromptID returns a random identifier for an ask-user round trip.
func NewPromptID() string {
	return "pr-" + randomSlug()
}

// NewVersionID returns a random identifier for a specification version.
func NewVersionID() string {
	return "v-" + randomSlug()
}

// NewPlanID returns a random identifier for an implementation plan.
func NewPlanID() string {
	return "pl-" + randomSlug()
}

// NewSessionID returns a random identifier for a client session.
func NewSessionID() string {
	return "se-" + randomSlug()
}

func randomSlug() string {
	buf := make([]byte, slugLen/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform entropy source is broken;
		// fall back to a constant rather than panic in a worker path.
		return strings.Repeat("0", slugLen)
	}
	return hex.EncodeToString(buf)
}
