// Package project is the durable registry of projects: status lifecycle,
// on-disk layout, specification versions and verification state. All status
// transitions are linearized by the repository's write lock.
package project

import (
	"fmt"
	"time"

	"brood/internal/config"
)

// Status is a project's position in the pipeline.
type Status string

const (
	StatusPrototype            Status = "Prototype"
	StatusNew                  Status = "New"
	StatusWyrmAssigned         Status = "WyrmAssigned"
	StatusAnalyzed             Status = "Analyzed"
	StatusInProgress           Status = "InProgress"
	StatusAwaitingVerification Status = "AwaitingVerification"
	StatusVerified             Status = "Verified"
	StatusCompleted            Status = "Completed"
	StatusFailed               Status = "Failed"
)

// statusRank orders the pipeline for the monotonicity check. Failed sits
// outside the ordering and is handled explicitly.
var statusRank = map[Status]int{
	StatusPrototype:            0,
	StatusNew:                  1,
	StatusWyrmAssigned:         2,
	StatusAnalyzed:             3,
	StatusInProgress:           4,
	StatusAwaitingVerification: 5,
	StatusVerified:             6,
	StatusCompleted:            7,
}

// CanTransition reports whether from→to is a legal status change. Forward
// moves (including skips) are legal; the sole back-edge is
// AwaitingVerification→InProgress on failed verification. Completed and
// Failed are terminal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusCompleted || from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return true
	}
	if from == StatusAwaitingVerification && to == StatusInProgress {
		return true
	}
	fromRank, ok1 := statusRank[from]
	toRank, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return toRank > fromRank
}

// TransitionError reports an illegal status change.
type TransitionError struct {
	ProjectID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("project %s: illegal status transition %s -> %s", e.ProjectID, e.From, e.To)
}

// VerificationStatus tracks the verifier's view of a project.
type VerificationStatus string

const (
	VerificationNotStarted VerificationStatus = "NotStarted"
	VerificationInProgress VerificationStatus = "InProgress"
	VerificationPassed     VerificationStatus = "Passed"
	VerificationFailed     VerificationStatus = "Failed"
	VerificationSkipped    VerificationStatus = "Skipped"
)

// CheckPriority grades a verification check.
type CheckPriority string

const (
	PriorityCritical CheckPriority = "Critical"
	PriorityHigh     CheckPriority = "High"
	PriorityMedium   CheckPriority = "Medium"
	PriorityLow      CheckPriority = "Low"
)

// VerificationCheck is one executed build/test/lint/doc command.
type VerificationCheck struct {
	Type            string        `json:"type"`
	Command         string        `json:"command"`
	Priority        CheckPriority `json:"priority"`
	ExitCode        int           `json:"exitCode"`
	Output          string        `json:"output"`
	DurationSeconds float64       `json:"durationSeconds"`
	ExecutedAt      time.Time     `json:"executedAt"`
	Passed          bool          `json:"passed"`
}

// VerificationState is the per-project verification record.
type VerificationState struct {
	Status      VerificationStatus  `json:"status"`
	StartedAt   *time.Time          `json:"startedAt,omitempty"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
	Report      string              `json:"report,omitempty"`
	Checks      []VerificationCheck `json:"checks,omitempty"`
}

// SpecVersion records one observed content state of the specification file.
type SpecVersion struct {
	VersionID   string    `json:"versionId"`
	ContentHash string    `json:"contentHash"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Project is one registry entry. Paths are absolute.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	RootDir            string   `json:"rootDir"`
	WorkspacePath      string   `json:"workspacePath"`
	SpecPath           string   `json:"specPath"`
	AnalysisPath       string   `json:"analysisPath"`
	RecommendationPath string   `json:"recommendationPath"`
	TasksDir           string   `json:"tasksDir"`
	PlansDir           string   `json:"plansDir"`
	TaskFiles          []string `json:"taskFiles,omitempty"`

	// Imported marks projects added from an existing directory; the verifier
	// may skip these.
	Imported bool `json:"imported,omitempty"`

	AllowedExternalPaths []string `json:"allowedExternalPaths,omitempty"`

	SpecVersions []SpecVersion     `json:"specVersions,omitempty"`
	Verification VerificationState `json:"verification"`

	// ProviderOverrides maps an agent type (dragon, wyrm, wyvern, kobold,
	// verifier) to a provider configuration that takes precedence over the
	// global one.
	ProviderOverrides map[string]config.ProviderConfig `json:"providerOverrides,omitempty"`
}

// ActiveSpecVersion returns the most recent specification version, or nil.
func (p *Project) ActiveSpecVersion() *SpecVersion {
	if len(p.SpecVersions) == 0 {
		return nil
	}
	return &p.SpecVersions[len(p.SpecVersions)-1]
}

// ProviderFor resolves the provider config for an agent type. Override
// fields win over the global configuration, but unset fields inherit from
// it: an override carrying only {provider, model} keeps the global
// credentials.
func (p *Project) ProviderFor(agentType string, global config.ProviderConfig) config.ProviderConfig {
	if p.ProviderOverrides != nil {
		if override, ok := p.ProviderOverrides[agentType]; ok {
			return override.WithDefaults(global)
		}
	}
	return global
}

// Clone returns a deep-enough copy for callers outside the repository lock.
func (p *Project) Clone() *Project {
	out := *p
	out.TaskFiles = append([]string(nil), p.TaskFiles...)
	out.AllowedExternalPaths = append([]string(nil), p.AllowedExternalPaths...)
	out.SpecVersions = append([]SpecVersion(nil), p.SpecVersions...)
	out.Verification.Checks = append([]VerificationCheck(nil), p.Verification.Checks...)
	if p.ProviderOverrides != nil {
		out.ProviderOverrides = make(map[string]config.ProviderConfig, len(p.ProviderOverrides))
		for k, v := range p.ProviderOverrides {
			out.ProviderOverrides[k] = v
		}
	}
	return &out
}
