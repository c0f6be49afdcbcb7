// Package wyrm is the pre-analyzer: it reads a project's specification,
// asks the provider for a recommendation (languages, tech stack, agent
// types, verification plan), persists it and advances the project to
// WyrmAssigned.
package wyrm

import (
	"context"
	"fmt"
	"os"

	"brood/internal/agent"
	"brood/internal/jsonx"
	"brood/internal/logging"
	"brood/internal/project"
)

// VerificationStep is one suggested check for the verifier.
type VerificationStep struct {
	Type     string `json:"type"`
	Command  string `json:"command"`
	Priority string `json:"priority,omitempty"`
	// Criteria is exit_code_0, contains:<needle> or not_contains:<needle>.
	Criteria string `json:"criteria,omitempty"`
}

// Recommendation is the persisted wyrm-recommendation.json shape. The core
// requires only detectedLanguages and suggestedAgentTypes; everything else
// is advisory and may be hallucinated.
type Recommendation struct {
	ProjectID           string             `json:"projectId"`
	DetectedLanguages   []string           `json:"detectedLanguages"`
	TechStack           map[string]string  `json:"techStack,omitempty"`
	SuggestedAgentTypes []string           `json:"suggestedAgentTypes"`
	VerificationSteps   []VerificationStep `json:"verificationSteps,omitempty"`
}

// Validate enforces the minimum schema.
func (r *Recommendation) Validate() error {
	if r.DetectedLanguages == nil {
		return fmt.Errorf("recommendation missing detectedLanguages")
	}
	if r.SuggestedAgentTypes == nil {
		return fmt.Errorf("recommendation missing suggestedAgentTypes")
	}
	return nil
}

// Wyrm processes one project at a time.
type Wyrm struct {
	gateway agent.Gateway
	repo    *project.Repository
	logger  logging.Logger
}

// New creates the pre-analyzer.
func New(gateway agent.Gateway, repo *project.Repository, logger logging.Logger) *Wyrm {
	return &Wyrm{
		gateway: gateway,
		repo:    repo,
		logger:  logging.OrNop(logger),
	}
}

const systemPrompt = "You analyze software specifications. Respond with JSON only, matching the schema in the user message."

// Process reads the spec, produces the recommendation, persists it and
// moves the project to WyrmAssigned. An empty specification still yields a
// valid (possibly empty) recommendation.
func (w *Wyrm) Process(ctx context.Context, projectID string) error {
	p, err := w.repo.Get(projectID)
	if err != nil {
		return err
	}

	spec, err := os.ReadFile(p.SpecPath)
	if err != nil {
		return fmt.Errorf("read spec for %s: %w", p.Name, err)
	}

	rec, err := w.recommend(ctx, string(spec))
	if err != nil {
		return fmt.Errorf("wyrm analysis for %s: %w", p.Name, err)
	}
	rec.ProjectID = p.ID

	data, err := jsonx.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode recommendation: %w", err)
	}
	if err := os.WriteFile(p.RecommendationPath, data, 0644); err != nil {
		return fmt.Errorf("write recommendation for %s: %w", p.Name, err)
	}

	if err := w.repo.Transition(p.ID, project.StatusWyrmAssigned); err != nil {
		return err
	}
	w.logger.Info("Wyrm finished %s: languages=%v agentTypes=%v", p.Name, rec.DetectedLanguages, rec.SuggestedAgentTypes)
	return nil
}

func (w *Wyrm) recommend(ctx context.Context, spec string) (*Recommendation, error) {
	prompt := fmt.Sprintf(`Analyze this software specification and respond with JSON:
{
  "detectedLanguages": [...],
  "techStack": {"name": "reason", ...},
  "suggestedAgentTypes": [...],
  "verificationSteps": [{"type": "build|test|lint|doc", "command": ..., "priority": "Critical|High|Medium|Low", "criteria": "exit_code_0"}]
}

Specification:
%s`, spec)

	var rec Recommendation
	loop := agent.New(w.gateway, nil, agent.Config{MaxIterations: 2, Logger: w.logger})
	result := loop.RunJSON(ctx, systemPrompt, prompt, &rec)
	if result.Failed {
		return nil, fmt.Errorf("%s", result.ErrorText)
	}

	// An empty spec (or a sparse reply) still yields a valid document.
	if rec.DetectedLanguages == nil {
		rec.DetectedLanguages = []string{}
	}
	if rec.SuggestedAgentTypes == nil {
		rec.SuggestedAgentTypes = []string{}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Load reads a persisted recommendation; callers tolerate a missing file.
func Load(path string) (*Recommendation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Recommendation
	if err := jsonx.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &rec, nil
}
