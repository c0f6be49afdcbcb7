// Package wyvern is the deep analyzer: it turns a specification plus the
// Wyrm recommendation into areas of dependency-leveled tasks, writes the
// analysis pair (markdown + JSON) and materializes one task file per area.
package wyvern

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"brood/internal/agent"
	"brood/internal/id"
	"brood/internal/jsonx"
	"brood/internal/logging"
	"brood/internal/project"
	"brood/internal/taskfile"
	"brood/internal/wyrm"
)

// Task is one analyzed unit of work.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority"`
	AgentType   string   `json:"agentType,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	// Level N depends only on tasks with level < N.
	Level int `json:"level"`
}

// Area groups related tasks.
type Area struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Tasks       []Task `json:"tasks"`
}

// Structure carries the planner hints about the target codebase shape.
type Structure struct {
	ExistingFiles          []string          `json:"existingFiles,omitempty"`
	NamingConventions      map[string]string `json:"namingConventions,omitempty"`
	DirectoryPurposes      map[string]string `json:"directoryPurposes,omitempty"`
	FileLocationGuidelines map[string]string `json:"fileLocationGuidelines,omitempty"`
	ArchitectureNotes      string            `json:"architectureNotes,omitempty"`
}

// Analysis is the persisted analysis.json shape.
type Analysis struct {
	ProjectID           string    `json:"projectId"`
	Areas               []Area    `json:"areas"`
	TotalTasks          int       `json:"totalTasks"`
	EstimatedComplexity string    `json:"estimatedComplexity,omitempty"`
	AnalyzedAt          time.Time `json:"analyzedAt"`
	SpecVersionID       string    `json:"specVersionId,omitempty"`
	Structure           Structure `json:"structure"`
}

// CycleError reports a dependency cycle in the analyzed task graph.
type CycleError struct {
	Tasks []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving tasks: %s", strings.Join(e.Tasks, ", "))
}

// Wyvern analyzes one project at a time.
type Wyvern struct {
	gateway agent.Gateway
	repo    *project.Repository
	logger  logging.Logger
}

// New creates the analyzer.
func New(gateway agent.Gateway, repo *project.Repository, logger logging.Logger) *Wyvern {
	return &Wyvern{
		gateway: gateway,
		repo:    repo,
		logger:  logging.OrNop(logger),
	}
}

const systemPrompt = "You decompose software specifications into implementation task graphs. Respond with JSON only."

// Process analyzes the project and advances it to Analyzed. A dependency
// cycle aborts before any task file is written.
func (w *Wyvern) Process(ctx context.Context, projectID string) error {
	p, err := w.repo.Get(projectID)
	if err != nil {
		return err
	}

	spec, err := os.ReadFile(p.SpecPath)
	if err != nil {
		return fmt.Errorf("read spec for %s: %w", p.Name, err)
	}

	// Wyvern waits for the Wyrm recommendation; a missing file means the
	// project is not ready for this stage yet.
	rec, err := wyrm.Load(p.RecommendationPath)
	if err != nil {
		return fmt.Errorf("recommendation for %s not ready: %w", p.Name, err)
	}

	analysis, err := w.analyze(ctx, string(spec), rec)
	if err != nil {
		return fmt.Errorf("wyvern analysis for %s: %w", p.Name, err)
	}
	analysis.ProjectID = p.ID
	if v := p.ActiveSpecVersion(); v != nil {
		analysis.SpecVersionID = v.VersionID
	}

	ensureReadmeTask(analysis)
	assignTaskIDs(analysis)
	if err := computeLevels(analysis); err != nil {
		return fmt.Errorf("wyvern analysis for %s: %w", p.Name, err)
	}

	// Everything below mutates disk; the cycle check above guarantees no
	// partial task files on abort.
	if err := w.writeAnalysis(p, analysis); err != nil {
		return err
	}
	if err := w.writeTaskFiles(p, analysis); err != nil {
		return err
	}
	if err := w.repo.Transition(p.ID, project.StatusAnalyzed); err != nil {
		return err
	}
	w.logger.Info("Wyvern finished %s: %d areas, %d tasks", p.Name, len(analysis.Areas), analysis.TotalTasks)
	return nil
}

func (w *Wyvern) analyze(ctx context.Context, spec string, rec *wyrm.Recommendation) (*Analysis, error) {
	recJSON, _ := jsonx.MarshalIndent(rec, "", "  ")
	prompt := fmt.Sprintf(`Decompose this specification into implementation areas and tasks. Respond with JSON:
{
  "areas": [{"name": ..., "description": ..., "tasks": [{"title": ..., "description": ..., "priority": "Critical|High|Medium|Low", "agentType": ..., "dependsOn": ["<title of prerequisite task>"]}]}],
  "estimatedComplexity": "low|medium|high",
  "structure": {"existingFiles": [], "namingConventions": {}, "directoryPurposes": {}, "fileLocationGuidelines": {}, "architectureNotes": ...}
}

Pre-analysis recommendation:
%s

Specification:
%s`, recJSON, spec)

	var analysis Analysis
	loop := agent.New(w.gateway, nil, agent.Config{MaxIterations: 2, Logger: w.logger})
	result := loop.RunJSON(ctx, systemPrompt, prompt, &analysis)
	if result.Failed {
		return nil, fmt.Errorf("%s", result.ErrorText)
	}
	analysis.AnalyzedAt = time.Now().UTC()
	return &analysis, nil
}

// ensureReadmeTask guarantees the Documentation area carries a README task
// at level 0 with Critical priority.
func ensureReadmeTask(a *Analysis) {
	const readmeTitle = "Write README documentation"

	for i := range a.Areas {
		if strings.EqualFold(a.Areas[i].Name, "Documentation") {
			for _, t := range a.Areas[i].Tasks {
				if strings.EqualFold(t.Title, readmeTitle) {
					return
				}
			}
			a.Areas[i].Tasks = append(a.Areas[i].Tasks, Task{
				Title:    readmeTitle,
				Priority: "Critical",
			})
			return
		}
	}
	a.Areas = append(a.Areas, Area{
		Name:        "Documentation",
		Description: "Project documentation",
		Tasks:       []Task{{Title: readmeTitle, Priority: "Critical"}},
	})
}

// assignTaskIDs derives stable slugs from {area, index, title} and counts
// tasks.
func assignTaskIDs(a *Analysis) {
	total := 0
	for ai := range a.Areas {
		area := &a.Areas[ai]
		for ti := range area.Tasks {
			area.Tasks[ti].ID = id.NewTaskID(area.Name, ti, area.Tasks[ti].Title)
			if area.Tasks[ti].Priority == "" {
				area.Tasks[ti].Priority = "Medium"
			}
			total++
		}
	}
	a.TotalTasks = total
}

// computeLevels resolves dependency levels by repeated relaxation:
// level(t) = 1 + max(level(dep)). Dependencies reference tasks by title;
// unknown references are ignored. A graph that fails to settle within
// len(tasks) rounds has a cycle.
func computeLevels(a *Analysis) error {
	type ref struct {
		areaIdx, taskIdx int
	}
	byTitle := make(map[string]ref)
	var totalTasks int
	for ai := range a.Areas {
		for ti := range a.Areas[ai].Tasks {
			byTitle[strings.ToLower(a.Areas[ai].Tasks[ti].Title)] = ref{ai, ti}
			a.Areas[ai].Tasks[ti].Level = 0
			totalTasks++
		}
	}

	for round := 0; ; round++ {
		var lastChanged []string
		for ai := range a.Areas {
			for ti := range a.Areas[ai].Tasks {
				task := &a.Areas[ai].Tasks[ti]
				level := 0
				for _, dep := range task.DependsOn {
					if r, ok := byTitle[strings.ToLower(dep)]; ok {
						depLevel := a.Areas[r.areaIdx].Tasks[r.taskIdx].Level
						if depLevel+1 > level {
							level = depLevel + 1
						}
					}
				}
				if level != task.Level {
					task.Level = level
					lastChanged = append(lastChanged, task.Title)
				}
			}
		}
		if len(lastChanged) == 0 {
			return nil
		}
		// A DAG settles within one round per task; anything still moving
		// after that sits on a cycle.
		if round >= totalTasks {
			return &CycleError{Tasks: lastChanged}
		}
	}
}

func (w *Wyvern) writeAnalysis(p *project.Project, a *Analysis) error {
	data, err := jsonx.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	jsonPath := strings.TrimSuffix(p.AnalysisPath, ".md") + ".json"
	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return fmt.Errorf("write analysis.json for %s: %w", p.Name, err)
	}
	if err := os.WriteFile(p.AnalysisPath, []byte(renderMarkdown(a)), 0644); err != nil {
		return fmt.Errorf("write analysis.md for %s: %w", p.Name, err)
	}
	return nil
}

func (w *Wyvern) writeTaskFiles(p *project.Project, a *Analysis) error {
	if err := os.MkdirAll(p.TasksDir, 0755); err != nil {
		return err
	}
	for _, area := range a.Areas {
		f := &taskfile.File{
			Preamble: fmt.Sprintf("# %s tasks\n\n%s\n", area.Name, area.Description),
		}
		for _, t := range sortByLevel(area.Tasks) {
			description := t.Title
			if t.Description != "" {
				description += ": " + t.Description
			}
			description += fmt.Sprintf(" [id:%s] [priority:%s]", t.ID, t.Priority)
			f.Tasks = append(f.Tasks, &taskfile.Task{
				ID:          t.ID,
				Description: description,
				Status:      taskfile.TaskUnassigned,
				Assignee:    taskfile.UnassignedAssignee,
				Priority:    t.Priority,
			})
		}

		path := filepath.Join(p.TasksDir, areaSlug(area.Name)+"-tasks.md")
		if err := f.WriteFile(path); err != nil {
			return fmt.Errorf("write task file for area %s: %w", area.Name, err)
		}
		if err := w.repo.AddTaskFile(p.ID, path); err != nil {
			return err
		}
	}
	return nil
}

func sortByLevel(tasks []Task) []Task {
	out := append([]Task(nil), tasks...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Level < out[j-1].Level; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func areaSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, slug)
	return strings.Trim(slug, "-")
}

func renderMarkdown(a *Analysis) string {
	var b strings.Builder
	b.WriteString("# Project analysis\n\n")
	fmt.Fprintf(&b, "- Tasks: %d\n", a.TotalTasks)
	if a.EstimatedComplexity != "" {
		fmt.Fprintf(&b, "- Estimated complexity: %s\n", a.EstimatedComplexity)
	}
	fmt.Fprintf(&b, "- Analyzed: %s\n", a.AnalyzedAt.Format("2006-01-02 15:04:05 UTC"))

	for _, area := range a.Areas {
		fmt.Fprintf(&b, "\n## %s\n\n", area.Name)
		if area.Description != "" {
			b.WriteString(area.Description + "\n\n")
		}
		for _, t := range sortByLevel(area.Tasks) {
			fmt.Fprintf(&b, "- L%d [%s] %s (%s)\n", t.Level, t.Priority, t.Title, t.ID)
			for _, dep := range t.DependsOn {
				fmt.Fprintf(&b, "  - depends on: %s\n", dep)
			}
		}
	}

	if a.Structure.ArchitectureNotes != "" {
		b.WriteString("\n## Architecture notes\n\n" + a.Structure.ArchitectureNotes + "\n")
	}
	return b.String()
}
