package dragon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"brood/internal/llm"
	"brood/internal/project"
	"brood/internal/tools"
)

// dragonTool adapts a plain handler to the tool contract. Handler errors
// come back as tool errors and feed the conversation.
type dragonTool struct {
	schema llm.ToolSchema
	run    func(ctx context.Context, input map[string]any) (string, error)
}

func (t *dragonTool) Definition() llm.ToolSchema { return t.schema }

func (t *dragonTool) Execute(ctx context.Context, call tools.ToolCall) *tools.ToolResult {
	out, err := t.run(ctx, call.Input)
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}
	return &tools.ToolResult{CallID: call.ID, Content: out}
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return strings.TrimSpace(s)
}

// registerTools installs the session tool set, in the order the model sees
// them.
func (s *Session) registerTools() error {
	specs := []*dragonTool{
		{
			schema: llm.ToolSchema{
				Name:        "write_specification",
				Description: "Create or overwrite a project's specification. Registers a new Prototype project when the name is unknown",
				InputSchema: llm.ParameterSchema{
					Type: "object",
					Properties: map[string]llm.Property{
						"project_name": {Type: "string", Description: "Project name"},
						"content":      {Type: "string", Description: "Full markdown specification"},
					},
					Required: []string{"project_name", "content"},
				},
			},
			run: s.writeSpecification,
		},
		{
			schema: llm.ToolSchema{
				Name:        "add_existing_project",
				Description: "Register an existing code directory as a project with a synthesized specification",
				InputSchema: llm.ParameterSchema{
					Type: "object",
					Properties: map[string]llm.Property{
						"path":         {Type: "string", Description: "Absolute path to the existing directory"},
						"project_name": {Type: "string", Description: "Optional project name; defaults to the directory name"},
					},
					Required: []string{"path"},
				},
			},
			run: s.addExistingProject,
		},
		{
			schema: llm.ToolSchema{
				Name:        "approve_specification",
				Description: "Approve a Prototype specification, releasing the project into the pipeline. Requires confirmation=\"yes\"",
				InputSchema: llm.ParameterSchema{
					Type: "object",
					Properties: map[string]llm.Property{
						"project_name": {Type: "string", Description: "Project name"},
						"confirmation": {Type: "string", Description: "Must be the literal string \"yes\""},
					},
					Required: []string{"project_name", "confirmation"},
				},
			},
			run: s.approveSpecification,
		},
		{
			schema: llm.ToolSchema{
				Name:        "manage_specification",
				Description: "View or update an existing project's specification",
				InputSchema: llm.ParameterSchema{
					Type: "object",
					Properties: map[string]llm.Property{
						"project_name": {Type: "string", Description: "Project name"},
						"action":       {Type: "string", Description: "view or update", Enum: []any{"view", "update"}},
						"content":      {Type: "string", Description: "New specification content, for update"},
					},
					Required: []string{"project_name", "action"},
				},
			},
			run: s.manageSpecification,
		},
		{
			schema: llm.ToolSchema{
				Name:        "manage_features",
				Description: "List, add or remove tracked features of a project's specification",
				InputSchema: llm.ParameterSchema{
					Type: "object",
					Properties: map[string]llm.Property{
						"project_name": {Type: "string", Description: "Project name"},
						"action":       {Type: "string", Description: "list, add or remove", Enum: []any{"list", "add", "remove"}},
						"name":         {Type: "string", Description: "Feature name, for add/remove"},
						"description":  {Type: "string", Description: "Feature description, for add"},
					},
					Required: []string{"project_name", "action"},
				},
			},
			run: s.manageFeatures,
		},
		{
			schema: llm.ToolSchema{
				Name:        "list_projects",
				Description: "List every registered project with its pipeline status",
				InputSchema: llm.ParameterSchema{Type: "object", Properties: map[string]llm.Property{}},
			},
			run: s.listProjects,
		},
		{
			schema: llm.ToolSchema{
				Name:        "retry_verification",
				Description: "Queue a project for another verification pass",
				InputSchema: projectNameSchema(),
			},
			run: s.retryVerification,
		},
		{
			schema: llm.ToolSchema{
				Name:        "view_verification_report",
				Description: "Show the latest verification report for a project",
				InputSchema: projectNameSchema(),
			},
			run: s.viewVerificationReport,
		},
		{
			schema: llm.ToolSchema{
				Name:        "skip_verification",
				Description: "Skip verification for a project awaiting it and mark it completed",
				InputSchema: projectNameSchema(),
			},
			run: s.skipVerification,
		},
		{
			schema: llm.ToolSchema{
				Name:        "view_specification_history",
				Description: "Show the recorded specification versions of a project",
				InputSchema: projectNameSchema(),
			},
			run: s.viewSpecificationHistory,
		},
	}

	for _, t := range specs {
		if err := s.registry.Register(&instrumented{inner: t, s: s}); err != nil {
			return err
		}
	}
	return nil
}

func projectNameSchema() llm.ParameterSchema {
	return llm.ParameterSchema{
		Type: "object",
		Properties: map[string]llm.Property{
			"project_name": {Type: "string", Description: "Project name"},
		},
		Required: []string{"project_name"},
	}
}

func (s *Session) writeSpecification(ctx context.Context, input map[string]any) (string, error) {
	name := stringArg(input, "project_name")
	content := stringArg(input, "content")
	if name == "" || content == "" {
		return "", fmt.Errorf("write_specification requires 'project_name' and 'content'")
	}

	p, err := s.repo.GetByName(name)
	if err != nil {
		p, err = s.repo.Create(name)
		if err != nil {
			return "", err
		}
		s.logger.Info("Registered project %s (%s)", p.Name, p.ID)
	}

	version, err := s.repo.WriteSpec(p.ID, content)
	if err != nil {
		return "", err
	}
	s.emit(Event{Type: EventSpecCreated, ProjectName: p.Name, Path: p.SpecPath})
	return fmt.Sprintf("specification for %q written (version %s, status %s)", p.Name, version.VersionID, p.Status), nil
}

func (s *Session) addExistingProject(ctx context.Context, input map[string]any) (string, error) {
	path := stringArg(input, "path")
	if path == "" {
		return "", fmt.Errorf("add_existing_project requires 'path'")
	}
	name := stringArg(input, "project_name")
	if name == "" {
		name = filepath.Base(path)
	}

	p, err := s.repo.Import(path, name)
	if err != nil {
		return "", err
	}

	spec, err := synthesizeSpec(name, path)
	if err != nil {
		return "", err
	}
	if _, err := s.repo.WriteSpec(p.ID, spec); err != nil {
		return "", err
	}
	s.emit(Event{Type: EventSpecCreated, ProjectName: p.Name, Path: p.SpecPath})
	return fmt.Sprintf("imported %q from %s as Prototype; review the synthesized specification before approving", p.Name, path), nil
}

// synthesizeSpec builds a starting specification from a directory scan. The
// user refines it through manage_specification before approval.
func synthesizeSpec(name, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", dir, err)
	}

	var files, dirs []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			dirs = append(dirs, e.Name()+"/")
		} else {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	sort.Strings(dirs)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\nImported from an existing codebase. Top-level layout:\n\n", name)
	for _, d := range dirs {
		fmt.Fprintf(&b, "- %s\n", d)
	}
	for _, f := range files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nDescribe the desired changes to this codebase here before approving.\n")
	return b.String(), nil
}

func (s *Session) approveSpecification(ctx context.Context, input map[string]any) (string, error) {
	name := stringArg(input, "project_name")
	if stringArg(input, "confirmation") != "yes" {
		return "", fmt.Errorf("approval requires confirmation=\"yes\"")
	}

	p, err := s.repo.GetByName(name)
	if err != nil {
		return "", err
	}
	if p.Status != project.StatusPrototype {
		return "", fmt.Errorf("project %q is %s, only Prototype specifications can be approved", name, p.Status)
	}
	if err := s.repo.Transition(p.ID, project.StatusNew); err != nil {
		return "", err
	}
	return fmt.Sprintf("project %q approved; the pipeline will pick it up", name), nil
}

func (s *Session) manageSpecification(ctx context.Context, input map[string]any) (string, error) {
	p, err := s.repo.GetByName(stringArg(input, "project_name"))
	if err != nil {
		return "", err
	}

	switch stringArg(input, "action") {
	case "view":
		raw, err := os.ReadFile(p.SpecPath)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case "update":
		content := stringArg(input, "content")
		if content == "" {
			return "", fmt.Errorf("update requires 'content'")
		}
		version, err := s.repo.WriteSpec(p.ID, content)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("specification updated, now version %s", version.VersionID), nil
	default:
		return "", fmt.Errorf("unknown action %q", stringArg(input, "action"))
	}
}

func (s *Session) manageFeatures(ctx context.Context, input map[string]any) (string, error) {
	p, err := s.repo.GetByName(stringArg(input, "project_name"))
	if err != nil {
		return "", err
	}

	switch stringArg(input, "action") {
	case "list":
		set, err := s.repo.LoadFeatures(p.ID)
		if err != nil {
			return "", err
		}
		if len(set.Features) == 0 {
			return "no features tracked", nil
		}
		var b strings.Builder
		for _, f := range set.Features {
			mark := "active"
			if f.Removed {
				mark = "removed"
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", f.Name, mark, f.Description)
		}
		return b.String(), nil
	case "add":
		name := stringArg(input, "name")
		if name == "" {
			return "", fmt.Errorf("add requires 'name'")
		}
		if err := s.repo.AddFeature(p.ID, name, stringArg(input, "description")); err != nil {
			return "", err
		}
		return fmt.Sprintf("feature %q added", name), nil
	case "remove":
		name := stringArg(input, "name")
		if err := s.repo.RemoveFeature(p.ID, name); err != nil {
			return "", err
		}
		return fmt.Sprintf("feature %q removed", name), nil
	default:
		return "", fmt.Errorf("unknown action %q", stringArg(input, "action"))
	}
}

func (s *Session) listProjects(ctx context.Context, input map[string]any) (string, error) {
	projects := s.repo.List()
	if len(projects) == 0 {
		return "no projects registered", nil
	}
	var b strings.Builder
	for _, p := range projects {
		fmt.Fprintf(&b, "- %s: %s", p.Name, p.Status)
		if p.Verification.Status != "" && p.Verification.Status != project.VerificationNotStarted {
			fmt.Fprintf(&b, " (verification %s)", p.Verification.Status)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (s *Session) retryVerification(ctx context.Context, input map[string]any) (string, error) {
	p, err := s.repo.GetByName(stringArg(input, "project_name"))
	if err != nil {
		return "", err
	}
	if p.Status != project.StatusInProgress && p.Status != project.StatusAwaitingVerification {
		return "", fmt.Errorf("project %q is %s, cannot re-verify", p.Name, p.Status)
	}

	if err := s.repo.SetVerification(p.ID, project.VerificationState{Status: project.VerificationNotStarted}); err != nil {
		return "", err
	}
	if err := s.repo.Transition(p.ID, project.StatusAwaitingVerification); err != nil {
		return "", err
	}
	return fmt.Sprintf("project %q queued for verification", p.Name), nil
}

func (s *Session) viewVerificationReport(ctx context.Context, input map[string]any) (string, error) {
	p, err := s.repo.GetByName(stringArg(input, "project_name"))
	if err != nil {
		return "", err
	}
	if p.Verification.Report == "" {
		return fmt.Sprintf("no verification report for %q yet (verification %s)", p.Name, p.Verification.Status), nil
	}
	return p.Verification.Report, nil
}

func (s *Session) skipVerification(ctx context.Context, input map[string]any) (string, error) {
	p, err := s.repo.GetByName(stringArg(input, "project_name"))
	if err != nil {
		return "", err
	}
	if p.Status != project.StatusAwaitingVerification {
		return "", fmt.Errorf("project %q is %s, nothing to skip", p.Name, p.Status)
	}

	if err := s.repo.SetVerification(p.ID, project.VerificationState{Status: project.VerificationSkipped}); err != nil {
		return "", err
	}
	if err := s.repo.Transition(p.ID, project.StatusVerified); err != nil {
		return "", err
	}
	if err := s.repo.Transition(p.ID, project.StatusCompleted); err != nil {
		return "", err
	}
	return fmt.Sprintf("verification skipped, project %q completed", p.Name), nil
}

func (s *Session) viewSpecificationHistory(ctx context.Context, input map[string]any) (string, error) {
	p, err := s.repo.GetByName(stringArg(input, "project_name"))
	if err != nil {
		return "", err
	}
	if len(p.SpecVersions) == 0 {
		return fmt.Sprintf("no specification versions recorded for %q", p.Name), nil
	}
	var b strings.Builder
	for _, v := range p.SpecVersions {
		fmt.Fprintf(&b, "- %s at %s (hash %.12s)\n", v.VersionID, v.CreatedAt.Format("2006-01-02 15:04:05"), v.ContentHash)
	}
	return b.String(), nil
}
