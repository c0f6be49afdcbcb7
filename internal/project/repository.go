package project

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"brood/internal/config"
	"brood/internal/id"
	"brood/internal/jsonx"
	"brood/internal/logging"
)

const registryFile = "projects.json"

// Repository is the durable project registry backed by projects.json under
// the projects base directory.
type Repository struct {
	mu       sync.RWMutex
	baseDir  string
	projects []*Project
	logger   logging.Logger
}

// NewRepository opens (or initializes) the registry at baseDir.
func NewRepository(baseDir string) (*Repository, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create projects dir: %w", err)
	}
	r := &Repository{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("project-repo"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) load() error {
	raw, err := os.ReadFile(filepath.Join(r.baseDir, registryFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", registryFile, err)
	}
	if err := jsonx.Unmarshal(raw, &r.projects); err != nil {
		return fmt.Errorf("parse %s: %w", registryFile, err)
	}
	return nil
}

// save writes the registry atomically: temp file in the same directory, then
// rename. Callers hold the write lock.
func (r *Repository) save() error {
	data, err := jsonx.MarshalIndent(r.projects, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	target := filepath.Join(r.baseDir, registryFile)
	tmp, err := os.CreateTemp(r.baseDir, registryFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("stage registry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close registry: %w", err)
	}
	return os.Rename(tmpName, target)
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeName maps a human project name to its directory-safe form.
func SanitizeName(name string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(slug, "-")
}

// Create registers a new project with status Prototype and lays out its
// directory tree. Sanitized names must be unique.
func (r *Repository) Create(name string) (*Project, error) {
	sanitized := SanitizeName(name)
	if sanitized == "" {
		return nil, fmt.Errorf("project name %q sanitizes to nothing", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.projects {
		if p.Name == sanitized {
			return nil, fmt.Errorf("project %q already exists", sanitized)
		}
	}

	root := filepath.Join(r.baseDir, sanitized)
	now := time.Now().UTC()
	p := &Project{
		ID:                 id.NewProjectID(),
		Name:               sanitized,
		Status:             StatusPrototype,
		CreatedAt:          now,
		UpdatedAt:          now,
		RootDir:            root,
		WorkspacePath:      filepath.Join(root, "workspace"),
		SpecPath:           filepath.Join(root, "specification.md"),
		AnalysisPath:       filepath.Join(root, "analysis.md"),
		RecommendationPath: filepath.Join(root, "wyrm-recommendation.json"),
		TasksDir:           filepath.Join(root, "tasks"),
		PlansDir:           filepath.Join(root, "kobold-plans"),
		Verification:       VerificationState{Status: VerificationNotStarted},
	}

	for _, dir := range []string{p.WorkspacePath, p.TasksDir, p.PlansDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("lay out project %s: %w", sanitized, err)
		}
	}

	r.projects = append(r.projects, p)
	if err := r.save(); err != nil {
		r.projects = r.projects[:len(r.projects)-1]
		return nil, err
	}
	r.logger.Info("Created project %s (%s)", p.Name, p.ID)
	return p.Clone(), nil
}

// Import registers an existing directory as a project. The directory itself
// becomes the workspace; metadata lives under the registry's base dir.
func (r *Repository) Import(workspacePath, name string) (*Project, error) {
	info, err := os.Stat(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", workspacePath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("import %s: not a directory", workspacePath)
	}
	if name == "" {
		name = filepath.Base(workspacePath)
	}

	p, err := r.Create(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.findLocked(p.ID)
	stored.WorkspacePath = workspacePath
	stored.Imported = true
	stored.UpdatedAt = time.Now().UTC()
	if err := r.save(); err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (r *Repository) findLocked(projectID string) *Project {
	for _, p := range r.projects {
		if p.ID == projectID {
			return p
		}
	}
	return nil
}

// Get returns a copy of the project by id.
func (r *Repository) Get(projectID string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := r.findLocked(projectID); p != nil {
		return p.Clone(), nil
	}
	return nil, fmt.Errorf("project not found: %s", projectID)
}

// GetByName returns a copy of the project by sanitized name.
func (r *Repository) GetByName(name string) (*Project, error) {
	sanitized := SanitizeName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.Name == sanitized {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("project not found: %s", name)
}

// List returns copies of every project.
func (r *Repository) List() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p.Clone())
	}
	return out
}

// ListByStatus returns copies of projects currently in the given status.
func (r *Repository) ListByStatus(status Status) []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Project
	for _, p := range r.projects {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Transition moves a project to a new status, enforcing the pipeline graph.
func (r *Repository) Transition(projectID string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findLocked(projectID)
	if p == nil {
		return fmt.Errorf("project not found: %s", projectID)
	}
	if !CanTransition(p.Status, to) {
		return &TransitionError{ProjectID: projectID, From: p.Status, To: to}
	}
	if p.Status == to {
		return nil
	}
	r.logger.Info("Project %s: %s -> %s", p.Name, p.Status, to)
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return r.save()
}

// Update applies fn to the stored project under the write lock and persists
// the result. fn must not block.
func (r *Repository) Update(projectID string, fn func(*Project) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findLocked(projectID)
	if p == nil {
		return fmt.Errorf("project not found: %s", projectID)
	}
	if err := fn(p); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	return r.save()
}

// SetVerification replaces the project's verification state.
func (r *Repository) SetVerification(projectID string, state VerificationState) error {
	return r.Update(projectID, func(p *Project) error {
		p.Verification = state
		return nil
	})
}

// AddTaskFile registers a task file path on the project if absent.
func (r *Repository) AddTaskFile(projectID, path string) error {
	return r.Update(projectID, func(p *Project) error {
		for _, existing := range p.TaskFiles {
			if existing == path {
				return nil
			}
		}
		p.TaskFiles = append(p.TaskFiles, path)
		return nil
	})
}

// SetProviderOverride pins a provider configuration for one agent type.
func (r *Repository) SetProviderOverride(projectID, agentType string, cfg config.ProviderConfig) error {
	return r.Update(projectID, func(p *Project) error {
		if p.ProviderOverrides == nil {
			p.ProviderOverrides = make(map[string]config.ProviderConfig)
		}
		p.ProviderOverrides[agentType] = cfg
		return nil
	})
}

// RefreshSpecVersion hashes the spec file and appends a new version record
// when the content changed. It returns the active version.
func (r *Repository) RefreshSpecVersion(projectID string) (*SpecVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findLocked(projectID)
	if p == nil {
		return nil, fmt.Errorf("project not found: %s", projectID)
	}

	raw, err := os.ReadFile(p.SpecPath)
	if err != nil {
		return nil, fmt.Errorf("read spec for %s: %w", p.Name, err)
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	if active := p.ActiveSpecVersion(); active != nil && active.ContentHash == hash {
		out := *active
		return &out, nil
	}

	version := SpecVersion{
		VersionID:   id.NewVersionID(),
		ContentHash: hash,
		CreatedAt:   time.Now().UTC(),
	}
	p.SpecVersions = append(p.SpecVersions, version)
	p.UpdatedAt = time.Now().UTC()
	if err := r.save(); err != nil {
		return nil, err
	}
	r.logger.Info("Project %s: new spec version %s", p.Name, version.VersionID)
	return &version, nil
}

// WriteSpec writes the specification file and records the resulting version.
func (r *Repository) WriteSpec(projectID, content string) (*SpecVersion, error) {
	p, err := r.Get(projectID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p.SpecPath), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p.SpecPath, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("write spec for %s: %w", p.Name, err)
	}
	return r.RefreshSpecVersion(projectID)
}
