package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"brood/internal/jsonx"
)

const featuresFile = "specification.features.json"

// Feature is one tracked capability of a project's specification.
type Feature struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	AddedAt     time.Time `json:"addedAt"`
	Removed     bool      `json:"removed,omitempty"`
}

// FeatureSet is the persisted shape of specification.features.json.
type FeatureSet struct {
	Features []Feature `json:"features"`
	// Versions mirrors the spec versions active when the list last changed,
	// so feature edits can be correlated with spec edits.
	Versions []string `json:"versions,omitempty"`
}

func (p *Project) featuresPath() string {
	return filepath.Join(p.RootDir, featuresFile)
}

// LoadFeatures reads the project's feature list; a missing file is an empty
// set, not an error.
func (r *Repository) LoadFeatures(projectID string) (*FeatureSet, error) {
	p, err := r.Get(projectID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p.featuresPath())
	if os.IsNotExist(err) {
		return &FeatureSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read features for %s: %w", p.Name, err)
	}
	var set FeatureSet
	if err := jsonx.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("parse features for %s: %w", p.Name, err)
	}
	return &set, nil
}

// SaveFeatures writes the feature list, stamping the active spec version.
func (r *Repository) SaveFeatures(projectID string, set *FeatureSet) error {
	p, err := r.Get(projectID)
	if err != nil {
		return err
	}
	if active := p.ActiveSpecVersion(); active != nil {
		found := false
		for _, v := range set.Versions {
			if v == active.VersionID {
				found = true
				break
			}
		}
		if !found {
			set.Versions = append(set.Versions, active.VersionID)
		}
	}
	data, err := jsonx.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	return os.WriteFile(p.featuresPath(), data, 0644)
}

// AddFeature appends a feature by name, replacing a previously removed entry
// of the same name.
func (r *Repository) AddFeature(projectID, name, description string) error {
	set, err := r.LoadFeatures(projectID)
	if err != nil {
		return err
	}
	for i := range set.Features {
		if strings.EqualFold(set.Features[i].Name, name) {
			set.Features[i].Removed = false
			set.Features[i].Description = description
			return r.SaveFeatures(projectID, set)
		}
	}
	set.Features = append(set.Features, Feature{
		Name:        name,
		Description: description,
		AddedAt:     time.Now().UTC(),
	})
	return r.SaveFeatures(projectID, set)
}

// RemoveFeature marks a feature removed; history is kept.
func (r *Repository) RemoveFeature(projectID, name string) error {
	set, err := r.LoadFeatures(projectID)
	if err != nil {
		return err
	}
	for i := range set.Features {
		if strings.EqualFold(set.Features[i].Name, name) {
			set.Features[i].Removed = true
			return r.SaveFeatures(projectID, set)
		}
	}
	return fmt.Errorf("feature not found: %s", name)
}
