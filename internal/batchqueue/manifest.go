package batchqueue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/accession/internal/repo"
)

// ManifestFile holds the batch metadata inside a batch directory.
const ManifestFile = "batch.yaml"

// Manifest is the batch metadata written by whoever prepared the directory.
type Manifest struct {
	Submitter  string      `yaml:"submitter"`
	Message    string      `yaml:"message"`
	Email      []string    `yaml:"email,omitempty"`
	Placements []Placement `yaml:"placements,omitempty"`
}

// Placement asks for Object to become a child of Parent. Order < 0 means no preference.
type Placement struct {
	Object repo.ObjectID `yaml:"object"`
	Parent repo.ObjectID `yaml:"parent"`
	Label  string        `yaml:"label,omitempty"`
	Order  int           `yaml:"order"`
}

// UnmarshalYAML defaults Order to -1 when it is absent.
func (p *Placement) UnmarshalYAML(node *yaml.Node) error {
	type plain Placement
	raw := plain{Order: -1}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*p = Placement(raw)
	return nil
}

// LoadManifest reads and validates dir/batch.yaml.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestFile, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ManifestFile, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Submitter) == "" {
		return errors.New("submitter is required")
	}
	if err := validateName(m.Submitter); err != nil {
		return fmt.Errorf("submitter: %w", err)
	}
	seen := make(map[repo.ObjectID]bool, len(m.Placements))
	for i, p := range m.Placements {
		if p.Object == "" || p.Parent == "" {
			return fmt.Errorf("placements[%d]: object and parent are required", i)
		}
		if p.Object == p.Parent {
			return fmt.Errorf("placements[%d]: %s cannot contain itself", i, p.Object)
		}
		if seen[p.Object] {
			return fmt.Errorf("placements[%d]: %s placed twice", i, p.Object)
		}
		seen[p.Object] = true
	}
	return nil
}

// WriteManifest writes m to dir/batch.yaml.
func WriteManifest(dir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
