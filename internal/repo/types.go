package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/accession/internal/digest"
)

// ObjectID identifies an object or container in the repository.
type ObjectID string

// VersionToken is the optimistic-concurrency stamp returned by ReadDocument and
// required by WriteDocument. The empty token means "the document must not exist yet".
type VersionToken string

// Control document names.
const (
	DocEdges   = "RELS-EXT"
	DocListing = "MD_CONTENTS"
)

// Well-known relations.
const (
	RelContains     = "contains"
	RelRemovedChild = "removedChild"
)

// Datastream control groups.
const (
	ControlManaged = "M"
	ControlInline  = "X"
)

// Relationship is an outgoing edge declared by a descriptor.
type Relationship struct {
	Relation string   `json:"relation"`
	Target   ObjectID `json:"target"`
}

// Reference is an edge as seen from its target.
type Reference struct {
	Subject  ObjectID `json:"subject"`
	Relation string   `json:"relation"`
	Target   ObjectID `json:"target"`
}

// Datastream is one content stream of a descriptor. Location is a file
// reference ("data/...", "events/...") until the batch rewrites it to the store's
// upload location.
type Datastream struct {
	ID       string         `json:"id"`
	Control  string         `json:"control"`
	Location string         `json:"location,omitempty"`
	MIME     string         `json:"mime,omitempty"`
	Checksum *digest.Digest `json:"checksum,omitempty"`
	Content  string         `json:"content,omitempty"`
}

// Descriptor is the ingest payload for one object.
type Descriptor struct {
	ID            ObjectID       `json:"id"`
	Label         string         `json:"label,omitempty"`
	Container     bool           `json:"container,omitempty"`
	Datastreams   []Datastream   `json:"datastreams,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// Info summarises a stored object.
type Info struct {
	ID        ObjectID  `json:"id"`
	Label     string    `json:"label"`
	Container bool      `json:"container"`
	Format    string    `json:"format"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadDescriptor reads and validates a descriptor file.
func LoadDescriptor(path string) (*Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse descriptor %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", path, err)
	}
	return &d, nil
}

// Validate checks the structural rules every descriptor must follow.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("id is required")
	}
	seen := make(map[string]bool, len(d.Datastreams))
	for i, ds := range d.Datastreams {
		if ds.ID == "" {
			return fmt.Errorf("datastreams[%d]: id is required", i)
		}
		if seen[ds.ID] {
			return fmt.Errorf("datastreams[%d]: duplicate id %q", i, ds.ID)
		}
		seen[ds.ID] = true
		switch ds.Control {
		case ControlManaged:
			if ds.Location == "" {
				return fmt.Errorf("datastream %s: managed content needs a location", ds.ID)
			}
		case ControlInline:
		default:
			return fmt.Errorf("datastream %s: unknown control group %q", ds.ID, ds.Control)
		}
	}
	for i, r := range d.Relationships {
		if r.Relation == "" || r.Target == "" {
			return fmt.Errorf("relationships[%d]: relation and target are required", i)
		}
	}
	return nil
}
