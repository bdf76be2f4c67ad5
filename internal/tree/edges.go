// Package tree holds the typed control documents of a container and the pure
// transforms applied to them. Values are decoded from and encoded to the store's
// JSON documents only at the boundary.
package tree

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/accession/internal/repo"
)

// Edge is one relationship of a container.
type Edge struct {
	Relation string        `json:"relation"`
	Target   repo.ObjectID `json:"target"`
}

// EdgeSet is the content of a RELS-EXT document. A child appears under at most
// one of contains / removedChild.
type EdgeSet struct {
	Edges []Edge `json:"edges"`
}

// DecodeEdges parses a RELS-EXT document. An empty document is an empty set.
func DecodeEdges(b []byte) (EdgeSet, error) {
	var s EdgeSet
	if len(b) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return EdgeSet{}, fmt.Errorf("decode %s: %w", repo.DocEdges, err)
	}
	return s, nil
}

func (s EdgeSet) Encode() ([]byte, error) {
	if s.Edges == nil {
		s.Edges = []Edge{}
	}
	return json.Marshal(s)
}

func (s EdgeSet) Has(relation string, target repo.ObjectID) bool {
	for _, e := range s.Edges {
		if e.Relation == relation && e.Target == target {
			return true
		}
	}
	return false
}

// Targets lists the targets of relation in document order.
func (s EdgeSet) Targets(relation string) []repo.ObjectID {
	var out []repo.ObjectID
	for _, e := range s.Edges {
		if e.Relation == relation {
			out = append(out, e.Target)
		}
	}
	return out
}

// With returns a copy containing the edge. Adding contains or removedChild drops
// the other kind for the same target.
func (s EdgeSet) With(relation string, target repo.ObjectID) EdgeSet {
	out := s
	if other, ok := exclusive(relation); ok {
		out = out.Without(other, target)
	}
	if out.Has(relation, target) {
		return out
	}
	edges := make([]Edge, 0, len(out.Edges)+1)
	edges = append(edges, out.Edges...)
	return EdgeSet{Edges: append(edges, Edge{Relation: relation, Target: target})}
}

// Without returns a copy lacking the edge.
func (s EdgeSet) Without(relation string, target repo.ObjectID) EdgeSet {
	edges := make([]Edge, 0, len(s.Edges))
	for _, e := range s.Edges {
		if e.Relation == relation && e.Target == target {
			continue
		}
		edges = append(edges, e)
	}
	return EdgeSet{Edges: edges}
}

// Tombstone turns a live contains edge into a removedChild edge.
func (s EdgeSet) Tombstone(child repo.ObjectID) EdgeSet {
	return s.With(repo.RelRemovedChild, child)
}

func exclusive(relation string) (string, bool) {
	switch relation {
	case repo.RelContains:
		return repo.RelRemovedChild, true
	case repo.RelRemovedChild:
		return repo.RelContains, true
	}
	return "", false
}

// UpdateEdges applies edit to the container's RELS-EXT under optimistic retry.
func UpdateEdges(ctx context.Context, docs repo.Documents, policy repo.RetryPolicy, id repo.ObjectID, edit func(EdgeSet) EdgeSet) error {
	return repo.UpdateDocument(ctx, docs, policy, id, repo.DocEdges, func(current []byte) ([]byte, error) {
		s, err := DecodeEdges(current)
		if err != nil {
			return nil, err
		}
		return edit(s).Encode()
	})
}
