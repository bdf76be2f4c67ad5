package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattjoyce/accession/internal/repo"
)

// Descendants walks contains edges breadth-first. The result excludes id.
func (s *Store) Descendants(ctx context.Context, id repo.ObjectID) ([]repo.ObjectID, error) {
	seen := map[repo.ObjectID]bool{id: true}
	queue := []repo.ObjectID{id}
	var out []repo.ObjectID
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		children, err := s.targets(ctx, cur, repo.RelContains)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out, nil
}

func (s *Store) targets(ctx context.Context, subject repo.ObjectID, relation string) ([]repo.ObjectID, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT target FROM relationships WHERE subject = ? AND relation = ? ORDER BY target;
`, string(subject), relation)
	if err != nil {
		return nil, fmt.Errorf("query %s of %s: %w", relation, subject, err)
	}
	defer rows.Close()

	var out []repo.ObjectID
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, repo.ObjectID(t))
	}
	return out, rows.Err()
}

// Referrers lists every relationship whose target is id.
func (s *Store) Referrers(ctx context.Context, id repo.ObjectID) ([]repo.Reference, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT subject, relation, target FROM relationships WHERE target = ? ORDER BY subject, relation;
`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query referrers of %s: %w", id, err)
	}
	defer rows.Close()

	var out []repo.Reference
	for rows.Next() {
		var r repo.Reference
		if err := rows.Scan(&r.Subject, &r.Relation, &r.Target); err != nil {
			return nil, fmt.Errorf("scan referrer: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ImmediateParent returns the container holding a live contains edge to id, or "".
func (s *Store) ImmediateParent(ctx context.Context, id repo.ObjectID) (repo.ObjectID, error) {
	var parent string
	err := s.db.QueryRowContext(ctx, `
SELECT subject FROM relationships WHERE target = ? AND relation = ? ORDER BY subject LIMIT 1;
`, string(id), repo.RelContains).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query parent of %s: %w", id, err)
	}
	return repo.ObjectID(parent), nil
}

// Ancestors returns the parent chain of id, nearest first.
func (s *Store) Ancestors(ctx context.Context, id repo.ObjectID) ([]repo.ObjectID, error) {
	seen := map[repo.ObjectID]bool{id: true}
	var out []repo.ObjectID
	cur := id
	for {
		parent, err := s.ImmediateParent(ctx, cur)
		if err != nil {
			return nil, err
		}
		if parent == "" || seen[parent] {
			return out, nil
		}
		seen[parent] = true
		out = append(out, parent)
		cur = parent
	}
}
