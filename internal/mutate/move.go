package mutate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"github.com/mattjoyce/accession/internal/auth"
	"github.com/mattjoyce/accession/internal/notify"
	"github.com/mattjoyce/accession/internal/repo"
	"github.com/mattjoyce/accession/internal/tree"
)

// moveJournal remembers where each moving child came from.
type moveJournal struct {
	sources   []repo.ObjectID
	children  map[repo.ObjectID][]repo.ObjectID
	positions map[repo.ObjectID]int
	labels    map[repo.ObjectID]string
}

func newMoveJournal() *moveJournal {
	return &moveJournal{
		children:  map[repo.ObjectID][]repo.ObjectID{},
		positions: map[repo.ObjectID]int{},
		labels:    map[repo.ObjectID]string{},
	}
}

func (j *moveJournal) add(source, child repo.ObjectID) {
	if _, ok := j.children[source]; !ok {
		j.sources = append(j.sources, source)
	}
	j.children[source] = append(j.children[source], child)
}

// Move re-parents ids under destination. order places them in the destination
// listing starting at that index; a negative order appends.
//
// The move runs in three phases: tombstone the children in their sources, add
// them to the destination, clear the tombstones. A failure in the first two
// phases triggers a best-effort rollback. Any returned error other than a
// *ConsistencyViolation or ErrForbidden means the repository must be checked.
func (o *Orchestrator) Move(ctx context.Context, user auth.Principal, ids []repo.ObjectID, destination repo.ObjectID, order int) error {
	err := o.move(ctx, user, ids, destination, order)
	o.metrics.Mutation("move", outcomeOf(err))
	return err
}

func (o *Orchestrator) move(ctx context.Context, user auth.Principal, ids []repo.ObjectID, destination repo.ObjectID, order int) error {
	logger := o.logger.With("op", "move", "destination", destination, "user", user.Name)
	ids = dedupe(ids)
	if len(ids) == 0 {
		return &ConsistencyViolation{Op: "move", Object: destination, Reason: "nothing to move"}
	}

	info, err := o.store.Info(ctx, destination)
	if errors.Is(err, repo.ErrNotFound) {
		return &ConsistencyViolation{Op: "move", Object: destination, Reason: "destination does not exist"}
	}
	if err != nil {
		return err
	}
	if !info.Container {
		return &ConsistencyViolation{Op: "move", Object: destination, Reason: "destination is not a container"}
	}

	ancestors, err := o.store.Ancestors(ctx, destination)
	if err != nil {
		return fmt.Errorf("ancestors of %s: %w", destination, err)
	}
	forbidden := map[repo.ObjectID]bool{destination: true}
	for _, a := range ancestors {
		forbidden[a] = true
	}

	journal := newMoveJournal()
	for _, id := range ids {
		if forbidden[id] {
			return &ConsistencyViolation{Op: "move", Object: id, Reason: fmt.Sprintf("moving into %s would create a cycle", destination)}
		}
		parent, err := o.store.ImmediateParent(ctx, id)
		if err != nil {
			return fmt.Errorf("parent of %s: %w", id, err)
		}
		if parent == "" {
			return &ConsistencyViolation{Op: "move", Object: id, Reason: "object has no parent"}
		}
		journal.add(parent, id)
	}
	sort.Slice(journal.sources, func(i, j int) bool { return journal.sources[i] < journal.sources[j] })

	for _, src := range journal.sources {
		if err := o.require(ctx, user, auth.AddRemove, src); err != nil {
			return err
		}
	}
	if err := o.require(ctx, user, auth.AddRemove, destination); err != nil {
		return err
	}

	// Once started, a move completes, rolls back or fails; it is not cancellable.
	ctx = context.WithoutCancel(ctx)
	policy := o.opts.Retry

	for _, src := range journal.sources {
		if err := o.detach(ctx, journal, src); err != nil {
			return o.abortMove(ctx, journal, fmt.Errorf("tombstone children of %s: %w", src, err))
		}
	}

	err = tree.UpdateEdges(ctx, o.store, policy, destination, func(s tree.EdgeSet) tree.EdgeSet {
		for _, id := range ids {
			s = s.With(repo.RelContains, id)
		}
		return s
	})
	if err != nil {
		return o.abortMove(ctx, journal, fmt.Errorf("add children to %s: %w", destination, err))
	}

	additions := make([]tree.Insertion, len(ids))
	for i, id := range ids {
		pos := -1
		if order >= 0 {
			pos = order + i
		}
		additions[i] = tree.Insertion{Child: id, Label: journal.labels[id], Order: pos}
	}
	var reordered []repo.ObjectID
	err = tree.UpdateListing(ctx, o.store, policy, destination, func(l tree.Listing) tree.Listing {
		next, moved := o.opts.Order(l, additions)
		reordered = moved
		return next
	})
	if err != nil {
		return o.abortMove(ctx, journal, fmt.Errorf("list children in %s: %w", destination, err))
	}

	// The move has landed. Leftover tombstones are reported but not rolled back.
	var cleanupErr error
	for _, src := range journal.sources {
		for _, child := range journal.children[src] {
			err := repo.RetryOnConflict(ctx, policy, repo.DocEdges, func() error {
				return o.store.RemoveEdge(ctx, src, repo.RelRemovedChild, child)
			})
			cleanupErr = multierr.Append(cleanupErr, err)
		}
	}
	if cleanupErr != nil {
		logger.Error("move landed but tombstones remain", "error", cleanupErr)
		return &PartialMutationError{Op: "move", Mutated: append(append([]repo.ObjectID{}, journal.sources...), destination), Err: cleanupErr}
	}

	logger.Info("objects moved", "objects", ids, "sources", journal.sources, "reordered", len(reordered))
	containers := append(append([]repo.ObjectID{}, journal.sources...), destination)
	o.publish(ctx, notify.Message{
		Action:     notify.ActionMove,
		User:       user.Name,
		Containers: dedupe(containers),
		Objects:    ids,
		Reordered:  reordered,
	})
	return nil
}

// detach tombstones the source's moving children and drops them from its
// listing, recording their positions for rollback.
func (o *Orchestrator) detach(ctx context.Context, j *moveJournal, src repo.ObjectID) error {
	children := j.children[src]
	err := tree.UpdateEdges(ctx, o.store, o.opts.Retry, src, func(s tree.EdgeSet) tree.EdgeSet {
		for _, c := range children {
			s = s.Tombstone(c)
		}
		return s
	})
	if err != nil {
		return err
	}
	return tree.UpdateListing(ctx, o.store, o.opts.Retry, src, func(l tree.Listing) tree.Listing {
		for _, c := range children {
			if i := l.Index(c); i >= 0 {
				j.positions[c] = i
				j.labels[c] = l.Entries[i].Label
			} else if _, seen := j.positions[c]; !seen {
				j.positions[c] = -1
			}
		}
		for _, c := range children {
			l, _ = l.Without(c)
		}
		return l
	})
}

func (o *Orchestrator) abortMove(ctx context.Context, j *moveJournal, cause error) error {
	o.logger.Error("move failed, rolling back", "error", cause)
	o.metrics.Rollback()
	if err := o.rollbackMove(ctx, j); err != nil {
		o.logger.Error("move rollback incomplete", "error", err)
	}
	return &PartialMutationError{Op: "move", Mutated: j.sources, Err: cause}
}

// rollbackMove restores every child still tombstoned in its source: it is
// removed from wherever it is live now and re-listed at its old position. The
// tombstone is cleared last, so running rollback again finishes an interrupted
// attempt and is otherwise a no-op.
func (o *Orchestrator) rollbackMove(ctx context.Context, j *moveJournal) error {
	policy := o.opts.Retry
	var errs error
	for _, src := range j.sources {
		doc, _, err := o.store.ReadDocument(ctx, src, repo.DocEdges)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("read %s edges: %w", src, err))
			continue
		}
		edges, err := tree.DecodeEdges(doc)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		var tombstoned []repo.ObjectID
		for _, c := range j.children[src] {
			if edges.Has(repo.RelRemovedChild, c) {
				tombstoned = append(tombstoned, c)
			}
		}
		sort.SliceStable(tombstoned, func(a, b int) bool { return j.positions[tombstoned[a]] < j.positions[tombstoned[b]] })

		for _, c := range tombstoned {
			errs = multierr.Append(errs, o.restoreChild(ctx, policy, j, src, c))
		}
	}
	return errs
}

func (o *Orchestrator) restoreChild(ctx context.Context, policy repo.RetryPolicy, j *moveJournal, src, child repo.ObjectID) error {
	current, err := o.store.ImmediateParent(ctx, child)
	if err != nil {
		return fmt.Errorf("parent of %s: %w", child, err)
	}
	if current != "" && current != src {
		err := tree.UpdateEdges(ctx, o.store, policy, current, func(s tree.EdgeSet) tree.EdgeSet {
			return s.Without(repo.RelContains, child)
		})
		if err != nil {
			return fmt.Errorf("remove %s from %s: %w", child, current, err)
		}
		if err := o.unlist(ctx, policy, current, child); err != nil {
			return fmt.Errorf("unlist %s from %s: %w", child, current, err)
		}
	}

	err = tree.UpdateListing(ctx, o.store, policy, src, func(l tree.Listing) tree.Listing {
		return l.InsertAt(tree.Entry{Child: child, Label: j.labels[child]}, j.positions[child])
	})
	if err != nil {
		return fmt.Errorf("relist %s in %s: %w", child, src, err)
	}
	err = tree.UpdateEdges(ctx, o.store, policy, src, func(s tree.EdgeSet) tree.EdgeSet {
		return s.With(repo.RelContains, child)
	})
	if err != nil {
		return fmt.Errorf("restore %s in %s: %w", child, src, err)
	}
	return nil
}

// unlist drops child from the container listing, writing only if it is listed.
func (o *Orchestrator) unlist(ctx context.Context, policy repo.RetryPolicy, container, child repo.ObjectID) error {
	doc, _, err := o.store.ReadDocument(ctx, container, repo.DocListing)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	l, err := tree.DecodeListing(doc)
	if err != nil {
		return err
	}
	if l.Index(child) < 0 {
		return nil
	}
	return tree.UpdateListing(ctx, o.store, policy, container, func(l tree.Listing) tree.Listing {
		next, _ := l.Without(child)
		return next
	})
}

func dedupe(ids []repo.ObjectID) []repo.ObjectID {
	seen := make(map[repo.ObjectID]bool, len(ids))
	out := make([]repo.ObjectID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
