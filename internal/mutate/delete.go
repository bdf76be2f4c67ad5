package mutate

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/accession/internal/auth"
	"github.com/mattjoyce/accession/internal/notify"
	"github.com/mattjoyce/accession/internal/repo"
	"github.com/mattjoyce/accession/internal/tree"
)

// Delete purges id and its whole subtree. It is refused with a
// *ConsistencyViolation while anything outside the subtree still points into it.
// An interrupted purge is not rolled back: a corruption dump is written and a
// *PartialMutationError returned.
func (o *Orchestrator) Delete(ctx context.Context, user auth.Principal, id repo.ObjectID) error {
	err := o.delete(ctx, user, id)
	o.metrics.Mutation("delete", outcomeOf(err))
	return err
}

func (o *Orchestrator) delete(ctx context.Context, user auth.Principal, id repo.ObjectID) error {
	logger := o.logger.With("op", "delete", "object_id", id, "user", user.Name)

	if _, err := o.store.Info(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return &ConsistencyViolation{Op: "delete", Object: id, Reason: "object does not exist"}
		}
		return err
	}
	descendants, err := o.store.Descendants(ctx, id)
	if err != nil {
		return fmt.Errorf("descendants of %s: %w", id, err)
	}
	subtree := append([]repo.ObjectID{id}, descendants...)
	inSubtree := make(map[repo.ObjectID]bool, len(subtree))
	for _, m := range subtree {
		inSubtree[m] = true
	}

	parent, err := o.store.ImmediateParent(ctx, id)
	if err != nil {
		return fmt.Errorf("parent of %s: %w", id, err)
	}
	if err := o.require(ctx, user, auth.Purge, parent); err != nil {
		return err
	}
	if parent != "" {
		if err := o.require(ctx, user, auth.AddRemove, parent); err != nil {
			return err
		}
	}

	var blocking []repo.Reference
	for _, m := range subtree {
		refs, err := o.store.Referrers(ctx, m)
		if err != nil {
			return fmt.Errorf("referrers of %s: %w", m, err)
		}
		for _, r := range refs {
			if inSubtree[r.Subject] {
				continue
			}
			if r.Subject == parent && r.Target == id &&
				(r.Relation == repo.RelContains || r.Relation == repo.RelRemovedChild) {
				continue
			}
			blocking = append(blocking, r)
		}
	}
	if len(blocking) > 0 {
		return &ConsistencyViolation{
			Op:         "delete",
			Object:     id,
			Reason:     "referenced from outside its subtree",
			References: blocking,
		}
	}

	// Past this point the delete runs to completion or leaves a dump.
	ctx = context.WithoutCancel(ctx)
	var mutated []repo.ObjectID
	interrupted := func(reason string, cause error, pending []repo.ObjectID) error {
		path := o.writeDump(corruptionDump{
			Op:      "delete",
			User:    user.Name,
			Target:  id,
			Reason:  fmt.Sprintf("%s: %v", reason, cause),
			Mutated: mutated,
			Pending: pending,
		})
		return &PartialMutationError{Op: "delete", Mutated: mutated, DumpPath: path, Err: cause}
	}

	if parent != "" {
		err := tree.UpdateEdges(ctx, o.store, o.opts.Retry, parent, func(s tree.EdgeSet) tree.EdgeSet {
			return s.Without(repo.RelContains, id).Without(repo.RelRemovedChild, id)
		})
		if err != nil {
			return interrupted("detach from parent edges", err, subtree)
		}
		mutated = append(mutated, parent)
		err = tree.UpdateListing(ctx, o.store, o.opts.Retry, parent, func(l tree.Listing) tree.Listing {
			next, _ := l.Without(id)
			return next
		})
		if err != nil {
			return interrupted("detach from parent listing", err, subtree)
		}
	}

	// Deepest descendants first so a partial purge never orphans a live child.
	msg := fmt.Sprintf("deleted by %s as part of %s", user.Name, id)
	for i := len(subtree) - 1; i >= 0; i-- {
		m := subtree[i]
		if err := o.store.Purge(ctx, m, msg); err != nil {
			return interrupted("purge "+string(m), err, subtree[:i+1])
		}
		mutated = append(mutated, m)
	}
	logger.Info("subtree deleted", "purged", len(subtree))

	containers := []repo.ObjectID{}
	if parent != "" {
		containers = append(containers, parent)
	}
	o.publish(ctx, notify.Message{
		Action:     notify.ActionRemove,
		User:       user.Name,
		Containers: containers,
		Objects:    subtree,
	})
	return nil
}

func outcomeOf(err error) string {
	var cv *ConsistencyViolation
	var pm *PartialMutationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &cv):
		return "rejected"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.As(err, &pm):
		return "partial"
	}
	return "error"
}
