package mutate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/accession/internal/repo"
)

// ErrForbidden is returned when the acting principal lacks a container permission.
var ErrForbidden = errors.New("permission denied")

// ConsistencyViolation rejects an operation before anything was changed.
type ConsistencyViolation struct {
	Op     string
	Object repo.ObjectID
	Reason string
	// References lists the outside edges that blocked a delete.
	References []repo.Reference
}

func (e *ConsistencyViolation) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Object, e.Reason)
	if len(e.References) == 0 {
		return msg
	}
	refs := make([]string, len(e.References))
	for i, r := range e.References {
		refs[i] = fmt.Sprintf("%s -%s-> %s", r.Subject, r.Relation, r.Target)
	}
	return msg + " (" + strings.Join(refs, ", ") + ")"
}

// PartialMutationError reports an operation that failed after changing the
// repository. Callers must verify repository state; it is not a no-op.
type PartialMutationError struct {
	Op      string
	Mutated []repo.ObjectID
	// DumpPath is the corruption dump written for a delete, if any.
	DumpPath string
	Err      error
}

func (e *PartialMutationError) Error() string {
	return fmt.Sprintf("%s interrupted after mutating %d object(s): %v", e.Op, len(e.Mutated), e.Err)
}

func (e *PartialMutationError) Unwrap() error { return e.Err }
