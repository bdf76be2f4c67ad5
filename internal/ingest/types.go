package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/accession/internal/batchqueue"
	"github.com/mattjoyce/accession/internal/repo"
)

// State is a step of the batch ingest state machine.
type State int

const (
	StateInit State = iota
	StateIngest
	StateIngestWait
	StateVerifyChecksums
	StateContainerUpdates
	StateSendNotifications
	StateCleanup
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIngest:
		return "INGEST"
	case StateIngestWait:
		return "INGEST_WAIT"
	case StateVerifyChecksums:
		return "VERIFY_CHECKSUMS"
	case StateContainerUpdates:
		return "CONTAINER_UPDATES"
	case StateSendNotifications:
		return "SEND_NOTIFICATIONS"
	case StateCleanup:
		return "CLEANUP"
	case StateFinished:
		return "FINISHED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// uninterruptible states always run to completion once entered.
func (s State) uninterruptible() bool {
	return s == StateSendNotifications || s == StateCleanup
}

// Outcome is how a task run ended.
type Outcome string

const (
	OutcomeRunning  Outcome = "running"
	OutcomeFinished Outcome = "finished"
	OutcomeFailed   Outcome = "failed"
	// OutcomeStopped covers halts, cancellation and unrecognized faults. The batch
	// directory is left where it was.
	OutcomeStopped Outcome = "stopped"
)

// Batch is the in-memory view of one queued batch directory.
type Batch struct {
	Handle          batchqueue.Handle
	BaseDir         string
	DataDir         string
	EventsDir       string
	Submitter       string
	Message         string
	EmailRecipients []string
	Placements      map[repo.ObjectID]batchqueue.Placement
	// ObjectFiles are descriptor file names sorted case-insensitively.
	ObjectFiles []string
	// Containers are the distinct placement parents, sorted.
	Containers []repo.ObjectID

	State             State
	LastProcessedFile string
	LastProcessedID   repo.ObjectID
	Failed            bool
	StartTime         time.Time
	LastStepTime      time.Time
}

// ErrFault marks a run stopped by an unrecognized runtime fault. The batch
// directory is left in place and is not relocated.
var ErrFault = errors.New("unrecognized fault")

// BatchFailure ends a batch: it is logged, written to fail.log and the batch is
// moved to the failed area.
type BatchFailure struct {
	Message string
	Err     error
}

func (e *BatchFailure) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *BatchFailure) Unwrap() error { return e.Err }

func failf(err error, format string, args ...any) *BatchFailure {
	return &BatchFailure{Message: fmt.Sprintf(format, args...), Err: err}
}

// Status is a point-in-time snapshot of a task for operators.
type Status struct {
	Batch             string        `json:"batch"`
	State             string        `json:"state"`
	Outcome           Outcome       `json:"outcome"`
	Failed            bool          `json:"failed"`
	Halting           bool          `json:"halting"`
	LastProcessedFile string        `json:"last_processed_file,omitempty"`
	LastProcessedID   repo.ObjectID `json:"last_processed_id,omitempty"`
	Objects           int           `json:"objects"`
	Containers        int           `json:"containers"`
	StartTime         time.Time     `json:"start_time"`
	LastStepTime      time.Time     `json:"last_step_time"`
}
