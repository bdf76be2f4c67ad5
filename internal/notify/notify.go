// Package notify carries the outbound messages emitted after add, move, remove
// and reorder operations, and the optional batch email.
package notify

import (
	"context"
	"time"

	"github.com/mattjoyce/accession/internal/repo"
)

//go:generate mockgen -destination=mocks/mock_notify.go -package=mocks github.com/mattjoyce/accession/internal/notify Notifier,Mailer

// Action is the kind of tree change a message reports.
type Action string

const (
	ActionAdd     Action = "add"
	ActionMove    Action = "move"
	ActionRemove  Action = "remove"
	ActionReorder Action = "reorder"
)

// Message is one notification. Downstream consumers format it further.
type Message struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Action     Action          `json:"action"`
	User       string          `json:"user"`
	Containers []repo.ObjectID `json:"containers"`
	Objects    []repo.ObjectID `json:"objects"`
	Reordered  []repo.ObjectID `json:"reordered,omitempty"`
	At         time.Time       `json:"at"`
}

// Notifier emits tree-change messages.
type Notifier interface {
	Publish(ctx context.Context, msg Message) error
}

// Mailer sends a plain-text email.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}
