// Package workitem provides the trackable unit-of-work model shared by
// pipeline steps, runs, reviews, and convergence operations. Items compose
// the workstate transition table for status changes and carry an append-only
// event log for auditing.
package workitem

import (
	"time"

	"github.com/karlmjogila/swarmops-sub006/internal/workstate"
)

// Type categorizes a work item.
type Type string

// Work item types.
const (
	TypeTask     Type = "task"
	TypePipeline Type = "pipeline"
	TypeBatch    Type = "batch"
	TypeReview   Type = "review"
	TypeConverge Type = "converge"
)

// Event is one entry in an item's append-only event log.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message,omitempty"`
}

// Item is a trackable unit of work.
type Item struct {
	ID         string           `json:"id"`
	Type       Type             `json:"type"`
	Status     workstate.Status `json:"status"`
	RoleID     string           `json:"role_id,omitempty"`
	SessionKey string           `json:"session_key,omitempty"`
	ParentID   string           `json:"parent_id,omitempty"`
	ChildIDs   []string         `json:"child_ids,omitempty"` // ordered
	Iteration  int              `json:"iteration"`
	Output     string           `json:"output,omitempty"`
	Events     []Event          `json:"events,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a pending item of the given type.
func New(id string, typ Type) *Item {
	now := time.Now().UTC()
	return &Item{
		ID:        id,
		Type:      typ,
		Status:    workstate.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal reports whether the item reached a terminal status.
func (it *Item) IsTerminal() bool {
	return workstate.IsTerminal(it.Status)
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	cp := *it
	if it.ChildIDs != nil {
		cp.ChildIDs = make([]string, len(it.ChildIDs))
		copy(cp.ChildIDs, it.ChildIDs)
	}
	if it.Events != nil {
		cp.Events = make([]Event, len(it.Events))
		copy(cp.Events, it.Events)
	}
	if it.StartedAt != nil {
		t := *it.StartedAt
		cp.StartedAt = &t
	}
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
