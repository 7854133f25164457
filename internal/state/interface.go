// Package state provides durable workflow state for taskweave.
package state

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

var (
	// ErrNotFound indicates the workflow does not exist.
	ErrNotFound = errors.New("workflow not found")
	// ErrAlreadyExists indicates a workflow with the same id is stored.
	ErrAlreadyExists = errors.New("workflow already exists")
	// ErrConflict indicates a transition's expected status did not match.
	ErrConflict = errors.New("transition conflict")
	// ErrOwned indicates another controller instance holds the workflow.
	ErrOwned = errors.New("workflow owned by another instance")
	// ErrConcurrencyExceeded indicates a running commit would pass the limit.
	ErrConcurrencyExceeded = models.ErrConcurrencyExceeded
)

// WorkflowStore handles workflow lifecycle persistence.
type WorkflowStore interface {
	// CreateWorkflow persists a workflow and its initial tasks in one write.
	CreateWorkflow(ctx context.Context, wf *models.Workflow, tasks []models.Task) error
	// Load reads the workflow and every task.
	Load(ctx context.Context, id string) (*models.Snapshot, error)
	// List returns summaries ordered by creation time.
	List(ctx context.Context) ([]models.WorkflowSummary, error)
	// Delete removes the workflow, its tasks and records.
	Delete(ctx context.Context, id string) error
	// PurgeFinished deletes completed, failed and canceled workflows last
	// updated more than olderThan ago and returns how many went.
	PurgeFinished(ctx context.Context, olderThan time.Duration) (int64, error)
}

// TransitionStore applies task status transitions.
type TransitionStore interface {
	// Commit applies all transitions atomically. Either every transition
	// and record is durable or none is.
	Commit(ctx context.Context, trs ...Transition) error
	// Records returns the execution log of a workflow in append order.
	Records(ctx context.Context, id string) ([]models.ExecutionRecord, error)
}

// ControlStore handles the workflow header fields controllers change.
type ControlStore interface {
	SetPaused(ctx context.Context, id string, paused bool) error
	SetStatus(ctx context.Context, id string, status models.WorkflowStatus, reason string) error
	SetConcurrency(ctx context.Context, id string, limit int) error
	// ClaimOwner records owner as the loop holder until lease runs out; a
	// zero lease never lapses. It fails with ErrOwned while another
	// owner's lease is live, unless force is set.
	ClaimOwner(ctx context.Context, id, owner string, lease time.Duration, force bool) error
	// RenewOwner extends the lease. It fails with ErrOwned once another
	// owner has taken over.
	RenewOwner(ctx context.Context, id, owner string, lease time.Duration) error
	// ReleaseOwner clears the owner if it is still owner.
	ReleaseOwner(ctx context.Context, id, owner string) error
}

// Store defines the interface for workflow state persistence.
// The orchestrator works with any backend through it.
type Store interface {
	io.Closer
	WorkflowStore
	TransitionStore
	ControlStore
}

// Compile-time verification that both backends implement all interfaces.
var (
	_ Store           = (*DB)(nil)
	_ WorkflowStore   = (*DB)(nil)
	_ TransitionStore = (*DB)(nil)
	_ ControlStore    = (*DB)(nil)
	_ Store           = (*KV)(nil)
)
