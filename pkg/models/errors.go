package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidGraph indicates a cycle, duplicate id, or unknown dependency.
	ErrInvalidGraph = errors.New("invalid task graph")
	// ErrUnknownWorkflow indicates no workflow exists with the given id.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrUnknownTask indicates no task exists with the given id.
	ErrUnknownTask = errors.New("unknown task")
	// ErrExecutorFailure indicates the executor reported an error for an attempt.
	ErrExecutorFailure = errors.New("executor failure")
	// ErrTimeoutExceeded indicates an attempt ran past its timeout. It is an
	// executor failure.
	ErrTimeoutExceeded = fmt.Errorf("%w: task timeout exceeded", ErrExecutorFailure)
	// ErrConcurrencyExceeded indicates a running commit would pass the concurrency limit.
	ErrConcurrencyExceeded = errors.New("concurrency limit exceeded")
	// ErrPersistenceFailure indicates the state store rejected or lost a write.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrAlreadyRunning indicates a control loop already owns the workflow.
	ErrAlreadyRunning = errors.New("workflow already running")
	// ErrWorkflowRunning indicates an operation needs the workflow to be idle.
	ErrWorkflowRunning = errors.New("workflow is running")
	// ErrAlreadyFinished indicates the workflow reached a terminal status.
	ErrAlreadyFinished = errors.New("workflow already finished")
)
