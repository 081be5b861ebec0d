// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the task id is not in the registry.
	ErrNotFound = errors.New("task not found")

	// ErrMissingParameter indicates a phase handler input is absent.
	ErrMissingParameter = errors.New("missing parameter")

	// ErrTaskRunning indicates the task is already being executed.
	ErrTaskRunning = errors.New("task is already executing")

	// ErrTaskCancelled indicates execution was requested for a cancelled task.
	ErrTaskCancelled = errors.New("task was cancelled")

	// ErrInvalidTransition indicates the requested status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func NewNotFoundError(id string) error {
	return &NotFoundError{ID: id}
}

type MissingParameterError struct {
	Param string
	Phase string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("%s required for %s task", e.Param, e.Phase)
}

func (e *MissingParameterError) Unwrap() error {
	return ErrMissingParameter
}

// CollaboratorError wraps a failure raised by an external collaborator.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsMissingParameter(err error) bool {
	return errors.Is(err, ErrMissingParameter)
}
