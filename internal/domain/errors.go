package domain

import (
	"errors"
	"fmt"
)

// Error classes shared by the lifecycle service and the notification
// synchronizer. Authorization failures use permission.ForbiddenError.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalid         = errors.New("invalid request")
)

// Conflict reasons carried in ConflictError.Reason.
const (
	ReasonSelfApplication      = "self_application"
	ReasonDuplicateApplication = "duplicate_application"
	ReasonMissionAssigned      = "mission_assigned"
	ReasonAlreadyDecided       = "already_decided"
	ReasonNotCollaborative     = "not_collaborative"
	ReasonTargetClosed         = "target_closed"
	ReasonConcurrentUpdate     = "concurrent_update"
)

// ConflictError is a request that is well-formed but violates a business rule.
type ConflictError struct {
	Reason string
	Detail string
}

func (e *ConflictError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Detail
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func Conflict(reason, format string, args ...any) error {
	return &ConflictError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// InvalidError is a malformed request: a bad enum, a missing field, an
// oversized message.
type InvalidError struct {
	Message string
}

func (e *InvalidError) Error() string {
	return e.Message
}

func (e *InvalidError) Is(target error) bool {
	return target == ErrInvalid
}

func Invalid(format string, args ...any) error {
	return &InvalidError{Message: fmt.Sprintf(format, args...)}
}
