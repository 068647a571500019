package store

import (
	"errors"
	"fmt"
)

var (
	ErrAgencyNotFound     = errors.New("agency not found")
	ErrAgencyClosed       = errors.New("agency closed")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrNoSuchTicket       = errors.New("ticket not found")
	ErrTicketNotWaiting   = errors.New("ticket is not waiting")
	ErrTicketNotInService = errors.New("ticket is not in service")
	ErrAgentBusy          = errors.New("agent already serving a ticket")
	ErrAgentNotInAgency   = errors.New("agent does not belong to the agency")
	ErrQueueEmpty         = errors.New("no ticket waiting")
	ErrNoCurrentTicket    = errors.New("agent has no ticket in service")
	ErrInvalidLogEntry    = errors.New("invalid distribution log entry")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// StorageError wraps a failure of the persistence layer. It is the only
// error the core treats as fatal to the request.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap turns a driver error into a StorageError. Nil and domain errors pass through.
func Wrap(op string, err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsStorageFailure(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

var domainErrors = []error{
	ErrAgencyNotFound,
	ErrAgencyClosed,
	ErrAgentNotFound,
	ErrNoSuchTicket,
	ErrTicketNotWaiting,
	ErrTicketNotInService,
	ErrAgentBusy,
	ErrAgentNotInAgency,
	ErrQueueEmpty,
	ErrNoCurrentTicket,
	ErrInvalidLogEntry,
	ErrInvalidCredentials,
}

// IsDomainError reports whether err is an expected, caller-recoverable condition.
func IsDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
