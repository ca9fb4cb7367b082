package storage

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels matched by the typed errors through errors.Is.
var (
	ErrPastTime        = errors.New("due time is in the past")
	ErrLimitExceeded   = errors.New("owner item limit reached")
	ErrDuplicate       = errors.New("owner already has an item at this time")
	ErrNotFound        = errors.New("item not found")
	ErrInvalidTimezone = errors.New("invalid time zone")
	ErrClosed          = errors.New("store closed")
)

type PastTimeError struct {
	At  time.Time
	Now time.Time
}

func (e *PastTimeError) Error() string {
	return fmt.Sprintf("due time %s is not after %s", e.At.Format(time.RFC3339), e.Now.Format(time.RFC3339))
}
func (e *PastTimeError) Is(target error) bool { return target == ErrPastTime }

type LimitExceededError struct {
	Owner int64
	Limit int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("owner %d already has %d items", e.Owner, e.Limit)
}
func (e *LimitExceededError) Is(target error) bool { return target == ErrLimitExceeded }

type DuplicateError struct {
	Owner int64
	At    time.Time
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("owner %d already has an item at %s", e.Owner, e.At.Format(time.RFC3339))
}
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

type NotFoundError struct {
	Owner int64
	At    time.Time
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no item for owner %d at %s", e.Owner, e.At.Format(time.RFC3339))
}
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type InvalidTimezoneError struct {
	Name string
	Err  error
}

func (e *InvalidTimezoneError) Error() string {
	return fmt.Sprintf("unknown time zone %q", e.Name)
}
func (e *InvalidTimezoneError) Is(target error) bool { return target == ErrInvalidTimezone }
func (e *InvalidTimezoneError) Unwrap() error        { return e.Err }
