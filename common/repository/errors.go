package repository

import (
	"errors"
	"fmt"

	"github.com/driftworks/conductor/common/models"
)

// ErrNotFound covers both missing records and records owned by another
// user; callers cannot tell the two apart
var ErrNotFound = errors.New("record not found")

// ErrIllegalTransition is the sentinel for errors.Is checks against
// TransitionError
var ErrIllegalTransition = errors.New("illegal status transition")

// TransitionError reports a conditional status update that found the row
// in a different state than expected
type TransitionError struct {
	Entity   string
	ID       string
	Expected models.Status
	Actual   models.Status
	Target   models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition for %s %s: expected %s, found %s, wanted %s",
		e.Entity, e.ID, e.Expected, e.Actual, e.Target)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
