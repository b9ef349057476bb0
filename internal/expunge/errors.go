package expunge

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCommitted is returned by Apply before the index transaction
	// committed.
	ErrNotCommitted = errors.New("index transaction not committed")
	// ErrApplied is returned by a second Apply on the same pass.
	ErrApplied = errors.New("pass already applied")
	// ErrVerify means a migrated copy does not match its source.
	ErrVerify = errors.New("migrated copy does not match source")
)

// PartialFailureError reports the records of a pass that could not be
// reconciled.
type PartialFailureError struct {
	Failed int
	Total  int
	Errs   []error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%d of %d records not reconciled", e.Failed, e.Total)
}

func (e *PartialFailureError) Unwrap() []error {
	return e.Errs
}
