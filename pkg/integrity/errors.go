package integrity

import (
	"errors"
	"fmt"
)

// Sentinel errors the boundary maps onto HTTP statuses.
var (
	ErrRunNotFound      = errors.New("integrity: run not found")
	ErrNoComparableBase = errors.New("integrity: no comparable base run")
)

// BaseMismatchError marks an explicit base run that does not share the
// target run's scope. Field names the first dimension that differs so the
// caller's error message says what to fix.
type BaseMismatchError struct {
	BaseRunID string
	Field     string
	BaseValue string
	RunValue  string
}

func (e *BaseMismatchError) Error() string {
	return fmt.Sprintf("integrity: base run %s %s mismatch: %s differs from %s",
		e.BaseRunID, e.Field, e.BaseValue, e.RunValue)
}

// AsBaseMismatch unwraps err into a BaseMismatchError if it is one.
func AsBaseMismatch(err error) (*BaseMismatchError, bool) {
	var b *BaseMismatchError
	if errors.As(err, &b) {
		return b, true
	}
	return nil, false
}
