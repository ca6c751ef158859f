package policypatch

import (
	"errors"
	"fmt"
)

// Sentinel errors the boundary maps onto HTTP statuses.
var (
	ErrProfileNotFound  = errors.New("policypatch: profile not found")
	ErrPatchNotFound    = errors.New("policypatch: patch history entry not found")
	ErrNoRollbackTarget = errors.New("policypatch: no history entry to roll back to")
)

// ValidationError marks rejected request input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policypatch: invalid %s: %s", e.Field, e.Msg)
}

// AsValidation unwraps err into a ValidationError if it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// HashMismatchError marks an apply whose expected_profile_hash does not
// match the current on-disk document. Both hashes travel to the caller so
// it can re-read, re-diff and retry.
type HashMismatchError struct {
	ProfileName string
	Expected    string
	Current     string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("policypatch: profile %s changed: expected hash %s, current %s",
		e.ProfileName, e.Expected, e.Current)
}

// AsHashMismatch unwraps err into a HashMismatchError if it is one.
func AsHashMismatch(err error) (*HashMismatchError, bool) {
	var h *HashMismatchError
	if errors.As(err, &h) {
		return h, true
	}
	return nil, false
}

// NotAuthorizedError marks an apply by an actor that is neither a global
// policy admin nor an admin of the target profile.
type NotAuthorizedError struct {
	ActorID     string
	ProfileName string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("policypatch: actor %s is not a policy admin for profile %s",
		e.ActorID, e.ProfileName)
}

// AsNotAuthorized unwraps err into a NotAuthorizedError if it is one.
func AsNotAuthorized(err error) (*NotAuthorizedError, bool) {
	var n *NotAuthorizedError
	if errors.As(err, &n) {
		return n, true
	}
	return nil, false
}
