package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no archive exists for the id in any scope.
	ErrNotFound = errors.New("archive not found")

	// ErrScopeMismatch means the id is archived under another scope.
	ErrScopeMismatch = errors.New("archive scope mismatch")

	// ErrUnknownScope rejects scopes other than session and project.
	ErrUnknownScope = errors.New("unknown scope")

	// ErrInvalidID rejects ids that are empty or would escape the store.
	ErrInvalidID = errors.New("invalid archive id")
)

// OpError records the operation and key that failed.
type OpError struct {
	Op    string
	Scope Scope
	ID    string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("archive %s %s/%s: %v", e.Op, e.Scope, e.ID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op string, scope Scope, id string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Scope: scope, ID: id, Err: err}
}
