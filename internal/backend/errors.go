package backend

import (
	"errors"
	"fmt"
)

// Error is a typed backend HTTP failure: status >= 400 plus the response
// body, per §4.D's error policy. The Run Controller decides per-call
// whether to surface it to the operator or treat it as advisory.
type Error struct {
	Status int
	Body   string
	Method string
	Path   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsNotFound reports whether err is a backend.Error with status 404.
func IsNotFound(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Status == 404
	}
	return false
}
