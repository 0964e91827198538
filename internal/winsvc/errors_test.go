package winsvc

import (
	"errors"
	"testing"
)

func TestServiceError(t *testing.T) {
	inner := errors.New("access denied")
	err := error(&ServiceError{Op: "open service", Err: inner})
	if got := err.Error(); got != "winsvc: open service: access denied" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, inner) {
		t.Error("Unwrap lost the cause")
	}
	var se *ServiceError
	if !errors.As(err, &se) || se.Op != "open service" {
		t.Errorf("As = %v", se)
	}
}
