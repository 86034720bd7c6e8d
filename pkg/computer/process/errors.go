package process

import "fmt"

// NotFoundError is returned when no tracked process has the given id.
type NotFoundError struct {
	ID int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no process with id %d", e.ID)
}

// ValidationError is returned for requests that are well-formed but
// invalid for the target process, e.g. stdin against a non-TTY process.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}
