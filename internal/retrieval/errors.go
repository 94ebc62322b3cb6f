package retrieval

import (
	"errors"
	"fmt"
)

// ErrEmptyQuery is returned when the query text is blank.
var ErrEmptyQuery = errors.New("query is empty")

// SignalError records a retrieval signal that timed out or failed and was
// replaced by an empty list.
type SignalError struct {
	Signal string
	Err    error
}

func (e SignalError) Error() string {
	return fmt.Sprintf("signal %s unavailable: %v", e.Signal, e.Err)
}

func (e SignalError) Unwrap() error {
	return e.Err
}
