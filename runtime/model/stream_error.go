package model

import "errors"

// StreamIntegrityError reports a protocol violation on an already-open
// stream: the transport ended before a response.completed frame was
// observed, or the server delivered a response.failed frame. Integrity
// failures are terminal and never retried, because resuming a partially
// consumed stream would risk duplicate emission.
type StreamIntegrityError struct {
	// Reason describes the violation.
	Reason string
	// Cause is the underlying error, when one exists.
	Cause error
}

// ErrClosedBeforeCompleted is the Reason used when the transport signals
// end-of-stream without ever delivering response.completed.
const ErrClosedBeforeCompleted = "stream closed before response.completed"

func (e *StreamIntegrityError) Error() string {
	if e.Cause != nil {
		return "stream integrity: " + e.Reason + ": " + e.Cause.Error()
	}
	return "stream integrity: " + e.Reason
}

// Unwrap returns the underlying error, when one exists.
func (e *StreamIntegrityError) Unwrap() error { return e.Cause }

// AsStreamIntegrityError returns the first StreamIntegrityError in err's
// chain, if any.
func AsStreamIntegrityError(err error) (*StreamIntegrityError, bool) {
	var se *StreamIntegrityError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
