package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSession is returned by Open when the id is already registered
	ErrDuplicateSession = errors.New("session already registered")

	// ErrUnknownSession is returned by Get when the id is not registered
	ErrUnknownSession = errors.New("session not registered")

	// ErrTooManySessions is returned by Open when the session limit is reached
	ErrTooManySessions = errors.New("session limit reached")
)

// RecognitionError reports a failed recognition for one utterance.
// The session remains usable.
type RecognitionError struct {
	SessionID   string
	UtteranceID string
	Samples     int
	Err         error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition failed for session %s utterance %s (%d samples): %v",
		e.SessionID, e.UtteranceID, e.Samples, e.Err)
}

func (e *RecognitionError) Unwrap() error {
	return e.Err
}
