package forum

import (
	"errors"
	"fmt"
)

// ValidationError is caught before any I/O happens. The caller's input is
// left intact so the user can fix and re-submit.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var (
	// ErrAlreadyVoted rejects a second vote for a post this session has
	// already voted on. The stored counter is left untouched.
	ErrAlreadyVoted = errors.New("this session has already voted on this post")

	// ErrPostNotFound means the post id is not in the current collection.
	ErrPostNotFound = errors.New("post not found in current collection")
)
