package fetch

import (
	"errors"
	"fmt"
)

// ErrArchivalUnavailable marks a product that exists but must be
// recalled from the source's long-term archive. The caller skips the
// item for the current run; it is neither retried nor counted as a
// failure.
var ErrArchivalUnavailable = errors.New("product offline in long-term archive")

// TerminalError is a fetch failure that exhausted the retry budget or
// hit a non-retryable status. It fails the one fetch, not the run.
type TerminalError struct {
	Status   int
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch failed after %d attempts: status %d", e.Attempts, e.Status)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// MalformedResponseError is raised when a 200 response carries an
// HTML/JSON error body where binary data was expected. The snippet is
// kept for diagnosis.
type MalformedResponseError struct {
	ContentType string
	Snippet     string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("expected data payload, got %s: %s", e.ContentType, e.Snippet)
}

// AuthError is terminal for the whole source for this run; credentials
// are fetched once per run and reused.
type AuthError struct {
	Source string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Source, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
