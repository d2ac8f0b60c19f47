package tap

import "errors"

var (
	// ErrNotFound is returned when an attach request names a config ID with no
	// registered extensions.
	ErrNotFound = errors.New("no extensions registered under config ID")

	// ErrAlreadyAttached is returned when an attach request arrives while
	// another attachment is active. At most one attachment exists at a time.
	ErrAlreadyAttached = errors.New("an attachment is already active")

	// ErrMalformedRequest is returned for attach requests with missing or
	// invalid parameters.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrExtensionGone is the reason given to an attached stream when the last
	// extension under its config ID unregisters.
	ErrExtensionGone = errors.New("all extensions for config ID have been removed")

	// ErrClosed is returned by, or given as a detach reason from, a registry
	// which has been closed.
	ErrClosed = errors.New("closed")
)
