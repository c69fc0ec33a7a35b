package plugin

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicatePluginID  = errors.New("duplicate plugin id")
	ErrPluginNotFound     = errors.New("plugin not found")
	ErrCircularDependency = errors.New("circular plugin dependency")
	ErrMissingDependency  = errors.New("missing plugin dependency")

	// ErrResumeNotAuthorized is returned when a pause was placed by a higher
	// authority than the caller's.
	ErrResumeNotAuthorized = errors.New("resume not authorized")

	// ErrInvalidTransition is returned for lifecycle requests the current
	// state does not allow.
	ErrInvalidTransition = errors.New("invalid plugin state transition")
)

// StartFailedError wraps the error a plugin returned from Initialize or
// Start.
type StartFailedError struct {
	PluginID string
	Cause    error
}

func (e *StartFailedError) Error() string {
	return fmt.Sprintf("plugin %s failed to start: %v", e.PluginID, e.Cause)
}

func (e *StartFailedError) Unwrap() error { return e.Cause }

func transitionError(id string, from, to State) error {
	return fmt.Errorf("%w: %s %s → %s", ErrInvalidTransition, id, from, to)
}
