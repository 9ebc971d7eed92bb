package runspace

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations attempted after the pool reached
// StateClosed.
var ErrClosed = errors.New("runspace: pool closed")

// ErrBroken is returned by operations attempted after the pool reached
// StateBroken.
var ErrBroken = errors.New("runspace: pool broken")

// ErrUnknownPipeline is returned when a message references a pipeline id
// the pool has no record of.
var ErrUnknownPipeline = errors.New("runspace: unknown pipeline")

// InvalidStateError reports an operation attempted from a state that
// does not permit it.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("runspace: %s: invalid in state %s", e.Op, e.State)
}

// NoSessionKeyError reports that no session key has been negotiated with
// the server. No code path in this module returns it: the pool does not
// perform the session-key exchange, and SecureString arguments are sent
// without such a check.
type NoSessionKeyError struct{}

func (e *NoSessionKeyError) Error() string {
	return "runspace: no session key negotiated yet"
}
