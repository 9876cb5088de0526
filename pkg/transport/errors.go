package transport

import (
    "errors"
    "fmt"

    "github.com/google/uuid"
)

var (
    // ErrTransport classifies handler-local failures; match with errors.Is.
    ErrTransport = errors.New("transport failure")
    // ErrHandlerUnavailable is returned while a handler's radio is disabled.
    ErrHandlerUnavailable = errors.New("transport handler unavailable")
)

// Error carries the handler and peer a transport failure belongs to.
type Error struct {
    Handler HandlerID
    Device  uuid.UUID
    Op      string
    Err     error
}

// NewError wraps err for op on handler h towards device d.
func NewError(h HandlerID, d uuid.UUID, op string, err error) *Error {
    return &Error{Handler: h, Device: d, Op: op, Err: err}
}

func (e *Error) Error() string {
    if e.Device == uuid.Nil { return fmt.Sprintf("%s %s: %v", e.Handler, e.Op, e.Err) }
    return fmt.Sprintf("%s %s %s: %v", e.Handler, e.Op, e.Device, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match ErrTransport.
func (e *Error) Is(target error) bool { return target == ErrTransport }
