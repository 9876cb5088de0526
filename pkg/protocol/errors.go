package protocol

import (
    "errors"
    "fmt"
)

// DecodeKind classifies frame decoding failures.
type DecodeKind uint8

const (
    KindUnsupportedVersion DecodeKind = iota + 1
    KindUnknownBodyType
    KindMalformed
)

func (k DecodeKind) String() string {
    switch k {
    case KindUnsupportedVersion:
        return "unsupported version"
    case KindUnknownBodyType:
        return "unknown body type"
    case KindMalformed:
        return "malformed frame"
    default:
        return fmt.Sprintf("decode kind %d", uint8(k))
    }
}

// DecodeError is returned by Registry.Decode and Registry.Encode.
// errors.Is matches it against the Err* values by kind.
type DecodeError struct {
    Kind   DecodeKind
    Detail string
    Err    error
}

func (e *DecodeError) Error() string {
    msg := "protocol: " + e.Kind.String()
    if e.Detail != "" { msg += ": " + e.Detail }
    if e.Err != nil { msg += ": " + e.Err.Error() }
    return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool {
    var t *DecodeError
    if !errors.As(target, &t) { return false }
    return t.Kind == e.Kind && t.Detail == "" && t.Err == nil
}

var (
    ErrUnsupportedVersion = &DecodeError{Kind: KindUnsupportedVersion}
    ErrUnknownBodyType    = &DecodeError{Kind: KindUnknownBodyType}
    ErrMalformed          = &DecodeError{Kind: KindMalformed}
)

func malformed(format string, args ...any) error {
    return &DecodeError{Kind: KindMalformed, Detail: fmt.Sprintf(format, args...)}
}

func wrapMalformed(err error, detail string) error {
    return &DecodeError{Kind: KindMalformed, Detail: detail, Err: err}
}
