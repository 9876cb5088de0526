// Package protocol implements the mesh wire frame: a fixed binary header
// followed by a length-prefixed body whose encoding is selected by a type tag.
package protocol

import (
    "fmt"

    "github.com/google/uuid"
)

// Version1 is the only frame version this build speaks.
const Version1 uint8 = 1

// Tag selects the body codec of a frame.
type Tag uint8

// Built-in tags. Application tags start at TagUser by convention.
const (
    TagAck     Tag = 0
    TagSend    Tag = 1
    TagReceive Tag = 2

    TagUser Tag = 16
)

// MaxBodyLen bounds a single frame body.
const MaxBodyLen = 16 << 20

// Broadcast is the reserved all-zero recipient.
var Broadcast = uuid.Nil

// Frame is one protocol message. Body holds the decoded value produced by the
// codec registered for Tag.
type Frame struct {
    Version   uint8
    Tag       Tag
    MessageID uint32
    Sender    uuid.UUID
    Recipient uuid.UUID
    Body      any
}

// IsBroadcast reports whether the frame carries the reserved recipient.
func (f *Frame) IsBroadcast() bool { return f.Recipient == Broadcast }

func (f *Frame) String() string {
    return fmt.Sprintf("frame{v=%d tag=%d id=%d %s->%s}", f.Version, f.Tag, f.MessageID, f.Sender, f.Recipient)
}
