package mesh

import (
    "errors"

    "meshbase/pkg/identity"
    "meshbase/pkg/peers"
    "meshbase/pkg/pipeline"
    "meshbase/pkg/protocol"
    "meshbase/pkg/router"
    "meshbase/pkg/transport"
)

var (
    // ErrSendTimeout is reported to a send listener when no ack arrived
    // within the ack deadline.
    ErrSendTimeout = errors.New("mesh: send timed out waiting for ack")
    // ErrNotRunning is returned while the manager is off.
    ErrNotRunning = errors.New("mesh: not running")
    // ErrReservedRecipient rejects sends addressed to the all-zero uuid.
    ErrReservedRecipient = errors.New("mesh: recipient is the reserved all-zero uuid")
    // ErrDuplicateMessageID rejects a send whose (message id, peer) pair is
    // already outstanding.
    ErrDuplicateMessageID = errors.New("mesh: message id already outstanding for peer")
)

// Describe turns any error surfaced by the mesh into a sentence fit for a
// user notification. Every error kind maps to its own sentence.
func Describe(err error) string {
    switch {
    case err == nil:
        return ""
    case errors.Is(err, identity.ErrKeyGeneration):
        return "This device could not create its identity key."
    case errors.Is(err, identity.ErrNoKeyPair):
        return "This device has no identity key yet."
    case errors.Is(err, identity.ErrDecodeKey):
        return "A nearby device presented an unreadable key."
    case errors.Is(err, identity.ErrDecryption):
        return "A message could not be decrypted."
    case errors.Is(err, protocol.ErrUnsupportedVersion):
        return "A nearby device speaks an unsupported protocol version."
    case errors.Is(err, protocol.ErrUnknownBodyType):
        return "A message of an unknown type was received."
    case errors.Is(err, protocol.ErrMalformed):
        return "A corrupted message was received."
    case errors.Is(err, transport.ErrHandlerUnavailable):
        return "A radio is switched off."
    case errors.Is(err, transport.ErrTransport):
        return "Sending to a nearby device failed."
    case errors.Is(err, router.ErrNeighborUnreachable):
        return "The device is not nearby."
    case errors.Is(err, ErrSendTimeout):
        return "The device did not confirm delivery in time."
    case errors.Is(err, ErrNotRunning), errors.Is(err, pipeline.ErrClosed):
        return "The mesh is switched off."
    case errors.Is(err, ErrReservedRecipient):
        return "The message has no valid recipient."
    case errors.Is(err, ErrDuplicateMessageID):
        return "A message with the same id is already on its way."
    case errors.Is(err, peers.ErrUnknownPeer), errors.Is(err, peers.ErrNoPublicKey):
        return "The device's key is not known yet."
    default:
        return "Unexpected error: " + err.Error()
    }
}
