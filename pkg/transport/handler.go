package transport

import (
    "context"
    "fmt"

    "github.com/google/uuid"
)

// HandlerID names a handler instance (e.g. "wifi-direct", "lan0").
type HandlerID string

// Device is a peer as reported by a handler. UUID is the only field used for
// equality and routing; DisplayName and Address are unauthenticated hints.
type Device struct {
    UUID        uuid.UUID
    DisplayName string
    // Address is opaque and handler specific.
    Address string
    // PublicKey is the canonical encoding of the peer key when the handler
    // learned it during link setup. Empty when unknown.
    PublicKey []byte
}

// Same reports whether d and o are the same logical peer.
func (d Device) Same(o Device) bool { return d.UUID == o.UUID }

func (d Device) String() string {
    if d.DisplayName != "" { return fmt.Sprintf("%s(%s)", d.UUID, d.DisplayName) }
    return d.UUID.String()
}

// EventKind enumerates handler events.
type EventKind int

const (
    DeviceDiscovered EventKind = iota + 1
    DeviceConnected
    DeviceDisconnected
    DataReceived
    NearbySetChanged
    AvailabilityChanged
)

func (k EventKind) String() string {
    switch k {
    case DeviceDiscovered:
        return "discovered"
    case DeviceConnected:
        return "connected"
    case DeviceDisconnected:
        return "disconnected"
    case DataReceived:
        return "data"
    case NearbySetChanged:
        return "nearby"
    case AvailabilityChanged:
        return "availability"
    default:
        return "unknown"
    }
}

// Event is what a handler raises. Fields beyond Kind and Handler are set per
// kind: Device for discovery/connect/disconnect/data, Data for DataReceived,
// Nearby for NearbySetChanged, Available for AvailabilityChanged.
type Event struct {
    Kind      EventKind
    Handler   HandlerID
    Device    Device
    Data      []byte
    Nearby    []Device
    Available bool
}

// Sink receives events. A handler calls it from its own goroutines and must
// preserve its own production order; the sink must not block for long.
type Sink func(Event)

// RoleState is a handler's current operating state.
type RoleState struct {
    // Available is false while the radio is disabled at the OS level.
    Available  bool
    Central    bool
    Peripheral bool
}

// On reports whether the handler is usable: available with at least one
// role running.
func (s RoleState) On() bool { return s.Available && (s.Central || s.Peripheral) }

// Handler is the contract a radio driver implements.
//
// Both roles run independently: stopping one never affects the other, and
// Stop calls are idempotent from any state. Send is best-effort and has no
// protocol awareness.
type Handler interface {
    ID() HandlerID
    // Bind installs the event sink. It is called once, before any Start.
    Bind(Sink)

    StartCentral(ctx context.Context) error
    StopCentral() error
    StartPeripheral(ctx context.Context) error
    StopPeripheral() error

    Send(ctx context.Context, b []byte, to Device) error
    State() RoleState
}
