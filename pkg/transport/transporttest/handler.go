// Package transporttest provides an in-memory transport.Handler for tests.
package transporttest

import (
    "context"
    "sync"
    "time"

    "meshbase/pkg/transport"
)

// Sent is one recorded Send call.
type Sent struct {
    Data []byte
    To   transport.Device
}

// Handler is a scriptable transport.Handler. Tests drive its events with
// Connect, Disconnect, Deliver and SetAvailable; Send calls are recorded and,
// when the handler is linked, delivered to the remote handler.
type Handler struct {
    id transport.HandlerID

    mu        sync.Mutex
    sink      transport.Sink
    state     transport.RoleState
    sent      []Sent
    sendErr   error
    startErr  error
    delay     time.Duration
    inflight  int
    self      transport.Device
    remote    *Handler
    starts    int
    stops     int
}

// New returns an available handler with no role running.
func New(id transport.HandlerID) *Handler {
    return &Handler{id: id, state: transport.RoleState{Available: true}}
}

// Link wires a and b so each Send on one is delivered as DataReceived on the
// other, from the given local devices.
func Link(a *Handler, aDev transport.Device, b *Handler, bDev transport.Device) {
    a.mu.Lock(); a.self, a.remote = aDev, b; a.mu.Unlock()
    b.mu.Lock(); b.self, b.remote = bDev, a; b.mu.Unlock()
}

func (h *Handler) ID() transport.HandlerID { return h.id }

func (h *Handler) Bind(s transport.Sink) { h.mu.Lock(); h.sink = s; h.mu.Unlock() }

func (h *Handler) StartCentral(context.Context) error {
    return h.start(func(st *transport.RoleState) { st.Central = true })
}

func (h *Handler) start(set func(*transport.RoleState)) error {
    h.mu.Lock(); d := h.delay; h.inflight++; h.mu.Unlock()
    if d > 0 { time.Sleep(d) }
    h.mu.Lock(); defer h.mu.Unlock()
    h.inflight--
    if h.startErr != nil { return h.startErr }
    if !h.state.Available { return transport.ErrHandlerUnavailable }
    set(&h.state)
    h.starts++
    return nil
}

func (h *Handler) StopCentral() error {
    h.mu.Lock(); h.state.Central = false; h.stops++; h.mu.Unlock()
    return nil
}

func (h *Handler) StartPeripheral(context.Context) error {
    return h.start(func(st *transport.RoleState) { st.Peripheral = true })
}

func (h *Handler) StopPeripheral() error {
    h.mu.Lock(); h.state.Peripheral = false; h.stops++; h.mu.Unlock()
    return nil
}

func (h *Handler) State() transport.RoleState { h.mu.Lock(); defer h.mu.Unlock(); return h.state }

// Send records the call and forwards to the linked handler, if any.
func (h *Handler) Send(_ context.Context, b []byte, to transport.Device) error {
    h.mu.Lock()
    err := h.sendErr
    if err == nil {
        h.sent = append(h.sent, Sent{Data: append([]byte(nil), b...), To: to})
    }
    remote, self := h.remote, h.self
    h.mu.Unlock()
    if err != nil { return transport.NewError(h.id, to.UUID, "send", err) }
    if remote != nil { remote.Deliver(b, self) }
    return nil
}

// FailSends makes subsequent Send calls fail with err (nil restores).
func (h *Handler) FailSends(err error) { h.mu.Lock(); h.sendErr = err; h.mu.Unlock() }

// FailStarts makes subsequent Start calls fail with err (nil restores).
func (h *Handler) FailStarts(err error) { h.mu.Lock(); h.startErr = err; h.mu.Unlock() }

// SlowStarts makes every Start call sleep for d before taking effect.
func (h *Handler) SlowStarts(d time.Duration) { h.mu.Lock(); h.delay = d; h.mu.Unlock() }

// Starting reports how many Start calls are still sleeping.
func (h *Handler) Starting() int { h.mu.Lock(); defer h.mu.Unlock(); return h.inflight }

// Sent returns a copy of the recorded sends.
func (h *Handler) Sent() []Sent {
    h.mu.Lock(); defer h.mu.Unlock()
    return append([]Sent(nil), h.sent...)
}

// StartCount and StopCount return how many role start/stop calls were seen.
func (h *Handler) StartCount() int { h.mu.Lock(); defer h.mu.Unlock(); return h.starts }
func (h *Handler) StopCount() int  { h.mu.Lock(); defer h.mu.Unlock(); return h.stops }

// Emit raises ev on the bound sink with Handler filled in.
func (h *Handler) Emit(ev transport.Event) {
    h.mu.Lock(); s := h.sink; h.mu.Unlock()
    ev.Handler = h.id
    if s != nil { s(ev) }
}

// Connect raises DeviceDiscovered then DeviceConnected for d.
func (h *Handler) Connect(d transport.Device) {
    h.Emit(transport.Event{Kind: transport.DeviceDiscovered, Device: d})
    h.Emit(transport.Event{Kind: transport.DeviceConnected, Device: d})
}

// Disconnect raises DeviceDisconnected for d.
func (h *Handler) Disconnect(d transport.Device) {
    h.Emit(transport.Event{Kind: transport.DeviceDisconnected, Device: d})
}

// Deliver raises DataReceived from d.
func (h *Handler) Deliver(b []byte, from transport.Device) {
    h.Emit(transport.Event{Kind: transport.DataReceived, Device: from, Data: append([]byte(nil), b...)})
}

// SetAvailable flips OS-level availability and raises AvailabilityChanged.
// Roles stay requested; State().On() follows availability.
func (h *Handler) SetAvailable(on bool) {
    h.mu.Lock(); h.state.Available = on; h.mu.Unlock()
    h.Emit(transport.Event{Kind: transport.AvailabilityChanged, Available: on})
}
