// Package router merges the neighbor reports of every transport handler into
// one neighbor table, sends bytes to direct neighbors through whichever
// handler reaches them, and funnels inbound bytes into one receive callback.
//
// Table mutations happen only in Apply, which the owner calls from a single
// dispatch goroutine. Readers get immutable snapshots and never block it.
package router

import (
    "bytes"
    "context"
    "encoding/hex"
    "errors"
    "fmt"
    "sort"
    "sync/atomic"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"
    "golang.org/x/crypto/sha3"

    "meshbase/pkg/identity"
    "meshbase/pkg/memkv"
    "meshbase/pkg/peers"
    "meshbase/pkg/transport"
)

// ErrNeighborUnreachable is returned by SendData for destinations that are
// not connected neighbors.
var ErrNeighborUnreachable = errors.New("router: neighbor unreachable")

// DefaultDedupTTL is the window in which identical inbound messages from the
// same sender are flagged as duplicates.
const DefaultDedupTTL = 2 * time.Second

// State is a neighbor's connection state.
type State int

const (
    Connecting State = iota + 1
    Connected
    Disconnecting
)

func (s State) String() string {
    switch s {
    case Connecting:
        return "connecting"
    case Connected:
        return "connected"
    case Disconnecting:
        return "disconnecting"
    default:
        return "unknown"
    }
}

// Neighbor is one entry of the table.
type Neighbor struct {
    Device   transport.Device
    Handler  transport.HandlerID
    State    State
    LastSeen time.Time
}

// ReceiveFunc gets every accepted inbound message, whichever handler
// delivered it. dup is set when the same bytes came from the same sender
// within the dedup window; the message is still delivered so the receiver
// can acknowledge it again.
type ReceiveFunc func(data []byte, from transport.Device, dup bool)

// ChangeKind tells what Apply did to the table.
type ChangeKind int

const (
    NeighborAdded ChangeKind = iota + 1
    NeighborRemoved
)

// Change reports a table transition visible to subscribers.
type Change struct {
    Kind     ChangeKind
    Neighbor Neighbor
}

// Options configure a Router. All fields are optional.
type Options struct {
    // Dedup backs inbound duplicate detection; nil disables it.
    Dedup    *memkv.Store
    DedupTTL time.Duration
    // Peers, when set, learns every connected device.
    Peers *peers.Store
    Now   func() time.Time
}

type table map[uuid.UUID]Neighbor

// Router is created once with a fixed handler set.
type Router struct {
    handlers map[transport.HandlerID]transport.Handler
    order    []transport.HandlerID
    recv     atomic.Pointer[ReceiveFunc]
    snap     atomic.Pointer[table]
    opts     Options
}

// New builds a router over hs. Handler ids must be unique.
func New(hs []transport.Handler, opts Options) (*Router, error) {
    if opts.DedupTTL <= 0 { opts.DedupTTL = DefaultDedupTTL }
    if opts.Now == nil { opts.Now = time.Now }
    r := &Router{handlers: make(map[transport.HandlerID]transport.Handler, len(hs)), opts: opts}
    for _, h := range hs {
        if _, dup := r.handlers[h.ID()]; dup {
            return nil, fmt.Errorf("router: duplicate handler id %q", h.ID())
        }
        r.handlers[h.ID()] = h
        r.order = append(r.order, h.ID())
    }
    empty := table{}
    r.snap.Store(&empty)
    return r, nil
}

// Handlers returns the handlers in registration order.
func (r *Router) Handlers() []transport.Handler {
    out := make([]transport.Handler, 0, len(r.order))
    for _, id := range r.order { out = append(out, r.handlers[id]) }
    return out
}

// OnReceive installs the single receive callback, replacing any previous one.
func (r *Router) OnReceive(fn ReceiveFunc) { r.recv.Store(&fn) }

// Lookup returns the current entry for id.
func (r *Router) Lookup(id uuid.UUID) (Neighbor, bool) {
    n, ok := (*r.snap.Load())[id]
    return n, ok
}

// Neighbors returns a snapshot of the table ordered by uuid.
func (r *Router) Neighbors() []Neighbor {
    t := *r.snap.Load()
    out := make([]Neighbor, 0, len(t))
    for _, n := range t { out = append(out, n) }
    sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Device.UUID[:], out[j].Device.UUID[:]) < 0 })
    return out
}

// SendData hands b to the handler owning dest. Without a connected entry it
// fails immediately with ErrNeighborUnreachable; handler errors are returned
// unchanged.
func (r *Router) SendData(ctx context.Context, b []byte, dest uuid.UUID) error {
    n, ok := r.Lookup(dest)
    if !ok || n.State != Connected {
        return ErrNeighborUnreachable
    }
    return r.handlers[n.Handler].Send(ctx, b, n.Device)
}

// Reachable reports whether dest currently has a connected entry.
func (r *Router) Reachable(dest uuid.UUID) bool {
    n, ok := r.Lookup(dest)
    return ok && n.State == Connected
}

// Apply folds one handler event into the table. It must only be called from
// the owner's dispatch goroutine.
func (r *Router) Apply(ev transport.Event) []Change {
    switch ev.Kind {
    case transport.DeviceDiscovered:
        r.discovered(ev)
    case transport.DeviceConnected:
        if c, ok := r.connected(ev); ok { return []Change{c} }
    case transport.DeviceDisconnected:
        if c, ok := r.disconnected(ev); ok { return []Change{c} }
    case transport.DataReceived:
        r.data(ev)
    case transport.NearbySetChanged:
        r.nearby(ev)
    case transport.AvailabilityChanged:
        if !ev.Available { return r.dropHandler(ev.Handler) }
    }
    return nil
}

func (r *Router) publish(t table) { r.snap.Store(&t) }

func (r *Router) cloneTable() table {
    cur := *r.snap.Load()
    t := make(table, len(cur)+1)
    for k, v := range cur { t[k] = v }
    return t
}

func (r *Router) discovered(ev transport.Event) {
    id := ev.Device.UUID
    if _, ok := r.Lookup(id); ok { return }
    t := r.cloneTable()
    t[id] = Neighbor{Device: ev.Device, Handler: ev.Handler, State: Connecting, LastSeen: r.opts.Now()}
    r.publish(t)
}

func (r *Router) connected(ev transport.Event) (Change, bool) {
    id := ev.Device.UUID
    if len(ev.Device.PublicKey) > 0 && !identity.ValidateFingerprintBytes(ev.Device.PublicKey, id) {
        zap.L().Warn("rejecting neighbor: key does not match id", zap.String("device", id.String()), zap.String("handler", string(ev.Handler)))
        r.removeIfOwned(id, ev.Handler, Connecting)
        return Change{}, false
    }
    if cur, ok := r.Lookup(id); ok && cur.State == Connected {
        if cur.Handler != ev.Handler {
            zap.L().Debug("neighbor already connected via another handler", zap.String("device", id.String()),
                zap.String("owner", string(cur.Handler)), zap.String("suppressed", string(ev.Handler)))
        }
        return Change{}, false
    }
    n := Neighbor{Device: ev.Device, Handler: ev.Handler, State: Connected, LastSeen: r.opts.Now()}
    t := r.cloneTable()
    t[id] = n
    r.publish(t)
    if r.opts.Peers != nil { r.opts.Peers.Learn(ev.Device, ev.Handler) }
    zap.L().Info("neighbor connected", zap.String("device", id.String()), zap.String("handler", string(ev.Handler)))
    return Change{Kind: NeighborAdded, Neighbor: n}, true
}

func (r *Router) disconnected(ev transport.Event) (Change, bool) {
    n, ok := r.removeIfOwned(ev.Device.UUID, ev.Handler, 0)
    if !ok || n.State == Connecting { return Change{}, false }
    zap.L().Info("neighbor disconnected", zap.String("device", n.Device.UUID.String()), zap.String("handler", string(ev.Handler)))
    return Change{Kind: NeighborRemoved, Neighbor: n}, true
}

// removeIfOwned deletes id when handler owns it and, if only is non-zero,
// the entry is in that state.
func (r *Router) removeIfOwned(id uuid.UUID, handler transport.HandlerID, only State) (Neighbor, bool) {
    cur, ok := r.Lookup(id)
    if !ok || cur.Handler != handler { return Neighbor{}, false }
    if only != 0 && cur.State != only { return Neighbor{}, false }
    t := r.cloneTable()
    delete(t, id)
    r.publish(t)
    return cur, true
}

func (r *Router) data(ev transport.Event) {
    from := ev.Device
    n, ok := r.Lookup(from.UUID)
    if !ok || n.State != Connected {
        zap.L().Debug("dropping data from non-neighbor", zap.String("device", from.UUID.String()), zap.String("handler", string(ev.Handler)))
        return
    }
    dup := false
    if r.opts.Dedup != nil {
        sum := sha3.Sum256(ev.Data)
        key := "dedup:" + from.UUID.String() + ":" + hex.EncodeToString(sum[:16])
        if dup = !r.opts.Dedup.Add(key, nil, r.opts.DedupTTL); dup {
            zap.L().Debug("duplicate message", zap.String("device", from.UUID.String()), zap.Int("bytes", len(ev.Data)))
        }
    }
    if r.opts.Peers != nil { r.opts.Peers.RecordIn(from.UUID, len(ev.Data)) }
    if fn := r.recv.Load(); fn != nil && *fn != nil {
        (*fn)(ev.Data, n.Device, dup)
    }
}

// nearby drops connecting entries of the handler that left its nearby set.
func (r *Router) nearby(ev transport.Event) {
    present := make(map[uuid.UUID]bool, len(ev.Nearby))
    for _, d := range ev.Nearby { present[d.UUID] = true }
    cur := *r.snap.Load()
    var stale []uuid.UUID
    for id, n := range cur {
        if n.Handler == ev.Handler && n.State == Connecting && !present[id] { stale = append(stale, id) }
    }
    if len(stale) == 0 { return }
    t := r.cloneTable()
    for _, id := range stale { delete(t, id) }
    r.publish(t)
}

func (r *Router) dropHandler(h transport.HandlerID) []Change {
    cur := *r.snap.Load()
    var out []Change
    t := r.cloneTable()
    for id, n := range cur {
        if n.Handler != h { continue }
        delete(t, id)
        if n.State != Connecting { out = append(out, Change{Kind: NeighborRemoved, Neighbor: n}) }
    }
    if len(t) != len(cur) {
        r.publish(t)
        zap.L().Warn("handler unavailable, dropped its neighbors", zap.String("handler", string(h)), zap.Int("neighbors", len(out)))
    }
    return out
}

// MarkDisconnecting flags every entry as Disconnecting (used while shutting
// down) so SendData stops routing to them.
func (r *Router) MarkDisconnecting() {
    t := r.cloneTable()
    for id, n := range t { n.State = Disconnecting; t[id] = n }
    r.publish(t)
}

// Clear empties the table and returns removal changes for every entry that
// was connected or disconnecting.
func (r *Router) Clear() []Change {
    cur := *r.snap.Load()
    var out []Change
    for _, n := range cur {
        if n.State != Connecting { out = append(out, Change{Kind: NeighborRemoved, Neighbor: n}) }
    }
    r.publish(table{})
    return out
}
