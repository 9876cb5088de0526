// Package lan is a transport handler over IP-style links (TCP, QUIC or the
// in-process mem network). Peripheral role listens, central role dials the
// configured peers. Every link starts with a signed hello, so the devices it
// reports always carry a verified key.
package lan

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "meshbase/pkg/handshake"
    "meshbase/pkg/identity"
    "meshbase/pkg/transport"
    "meshbase/pkg/transport/link"
)

// DefaultHandshakeTimeout bounds the hello exchange on a new link.
const DefaultHandshakeTimeout = 10 * time.Second

var (
    // ErrNoSession is returned by Send when no link to the device is up.
    ErrNoSession = errors.New("lan: no session to device")
    // ErrPeerMismatch rejects a link whose hello names a different device
    // than the one configured for the address.
    ErrPeerMismatch = errors.New("lan: peer identity does not match dial target")
    errSelfLink     = errors.New("lan: linked to self")
)

// Target is a peer the central role keeps dialing. Peer is optional; when
// set the link must authenticate as that device.
type Target struct {
    Address string
    Peer    uuid.UUID
}

// Options configure a Handler. ID, Transport and Identity are required.
type Options struct {
    ID        transport.HandlerID
    Transport link.Transport
    Identity  *identity.Engine
    NodeName  string
    Listen    []string
    Dial      []Target
    Retry     transport.RetryPolicy

    HandshakeTimeout time.Duration
    MaxSkew          time.Duration
}

type target struct {
    addr string
    key  uuid.UUID
    wake chan struct{}

    mu   sync.Mutex
    peer uuid.UUID
}

func (t *target) expected() uuid.UUID { t.mu.Lock(); defer t.mu.Unlock(); return t.peer }

func (t *target) poke() { select { case t.wake <- struct{}{}: default: } }

// role is one running role; nil when stopped.
type role struct {
    ctx       context.Context
    cancel    context.CancelFunc
    wg        sync.WaitGroup
    listeners []link.Listener
}

type conn struct {
    s   link.Session
    dev transport.Device
}

// Handler implements transport.Handler.
type Handler struct {
    opts  Options
    self  uuid.UUID
    links *link.Manager
    retry *transport.Retrier

    sinkMu sync.RWMutex
    sink   transport.Sink

    mu         sync.Mutex
    available  bool
    wantC      bool
    wantP      bool
    central    *role
    peripheral *role
    targets    map[string]*target
    conns      map[uuid.UUID]conn // canonical sessions
    live       map[link.Session]bool // every session being served, value = outbound
    changed    chan struct{}
}

// New validates opts and returns a stopped handler.
func New(opts Options) (*Handler, error) {
    if opts.ID == "" || opts.Transport == nil || opts.Identity == nil {
        return nil, errors.New("lan: id, transport and identity are required")
    }
    self, err := opts.Identity.ID()
    if err != nil { return nil, err }
    if opts.HandshakeTimeout <= 0 { opts.HandshakeTimeout = DefaultHandshakeTimeout }
    h := &Handler{
        opts:      opts,
        self:      self,
        links:     link.NewManager(self),
        retry:     transport.NewRetrier(opts.Retry),
        available: true,
        targets:   make(map[string]*target),
        conns:     make(map[uuid.UUID]conn),
        live:      make(map[link.Session]bool),
        changed:   make(chan struct{}),
    }
    for _, d := range opts.Dial { h.addTarget(d) }
    return h, nil
}

func (h *Handler) addTarget(d Target) *target {
    if t := h.targets[d.Address]; t != nil { return t }
    key := d.Peer
    if key == uuid.Nil { key = uuid.NewSHA1(uuid.NameSpaceURL, []byte(h.opts.Transport.Kind().String()+"://"+d.Address)) }
    t := &target{addr: d.Address, key: key, peer: d.Peer, wake: make(chan struct{}, 1)}
    h.targets[d.Address] = t
    return t
}

func (h *Handler) ID() transport.HandlerID { return h.opts.ID }

func (h *Handler) Bind(s transport.Sink) { h.sinkMu.Lock(); h.sink = s; h.sinkMu.Unlock() }

func (h *Handler) emit(ev transport.Event) {
    ev.Handler = h.opts.ID
    h.sinkMu.RLock(); s := h.sink; h.sinkMu.RUnlock()
    if s != nil { s(ev) }
}

// State reports availability and the requested roles.
func (h *Handler) State() transport.RoleState {
    h.mu.Lock(); defer h.mu.Unlock()
    return transport.RoleState{Available: h.available, Central: h.wantC, Peripheral: h.wantP}
}

// Retrier exposes the reconnect counters.
func (h *Handler) Retrier() *transport.Retrier { return h.retry }

// StartPeripheral listens on every configured address. At least one
// listener must come up.
func (h *Handler) StartPeripheral(ctx context.Context) error {
    h.mu.Lock()
    defer h.mu.Unlock()
    if !h.available { return transport.NewError(h.opts.ID, uuid.Nil, "start peripheral", transport.ErrHandlerUnavailable) }
    h.wantP = true
    if h.peripheral != nil { return nil }
    r := newRole()
    var errs []error
    for _, addr := range h.opts.Listen {
        l, err := h.opts.Transport.Listen(r.ctx, addr)
        if err != nil {
            zap.L().Error("listen failed", zap.String("handler", string(h.opts.ID)), zap.String("addr", addr), zap.Error(err))
            errs = append(errs, err)
            continue
        }
        zap.L().Info("listening", zap.String("handler", string(h.opts.ID)), zap.Stringer("kind", h.opts.Transport.Kind()), zap.String("addr", l.Addr().String()))
        r.listeners = append(r.listeners, l)
        r.wg.Add(1)
        go func() { defer r.wg.Done(); h.acceptLoop(r, l) }()
    }
    if len(h.opts.Listen) > 0 && len(r.listeners) == 0 {
        r.cancel()
        h.wantP = false
        return transport.NewError(h.opts.ID, uuid.Nil, "start peripheral", errors.Join(errs...))
    }
    h.peripheral = r
    return nil
}

// StartCentral keeps a dial loop running for every target.
func (h *Handler) StartCentral(ctx context.Context) error {
    h.mu.Lock()
    defer h.mu.Unlock()
    if !h.available { return transport.NewError(h.opts.ID, uuid.Nil, "start central", transport.ErrHandlerUnavailable) }
    h.wantC = true
    if h.central != nil { return nil }
    r := newRole()
    h.central = r
    for _, t := range h.targets { h.spawnDial(r, t) }
    return nil
}

func newRole() *role {
    ctx, cancel := context.WithCancel(context.Background())
    return &role{ctx: ctx, cancel: cancel}
}

func (h *Handler) spawnDial(r *role, t *target) {
    r.wg.Add(1)
    go func() { defer r.wg.Done(); h.dialLoop(r.ctx, t) }()
}

func (h *Handler) StopPeripheral() error {
    h.mu.Lock()
    h.wantP = false
    r := h.peripheral
    h.peripheral = nil
    h.mu.Unlock()
    h.halt(r, false)
    return nil
}

func (h *Handler) StopCentral() error {
    h.mu.Lock()
    h.wantC = false
    r := h.central
    h.central = nil
    h.mu.Unlock()
    h.halt(r, true)
    return nil
}

// halt cancels r, closes its listeners and the sessions it opened, and waits
// for its goroutines.
func (h *Handler) halt(r *role, outbound bool) {
    if r == nil { return }
    r.cancel()
    for _, l := range r.listeners { _ = l.Close() }
    h.mu.Lock()
    var drop []link.Session
    for s, out := range h.live { if out == outbound { drop = append(drop, s) } }
    h.mu.Unlock()
    for _, s := range drop { _ = s.Close() }
    r.wg.Wait()
}

// SetAvailable reports the host network going down or coming back. Going
// down drops every link; the requested roles are restarted by whoever owns
// the handler once it is available again.
func (h *Handler) SetAvailable(on bool) {
    h.mu.Lock()
    if h.available == on { h.mu.Unlock(); return }
    h.available = on
    c, p := h.central, h.peripheral
    if !on { h.central, h.peripheral = nil, nil }
    h.mu.Unlock()
    if !on {
        h.halt(c, true)
        h.halt(p, false)
    }
    zap.L().Info("handler availability changed", zap.String("handler", string(h.opts.ID)), zap.Bool("available", on))
    h.emit(transport.Event{Kind: transport.AvailabilityChanged, Available: on})
}

// Connect is the manual connect request: it resets the retry counter for
// address and dials it now, adding it as a target if it is new.
func (h *Handler) Connect(address string) {
    h.mu.Lock()
    t, isNew := h.targets[address], false
    if t == nil { t, isNew = h.addTarget(Target{Address: address}), true }
    r := h.central
    if isNew && r != nil { h.spawnDial(r, t) }
    h.mu.Unlock()
    h.retry.Reset(t.key)
    t.poke()
}

// Send writes b to the canonical link of to.
func (h *Handler) Send(ctx context.Context, b []byte, to transport.Device) error {
    s := h.links.Get(to.UUID)
    if s == nil { return transport.NewError(h.opts.ID, to.UUID, "send", ErrNoSession) }
    st, err := s.Stream(ctx)
    if err != nil { return transport.NewError(h.opts.ID, to.UUID, "send", err) }
    if err := st.SendBytes(b); err != nil { return transport.NewError(h.opts.ID, to.UUID, "send", err) }
    return nil
}

func (h *Handler) acceptLoop(r *role, l link.Listener) {
    for {
        s, err := l.Accept(r.ctx)
        if err != nil {
            if r.ctx.Err() == nil && !errors.Is(err, link.ErrListenerClosed) {
                zap.L().Warn("accept failed", zap.String("handler", string(h.opts.ID)), zap.String("addr", l.Addr().String()), zap.Error(err))
            }
            return
        }
        r.wg.Add(1)
        go func() {
            defer r.wg.Done()
            dev, accepted, err := h.establish(r.ctx, s, uuid.Nil)
            if err != nil {
                zap.L().Warn("inbound link rejected", zap.String("handler", string(h.opts.ID)), zap.Error(err))
                return
            }
            for _, t := range h.targetsFor(dev.UUID) {
                h.retry.Forget(t.key)
                t.poke()
            }
            if accepted { h.serve(s, dev) }
        }()
    }
}

func (h *Handler) targetsFor(id uuid.UUID) []*target {
    h.mu.Lock(); defer h.mu.Unlock()
    var out []*target
    for _, t := range h.targets { if t.expected() == id { out = append(out, t) } }
    return out
}

func (h *Handler) dialLoop(ctx context.Context, t *target) {
    for ctx.Err() == nil {
        if p := t.expected(); p != uuid.Nil && h.links.Get(p) != nil {
            h.waitChange(ctx, t)
            continue
        }
        s, err := h.opts.Transport.Dial(ctx, t.addr)
        var dev transport.Device
        accepted := false
        if err == nil { dev, accepted, err = h.establish(ctx, s, t.expected()) }
        if err != nil {
            if ctx.Err() != nil { return }
            delay, ok := h.retry.Next(t.key)
            if !ok {
                zap.L().Error("giving up on peer until reset", zap.String("handler", string(h.opts.ID)), zap.String("addr", t.addr),
                    zap.Int("attempts", h.retry.Policy().MaxAttempts), zap.Error(err))
                h.emit(transport.Event{Kind: transport.DeviceDisconnected, Device: transport.Device{UUID: t.expected(), Address: t.addr}})
                h.wait(ctx, t.wake, 0)
                continue
            }
            zap.L().Warn("dial failed", zap.String("handler", string(h.opts.ID)), zap.String("addr", t.addr), zap.Duration("retry_in", delay), zap.Error(err))
            h.wait(ctx, t.wake, delay)
            continue
        }
        h.retry.Succeeded(t.key)
        t.mu.Lock(); t.peer = dev.UUID; t.mu.Unlock()
        if accepted {
            h.serve(s, dev)
        } else {
            h.waitChange(ctx, t)
        }
    }
}

// wait sleeps for d (forever when d is 0) unless ctx ends or wake fires.
func (h *Handler) wait(ctx context.Context, wake <-chan struct{}, d time.Duration) {
    var tc <-chan time.Time
    if d > 0 {
        tm := time.NewTimer(d)
        defer tm.Stop()
        tc = tm.C
    }
    select {
    case <-ctx.Done():
    case <-wake:
    case <-tc:
    }
}

func (h *Handler) waitChange(ctx context.Context, t *target) {
    h.mu.Lock(); ch := h.changed; h.mu.Unlock()
    if p := t.expected(); p != uuid.Nil && h.links.Get(p) == nil { return }
    select {
    case <-ctx.Done():
    case <-t.wake:
    case <-ch:
    }
}

// establish runs the hello exchange on s and registers it. accepted is
// false when an existing link to the same device was preferred.
func (h *Handler) establish(ctx context.Context, s link.Session, expect uuid.UUID) (transport.Device, bool, error) {
    hctx, cancel := context.WithTimeout(ctx, h.opts.HandshakeTimeout)
    defer cancel()
    fail := func(err error) (transport.Device, bool, error) {
        _ = s.Close()
        return transport.Device{}, false, err
    }
    st, err := s.Stream(hctx)
    if err != nil { return fail(err) }
    hello, err := handshake.BuildHello(h.opts.NodeName, h.opts.Identity)
    if err != nil { return fail(err) }
    p, err := handshake.Exchange(hctx, st, hello, h.opts.MaxSkew)
    if err != nil { return fail(fmt.Errorf("hello: %w", err)) }
    if p.ID == h.self { return fail(errSelfLink) }
    if expect != uuid.Nil && p.ID != expect { return fail(fmt.Errorf("%w: got %s want %s", ErrPeerMismatch, p.ID, expect)) }

    addr := ""
    if ra := s.RemoteAddr(); ra != nil { addr = ra.String() }
    s.SetPeer(link.PeerInfo{ID: p.ID, Addr: addr})
    dev := transport.Device{UUID: p.ID, DisplayName: p.Name, Address: addr, PublicKey: p.KeyBytes}

    h.mu.Lock()
    defer h.mu.Unlock()
    if ctx.Err() != nil { return fail(ctx.Err()) }
    accepted, old := h.links.Add(s)
    if !accepted {
        zap.L().Debug("duplicate link closed", zap.String("handler", string(h.opts.ID)), zap.String("peer", p.ID.String()), zap.Bool("outbound", s.Outbound()))
        return dev, false, nil
    }
    h.live[s] = s.Outbound()
    h.conns[p.ID] = conn{s: s, dev: dev}
    if old == nil {
        zap.L().Info("peer connected", zap.String("handler", string(h.opts.ID)), zap.String("peer", p.ID.String()),
            zap.String("name", p.Name), zap.Stringer("kind", s.Kind()), zap.Bool("outbound", s.Outbound()))
        h.emit(transport.Event{Kind: transport.DeviceDiscovered, Device: dev})
        h.emit(transport.Event{Kind: transport.DeviceConnected, Device: dev})
        h.emitNearbyLocked()
    }
    return dev, true, nil
}

// serve pumps inbound messages until the session ends.
func (h *Handler) serve(s link.Session, dev transport.Device) {
    st, err := s.Stream(context.Background())
    for err == nil {
        var b []byte
        if b, err = st.RecvBytes(); err == nil {
            h.emit(transport.Event{Kind: transport.DataReceived, Device: dev, Data: b})
        }
    }
    _ = s.Close()

    h.mu.Lock()
    defer h.mu.Unlock()
    delete(h.live, s)
    if !h.links.Remove(s) { return }
    delete(h.conns, dev.UUID)
    zap.L().Info("peer disconnected", zap.String("handler", string(h.opts.ID)), zap.String("peer", dev.UUID.String()), zap.Error(err))
    h.emit(transport.Event{Kind: transport.DeviceDisconnected, Device: dev})
    h.emitNearbyLocked()
    close(h.changed)
    h.changed = make(chan struct{})
}

func (h *Handler) emitNearbyLocked() {
    ids := h.links.Peers()
    nearby := make([]transport.Device, 0, len(ids))
    for _, id := range ids {
        if c, ok := h.conns[id]; ok { nearby = append(nearby, c.dev) }
    }
    h.emit(transport.Event{Kind: transport.NearbySetChanged, Nearby: nearby})
}

// Nearby returns the devices with a live link.
func (h *Handler) Nearby() []transport.Device {
    h.mu.Lock(); defer h.mu.Unlock()
    out := make([]transport.Device, 0, len(h.conns))
    for _, id := range h.links.Peers() {
        if c, ok := h.conns[id]; ok { out = append(out, c.dev) }
    }
    return out
}
