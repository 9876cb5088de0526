// Package mesh is the façade over identity, router and transport handlers.
//
// Every handler event, send request, timer and transport completion is
// funnelled into one dispatch goroutine per run (On to Off). Only that
// goroutine touches the neighbor table and the outstanding-send tables;
// callers see snapshots and get results through listeners and Subscribe.
package mesh

import (
    "context"
    "errors"
    "fmt"
    "math/rand/v2"
    "sync"
    "sync/atomic"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "meshbase/pkg/identity"
    "meshbase/pkg/memkv"
    "meshbase/pkg/peers"
    "meshbase/pkg/pipeline"
    "meshbase/pkg/protocol"
    "meshbase/pkg/router"
    "meshbase/pkg/transport"
)

const (
    DefaultAckTimeout      = 10 * time.Second
    DefaultResponseTimeout = 30 * time.Second
    DefaultStartTimeout    = 15 * time.Second
)

// Options configure a Manager. Identity is required.
type Options struct {
    Identity *identity.Engine
    Handlers []transport.Handler
    // Registry decodes inbound frames; nil selects protocol.DefaultRegistry.
    Registry *protocol.Registry

    AckTimeout      time.Duration
    ResponseTimeout time.Duration
    StartTimeout    time.Duration
    DedupTTL        time.Duration

    // Egress shapes outbound traffic per destination.
    Egress pipeline.Options
    // Peers is the key directory; nil creates a private one.
    Peers *peers.Store
}

func (o Options) withDefaults() Options {
    if o.AckTimeout <= 0 { o.AckTimeout = DefaultAckTimeout }
    if o.ResponseTimeout <= 0 { o.ResponseTimeout = DefaultResponseTimeout }
    if o.StartTimeout <= 0 { o.StartTimeout = DefaultStartTimeout }
    if o.DedupTTL <= 0 { o.DedupTTL = router.DefaultDedupTTL }
    if o.Registry == nil { o.Registry = protocol.DefaultRegistry() }
    return o
}

// run is the state of one On..Off cycle.
type run struct {
    inbox *inbox
    pipe  *pipeline.Pipeline
    ctx   context.Context
    stop  context.CancelFunc

    // role restarts running off the dispatch goroutine
    bgMu    sync.Mutex
    halting bool
    bg      sync.WaitGroup

    // owned by the dispatch goroutine
    requests  map[sendKey]*outstanding
    responses map[sendKey]*outstanding
    closing   bool
}

// spawn runs fn on a goroutine the run waits for in halt. It reports false
// once the run is halting.
func (r *run) spawn(fn func()) bool {
    r.bgMu.Lock()
    defer r.bgMu.Unlock()
    if r.halting { return false }
    r.bg.Add(1)
    go func() { defer r.bg.Done(); fn() }()
    return true
}

// halt cancels the run context and waits for every spawned goroutine.
func (r *run) halt() {
    r.bgMu.Lock(); r.halting = true; r.bgMu.Unlock()
    r.stop()
    r.bg.Wait()
}

// Manager composes the identity engine, the router and the handlers.
type Manager struct {
    opts     Options
    self     uuid.UUID
    handlers []transport.Handler
    reg      *protocol.Registry
    router   *router.Router
    peers    *peers.Store
    kv       *memkv.Store

    lifeMu sync.Mutex // serializes On/Off/Close
    runMu  sync.RWMutex
    cur    *run

    status atomic.Pointer[Status]

    subMu sync.Mutex
    sub   *subscription

    idMu sync.Mutex
    ids  map[uint32]int
}

// New builds a stopped manager.
func New(opts Options) (*Manager, error) {
    if opts.Identity == nil { return nil, errors.New("mesh: identity engine required") }
    self, err := opts.Identity.ID()
    if err != nil { return nil, err }
    opts = opts.withDefaults()

    kv := memkv.New(memkv.Options{})
    ps := opts.Peers
    if ps == nil { ps = peers.NewStore(kv, 0) }
    rt, err := router.New(opts.Handlers, router.Options{Dedup: kv, DedupTTL: opts.DedupTTL, Peers: ps})
    if err != nil { kv.Close(); return nil, err }
    opts.Egress.Peers = ps

    m := &Manager{
        opts:     opts,
        self:     self,
        handlers: rt.Handlers(),
        reg:      opts.Registry,
        router:   rt,
        peers:    ps,
        kv:       kv,
        ids:      make(map[uint32]int),
    }
    st := computeStatus(m.handlers)
    m.status.Store(&st)
    rt.OnReceive(m.onReceive)
    for _, h := range m.handlers {
        h.Bind(m.sink)
    }
    return m, nil
}

// Identity returns this device's uuid.
func (m *Manager) Identity() uuid.UUID { return m.self }

// Neighbors returns a snapshot of the neighbor table.
func (m *Manager) Neighbors() []router.Neighbor { return m.router.Neighbors() }

// Peers returns the key directory.
func (m *Manager) Peers() *peers.Store { return m.peers }

// Running reports whether the manager is between On and Off.
func (m *Manager) Running() bool { return m.current() != nil }

func (m *Manager) current() *run {
    m.runMu.RLock(); defer m.runMu.RUnlock()
    return m.cur
}

func (m *Manager) post(fn func()) bool {
    r := m.current()
    return r != nil && r.inbox.post(fn)
}

// sink is bound to every handler; it only queues.
func (m *Manager) sink(ev transport.Event) {
    if !m.post(func() { m.handleEvent(ev) }) {
        zap.L().Debug("dropping handler event while off", zap.String("handler", string(ev.Handler)), zap.Stringer("kind", ev.Kind))
    }
}

// On starts both roles of every handler. It is idempotent. A handler that
// fails to start is reported in Status and as an Error event; On only fails
// when no handler could be started.
func (m *Manager) On(ctx context.Context) error {
    m.lifeMu.Lock()
    defer m.lifeMu.Unlock()
    if m.current() != nil { return nil }

    rctx, stop := context.WithCancel(context.Background())
    r := &run{
        inbox:     newInbox(),
        pipe:      pipeline.New(m.router, m.opts.Egress),
        ctx:       rctx,
        stop:      stop,
        requests:  make(map[sendKey]*outstanding),
        responses: make(map[sendKey]*outstanding),
    }
    go r.inbox.run()
    m.runMu.Lock(); m.cur = r; m.runMu.Unlock()

    sctx, cancel := context.WithTimeout(ctx, m.opts.StartTimeout)
    defer cancel()
    errs := make([]error, len(m.handlers))
    var g errgroup.Group
    for i, h := range m.handlers {
        g.Go(func() error {
            errs[i] = startRoles(sctx, h)
            return errs[i]
        })
    }
    _ = g.Wait()

    var failed []error
    for i, err := range errs {
        if err == nil { continue }
        h := m.handlers[i]
        zap.L().Warn("handler failed to start", zap.String("handler", string(h.ID())), zap.Error(err))
        failed = append(failed, err)
        r.inbox.post(func() { m.emit(Event{Kind: Error, Err: err}) })
    }
    m.sync(r, m.refreshStatus)
    if len(failed) > 0 && len(failed) == len(m.handlers) {
        err := errors.Join(failed...)
        m.shutdown(context.Background())
        return fmt.Errorf("mesh: no handler started: %w", err)
    }
    zap.L().Info("mesh on", zap.String("device", m.self.String()), zap.Int("handlers", len(m.handlers)), zap.Int("failed", len(failed)))
    return nil
}

func startRoles(ctx context.Context, h transport.Handler) error {
    errP := h.StartPeripheral(ctx)
    errC := h.StartCentral(ctx)
    return errors.Join(errP, errC)
}

func stopRoles(h transport.Handler) error {
    return errors.Join(h.StopCentral(), h.StopPeripheral())
}

// sync runs fn on the dispatch goroutine and waits for it.
func (m *Manager) sync(r *run, fn func()) {
    done := make(chan struct{})
    if !r.inbox.post(func() { fn(); close(done) }) { return }
    <-done
}

// Off stops every handler role, cancels in-flight sends, fails pending
// listeners with ErrNotRunning and waits until the dispatch goroutine has
// drained. It is idempotent and safe after a partially failed On.
func (m *Manager) Off(ctx context.Context) error {
    m.lifeMu.Lock()
    defer m.lifeMu.Unlock()
    return m.shutdown(ctx)
}

func (m *Manager) shutdown(ctx context.Context) error {
    r := m.current()
    if r == nil { return nil }

    r.inbox.post(m.router.MarkDisconnecting)
    // a restart still in flight would bring a role back after stopRoles
    r.halt()

    errs := make([]error, len(m.handlers))
    var g errgroup.Group
    for i, h := range m.handlers {
        g.Go(func() error {
            errs[i] = stopRoles(h)
            return nil
        })
    }
    _ = g.Wait()
    r.pipe.Close()

    r.inbox.post(func() { m.teardown(r) })
    m.runMu.Lock(); m.cur = nil; m.runMu.Unlock()
    r.inbox.close()

    select {
    case <-r.inbox.done:
    case <-ctx.Done():
        return fmt.Errorf("mesh: off: %w", ctx.Err())
    }
    for i, err := range errs {
        if err != nil { zap.L().Warn("handler failed to stop", zap.String("handler", string(m.handlers[i].ID())), zap.Error(err)) }
    }
    zap.L().Info("mesh off", zap.String("device", m.self.String()))
    return errors.Join(errs...)
}

// teardown is the last operation of a run.
func (m *Manager) teardown(r *run) {
    r.closing = true
    for _, tbl := range []map[sendKey]*outstanding{r.requests, r.responses} {
        for k, e := range tbl {
            delete(tbl, k)
            m.releaseID(e)
            e.stopTimers()
            if !e.acked && e.l != nil { e.l.OnError(ErrNotRunning) }
        }
    }
    for _, c := range m.router.Clear() { m.emitChange(c) }
    m.refreshStatus()
}

// Close turns the manager off and releases its caches and subscription.
func (m *Manager) Close(ctx context.Context) error {
    err := m.Off(ctx)
    st := m.kv.Metrics()
    zap.L().Info("cache stats", zap.Uint64("keys", st.Keys), zap.Uint64("bytes", st.Bytes),
        zap.Uint64("hits", st.Hits), zap.Uint64("misses", st.Misses), zap.Uint64("expired", st.Expired))
    m.kv.Close()
    m.subMu.Lock(); s := m.sub; m.sub = nil; m.subMu.Unlock()
    if s != nil { s.close() }
    return err
}

func (m *Manager) handleEvent(ev transport.Event) {
    for _, c := range m.router.Apply(ev) { m.emitChange(c) }
    if ev.Kind == transport.AvailabilityChanged { m.availability(ev) }
}

func (m *Manager) emitChange(c router.Change) {
    switch c.Kind {
    case router.NeighborAdded:
        m.emit(Event{Kind: NeighborConnected, Neighbor: c.Neighbor})
    case router.NeighborRemoved:
        m.failPeer(c.Neighbor.Device.UUID)
        m.emit(Event{Kind: NeighborDisconnected, Neighbor: c.Neighbor})
    }
}

func (m *Manager) availability(ev transport.Event) {
    if !ev.Available {
        err := fmt.Errorf("%s: %w", ev.Handler, transport.ErrHandlerUnavailable)
        zap.L().Warn("handler unavailable", zap.String("handler", string(ev.Handler)))
        m.emit(Event{Kind: Error, Err: err})
        m.refreshStatus()
        return
    }
    zap.L().Info("handler available again", zap.String("handler", string(ev.Handler)))
    m.refreshStatus()
    r := m.current()
    if r == nil { return }
    for _, h := range m.handlers {
        if h.ID() != ev.Handler { continue }
        // restart off the dispatch goroutine; handlers may block in Start
        started := r.spawn(func() {
            if r.ctx.Err() != nil { return }
            ctx, cancel := context.WithTimeout(r.ctx, m.opts.StartTimeout)
            defer cancel()
            err := startRoles(ctx, h)
            r.inbox.post(func() {
                if err != nil {
                    zap.L().Warn("handler restart failed", zap.String("handler", string(h.ID())), zap.Error(err))
                    m.emit(Event{Kind: Error, Err: err})
                }
                m.refreshStatus()
            })
        })
        if !started { zap.L().Debug("skipping restart while turning off", zap.String("handler", string(h.ID()))) }
    }
}

// NextMessageID returns a random non-zero id not used by any outstanding
// send of this manager.
func (m *Manager) NextMessageID() uint32 {
    m.idMu.Lock(); defer m.idMu.Unlock()
    for {
        id := rand.Uint32()
        if id != 0 && m.ids[id] == 0 { return id }
    }
}

// EncryptFor seals plaintext for a known peer.
func (m *Manager) EncryptFor(peer uuid.UUID, plaintext []byte) (*identity.Ciphertext, error) {
    pub, err := m.peers.PublicKey(peer)
    if err != nil { return nil, err }
    return identity.Encrypt(plaintext, pub)
}

// Decrypt opens a ciphertext addressed to this device.
func (m *Manager) Decrypt(ct *identity.Ciphertext) ([]byte, error) {
    return m.opts.Identity.Decrypt(ct)
}
