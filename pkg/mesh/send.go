package mesh

import (
    "errors"
    "fmt"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "meshbase/pkg/pipeline"
    "meshbase/pkg/protocol"
    "meshbase/pkg/router"
    "meshbase/pkg/transport"
)

// SendListener receives the outcome of one Send. Callbacks run on the
// dispatch goroutine and must not block; calling Send from them is fine.
//
// OnAck fires at most once, when the neighbor acknowledged the frame.
// OnResponse fires at most once, for request-class sends only, when a frame
// with the same message id comes back from the recipient. OnError replaces
// OnAck when the transport failed or no ack arrived in time.
type SendListener interface {
    OnAck()
    OnResponse(*protocol.Frame)
    OnError(error)
}

// SendHooks adapts plain funcs to SendListener. Nil hooks are skipped.
type SendHooks struct {
    Ack      func()
    Response func(*protocol.Frame)
    Error    func(error)
}

func (h SendHooks) OnAck() { if h.Ack != nil { h.Ack() } }
func (h SendHooks) OnResponse(f *protocol.Frame) { if h.Response != nil { h.Response(f) } }
func (h SendHooks) OnError(err error) { if h.Error != nil { h.Error(err) } }

type sendKey struct {
    id   uint32
    peer uuid.UUID
}

type outstanding struct {
    key        sendKey
    l          SendListener
    response   bool
    acked      bool
    responded  bool
    // respClosed is set when the response deadline passed before the ack;
    // the entry then lives on only for the ack deadline.
    respClosed bool
    ackTimer   *time.Timer
    respTimer  *time.Timer
}

func (e *outstanding) stopTimers() {
    if e.ackTimer != nil { e.ackTimer.Stop() }
    if e.respTimer != nil { e.respTimer.Stop() }
}

func (r *run) table(response bool) map[sendKey]*outstanding {
    if response { return r.responses }
    return r.requests
}

// Send encodes f and queues it for its recipient. It returns an error only
// when the frame cannot be sent at all (manager off, encoding failure,
// reserved recipient); delivery outcomes reach l.
//
// A frame addressed to this device never touches a handler: it is fed to
// the inbound path directly. Sender defaults to this device.
func (m *Manager) Send(f *protocol.Frame, l SendListener, isResponse bool) error {
    if f == nil { return fmt.Errorf("mesh: nil frame") }
    r := m.current()
    if r == nil { return ErrNotRunning }
    fr := *f
    if fr.Sender == uuid.Nil { fr.Sender = m.self }
    if fr.Recipient == protocol.Broadcast { return ErrReservedRecipient }
    b, err := m.reg.Encode(&fr)
    if err != nil { return err }
    if !r.inbox.post(func() { m.dispatchSend(r, &fr, b, l, isResponse) }) { return ErrNotRunning }
    return nil
}

func (m *Manager) dispatchSend(r *run, f *protocol.Frame, b []byte, l SendListener, isResponse bool) {
    if r.closing {
        m.reject(l, f, ErrNotRunning)
        return
    }
    key := sendKey{id: f.MessageID, peer: f.Recipient}
    local := f.Recipient == m.self
    if !local && !m.router.Reachable(f.Recipient) {
        zap.L().Debug("send to non-neighbor", zap.String("to", f.Recipient.String()), zap.Uint32("id", f.MessageID))
        m.reject(l, f, router.ErrNeighborUnreachable)
        return
    }

    var e *outstanding
    if l != nil {
        tbl := r.table(isResponse)
        if _, dup := tbl[key]; dup {
            l.OnError(ErrDuplicateMessageID)
            return
        }
        e = &outstanding{key: key, l: l, response: isResponse}
        e.ackTimer = time.AfterFunc(m.opts.AckTimeout, func() { r.inbox.post(func() { m.ackTimeout(r, e) }) })
        if !isResponse {
            e.respTimer = time.AfterFunc(m.opts.ResponseTimeout, func() { r.inbox.post(func() { m.responseTimeout(r, e) }) })
        }
        tbl[key] = e
        m.holdID(key.id)
    }

    if local {
        // a request must not be matched against its own entry
        m.receive(r, b, m.localDevice(), isResponse, false)
        return
    }
    done := func(err error) {
        if err == nil { return }
        r.inbox.post(func() { m.sendFailed(r, e, f, err) })
    }
    if err := r.pipe.Enqueue(b, f.Recipient, pipeline.Classify(m.reg.IsAck(f.Tag), len(b)), done); err != nil {
        m.sendFailed(r, e, f, err)
    }
}

// reject reports a send that never left this device. Without a listener the
// failure still surfaces as an Error event.
func (m *Manager) reject(l SendListener, f *protocol.Frame, err error) {
    if l != nil {
        l.OnError(err)
        return
    }
    zap.L().Warn("send rejected", zap.String("to", f.Recipient.String()), zap.Uint32("id", f.MessageID), zap.Error(err))
    m.emit(Event{Kind: Error, Err: err, From: transport.Device{UUID: f.Recipient}})
}

func (m *Manager) localDevice() transport.Device {
    pk, _ := m.opts.Identity.PublicKeyBytes()
    return transport.Device{UUID: m.self, PublicKey: pk}
}

func (m *Manager) holdID(id uint32) { m.idMu.Lock(); m.ids[id]++; m.idMu.Unlock() }

func (m *Manager) releaseID(e *outstanding) {
    m.idMu.Lock()
    if m.ids[e.key.id]--; m.ids[e.key.id] <= 0 { delete(m.ids, e.key.id) }
    m.idMu.Unlock()
}

// drop removes e from its table if it is still the live entry.
func (m *Manager) drop(r *run, e *outstanding) bool {
    tbl := r.table(e.response)
    if tbl[e.key] != e { return false }
    delete(tbl, e.key)
    e.stopTimers()
    m.releaseID(e)
    return true
}

func (m *Manager) sendFailed(r *run, e *outstanding, f *protocol.Frame, err error) {
    if errors.Is(err, pipeline.ErrClosed) { err = ErrNotRunning }
    zap.L().Warn("send failed", zap.String("to", f.Recipient.String()), zap.Uint32("id", f.MessageID), zap.Error(err))
    if e == nil {
        m.emit(Event{Kind: Error, Err: err, From: transport.Device{UUID: f.Recipient}})
        return
    }
    if e.acked || !m.drop(r, e) { return }
    e.l.OnError(err)
}

func (m *Manager) ackTimeout(r *run, e *outstanding) {
    if e.acked || !m.drop(r, e) { return }
    zap.L().Warn("no ack before deadline", zap.String("to", e.key.peer.String()), zap.Uint32("id", e.key.id), zap.Duration("timeout", m.opts.AckTimeout))
    e.l.OnError(ErrSendTimeout)
}

func (m *Manager) responseTimeout(r *run, e *outstanding) {
    if e.responded || r.table(e.response)[e.key] != e { return }
    zap.L().Info("no response before deadline", zap.String("to", e.key.peer.String()), zap.Uint32("id", e.key.id), zap.Duration("timeout", m.opts.ResponseTimeout))
    if !e.acked {
        // the ack deadline still decides the outcome
        e.respClosed = true
        return
    }
    m.drop(r, e)
}

// failPeer fails unacknowledged sends to a neighbor that went away.
func (m *Manager) failPeer(peer uuid.UUID) {
    r := m.current()
    if r == nil { return }
    for _, tbl := range []map[sendKey]*outstanding{r.requests, r.responses} {
        for k, e := range tbl {
            if k.peer != peer || e.acked { continue }
            m.drop(r, e)
            e.l.OnError(router.ErrNeighborUnreachable)
        }
    }
}

// onReceive is the router's receive callback; it runs inside Apply, on the
// dispatch goroutine.
func (m *Manager) onReceive(data []byte, from transport.Device, dup bool) {
    r := m.current()
    if r == nil { return }
    m.receive(r, data, from, true, dup)
}

// receive handles one inbound frame. A duplicate is acknowledged again, since
// the sender may have missed the first ack, but is not surfaced twice.
func (m *Manager) receive(r *run, data []byte, from transport.Device, correlate, dup bool) {
    f, err := m.reg.Decode(data)
    if err != nil {
        zap.L().Warn("dropping undecodable frame", zap.String("from", from.UUID.String()), zap.Int("bytes", len(data)), zap.Error(err))
        m.emit(Event{Kind: Error, Err: err, From: from})
        return
    }
    if f.Sender != from.UUID {
        err := fmt.Errorf("%w: sender %s on link from %s", protocol.ErrMalformed, f.Sender, from.UUID)
        zap.L().Warn("dropping frame with forged sender", zap.Error(err))
        m.emit(Event{Kind: Error, Err: err, From: from})
        return
    }
    if f.Recipient != m.self && !f.IsBroadcast() {
        zap.L().Debug("dropping frame for another device", zap.String("to", f.Recipient.String()), zap.String("from", from.UUID.String()))
        return
    }
    key := sendKey{id: f.MessageID, peer: from.UUID}
    if m.reg.IsAck(f.Tag) {
        m.resolveAck(r, key)
        return
    }
    if f.Recipient == m.self { m.sendAck(r, f, from) }
    if correlate {
        if e := r.requests[key]; e != nil && !e.responded && !e.respClosed {
            e.responded = true
            if e.respTimer != nil { e.respTimer.Stop() }
            if e.acked { m.drop(r, e) }
            e.l.OnResponse(f)
            return
        }
    }
    if dup {
        zap.L().Debug("duplicate frame acknowledged again", zap.String("from", from.UUID.String()), zap.Uint32("id", f.MessageID))
        return
    }
    m.emit(Event{Kind: DataReceived, Frame: f, From: from})
}

func (m *Manager) resolveAck(r *run, key sendKey) {
    if e := r.requests[key]; e != nil && !e.acked {
        e.acked = true
        e.ackTimer.Stop()
        if e.responded || e.respClosed { m.drop(r, e) }
        e.l.OnAck()
        return
    }
    if e := r.responses[key]; e != nil {
        e.acked = true
        m.drop(r, e)
        e.l.OnAck()
        return
    }
    zap.L().Debug("unmatched ack", zap.String("from", key.peer.String()), zap.Uint32("id", key.id))
}

// sendAck answers f with an ack frame carrying the same message id.
func (m *Manager) sendAck(r *run, f *protocol.Frame, from transport.Device) {
    ack := &protocol.Frame{Tag: protocol.TagAck, MessageID: f.MessageID, Sender: m.self, Recipient: from.UUID, Body: protocol.Ack{}}
    b, err := m.reg.Encode(ack)
    if err != nil {
        zap.L().Error("cannot encode ack", zap.Error(err))
        return
    }
    if from.UUID == m.self {
        m.receive(r, b, from, true, false)
        return
    }
    done := func(err error) {
        if err != nil { zap.L().Debug("ack not delivered", zap.String("to", from.UUID.String()), zap.Uint32("id", f.MessageID), zap.Error(err)) }
    }
    if err := r.pipe.Enqueue(b, from.UUID, pipeline.Classify(true, len(b)), done); err != nil { done(err) }
}
