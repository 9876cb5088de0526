package link

import (
    "bytes"
    "sort"
    "sync"

    "github.com/google/uuid"
)

// Manager keeps at most one canonical Session per peer and applies a policy
// to deduplicate concurrent inbound/outbound links. Both ends apply the same
// policy, so they converge on the same session without coordination.
type Manager struct {
    local uuid.UUID
    mu    sync.RWMutex
    peers map[uuid.UUID]Session
}

// NewManager returns a manager for the node identified by local.
func NewManager(local uuid.UUID) *Manager {
    return &Manager{local: local, peers: make(map[uuid.UUID]Session)}
}

// Add registers s under its bound peer id. If s loses the election it is
// closed and accepted is false. If s replaces an existing session, the old
// one is returned (already closed).
func (m *Manager) Add(s Session) (accepted bool, old Session) {
    id := s.Peer().ID
    m.mu.Lock()
    cur := m.peers[id]
    if cur == nil {
        m.peers[id] = s
        m.mu.Unlock()
        return true, nil
    }
    if cur == s {
        m.mu.Unlock()
        return true, nil
    }
    if m.better(s, cur) {
        m.peers[id] = s
        m.mu.Unlock()
        _ = cur.Close()
        return true, cur
    }
    m.mu.Unlock()
    _ = s.Close()
    return false, nil
}

// Get returns the canonical session for a peer, or nil.
func (m *Manager) Get(id uuid.UUID) Session {
    m.mu.RLock(); defer m.mu.RUnlock()
    return m.peers[id]
}

// Remove drops s if it is the canonical session of its peer and reports
// whether it was.
func (m *Manager) Remove(s Session) bool {
    id := s.Peer().ID
    m.mu.Lock(); defer m.mu.Unlock()
    if m.peers[id] != s { return false }
    delete(m.peers, id)
    return true
}

// Peers returns the ids with a canonical session, sorted.
func (m *Manager) Peers() []uuid.UUID {
    m.mu.RLock(); defer m.mu.RUnlock()
    out := make([]uuid.UUID, 0, len(m.peers))
    for id := range m.peers { out = append(out, id) }
    sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
    return out
}

// CloseAll closes and forgets every session.
func (m *Manager) CloseAll() {
    m.mu.Lock()
    all := m.peers
    m.peers = make(map[uuid.UUID]Session)
    m.mu.Unlock()
    for _, s := range all { _ = s.Close() }
}

// Preference order across kinds; higher is better.
func baseRank(k Kind) int {
    switch k {
    case KindMem:
        return 120
    case KindQUIC:
        return 100
    case KindTCP:
        return 90
    default:
        return 0
    }
}

// dialer returns the id of the node that opened s.
func (m *Manager) dialer(s Session) uuid.UUID {
    if s.Outbound() { return m.local }
    return s.Peer().ID
}

// better decides whether a should replace b as canonical. Between a
// crossed pair of dials the session opened by the lower id wins on both
// ends; repeated dials from the same side keep the newest.
func (m *Manager) better(a, b Session) bool {
    ra, rb := baseRank(a.Kind()), baseRank(b.Kind())
    if ra != rb { return ra > rb }
    da, db := m.dialer(a), m.dialer(b)
    if da != db { return bytes.Compare(da[:], db[:]) < 0 }
    return a.EstablishedAt().After(b.EstablishedAt())
}
