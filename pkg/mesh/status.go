package mesh

import "meshbase/pkg/transport"

// HandlerStatus is one handler's entry in Status.
type HandlerStatus struct {
    IsOn       bool
    Available  bool
    Central    bool
    Peripheral bool
}

// Status is the aggregated view: IsOn is true when any handler is on.
type Status struct {
    IsOn       bool
    PerHandler map[transport.HandlerID]HandlerStatus
}

// Equal compares two snapshots.
func (s Status) Equal(o Status) bool {
    if s.IsOn != o.IsOn || len(s.PerHandler) != len(o.PerHandler) { return false }
    for id, h := range s.PerHandler {
        if oh, ok := o.PerHandler[id]; !ok || oh != h { return false }
    }
    return true
}

func computeStatus(hs []transport.Handler) Status {
    st := Status{PerHandler: make(map[transport.HandlerID]HandlerStatus, len(hs))}
    for _, h := range hs {
        rs := h.State()
        e := HandlerStatus{IsOn: rs.On(), Available: rs.Available, Central: rs.Central, Peripheral: rs.Peripheral}
        st.PerHandler[h.ID()] = e
        st.IsOn = st.IsOn || e.IsOn
    }
    return st
}

// Status returns the latest snapshot.
func (m *Manager) Status() Status { return *m.status.Load() }

// refreshStatus recomputes the snapshot and publishes it when it changed.
// Dispatch goroutine only, or with the run stopped.
func (m *Manager) refreshStatus() {
    st := computeStatus(m.handlers)
    if st.Equal(*m.status.Load()) { return }
    m.status.Store(&st)
    m.emit(Event{Kind: StatusChanged, Status: st})
}
