package priocq

import (
    "bytes"
    "sync"
    "time"

    "github.com/google/uuid"
)

// Class is a priority class: L0 control > L1 realtime > L2 bulk
type Class int

const (
    L0Control Class = iota
    L1Realtime
    L2Bulk
    numClasses
)

func (c Class) String() string {
    switch c {
    case L0Control:
        return "control"
    case L1Realtime:
        return "realtime"
    case L2Bulk:
        return "bulk"
    default:
        return "unknown"
    }
}

// Item is one queued outbound message.
type Item struct {
    Bytes   []byte
    Dest    uuid.UUID
    Size    int
    Class   Class
    Arrived time.Time
    // Done, when set, is called exactly once with the send result.
    Done func(error)
}

// flow implements a DRR queue per destination
type flow struct {
    key     uuid.UUID
    q       []Item
    deficit int
    quantum int
}

type level struct {
    flows map[uuid.UUID]*flow
    order []uuid.UUID // round robin order of non-empty flows
    idx   int
}

// MultiLevelQueue: strict priority between levels, deficit round robin
// between destinations within a level.
type MultiLevelQueue struct {
    mu     sync.Mutex
    lvls   [numClasses]*level
    n      int
    notify chan struct{}
}

func New() *MultiLevelQueue {
    q := &MultiLevelQueue{notify: make(chan struct{}, 1)}
    for i := range q.lvls {
        q.lvls[i] = &level{flows: make(map[uuid.UUID]*flow)}
    }
    return q
}

func chooseQuantum(c Class) int {
    switch c {
    case L0Control:
        return 2048 // small packets, quick turn
    case L1Realtime:
        return 8192
    case L2Bulk:
        return 65536
    default:
        return 4096
    }
}

// Enqueue appends an item to the appropriate class/flow.
func (q *MultiLevelQueue) Enqueue(it Item) {
    if it.Class < 0 || it.Class >= numClasses { it.Class = L1Realtime }
    if it.Size <= 0 { it.Size = len(it.Bytes) }
    q.mu.Lock()
    lvl := q.lvls[it.Class]
    f := lvl.flows[it.Dest]
    if f == nil {
        f = &flow{key: it.Dest, quantum: chooseQuantum(it.Class)}
        lvl.flows[it.Dest] = f
    }
    if len(f.q) == 0 { lvl.order = append(lvl.order, it.Dest) }
    f.q = append(f.q, it)
    q.n++
    q.mu.Unlock()
    select { case q.notify <- struct{}{}: default: }
}

// Len returns the number of queued items.
func (q *MultiLevelQueue) Len() int { q.mu.Lock(); defer q.mu.Unlock(); return q.n }

// Dequeue blocks until an item is available or stop is closed.
func (q *MultiLevelQueue) Dequeue(stop <-chan struct{}) (Item, bool) {
    for {
        if it, ok := q.TryDequeue(); ok { return it, true }
        select {
        case <-stop:
            return Item{}, false
        case <-q.notify:
        }
    }
}

// TryDequeue pops the next item without blocking.
func (q *MultiLevelQueue) TryDequeue() (Item, bool) {
    q.mu.Lock(); defer q.mu.Unlock()
    for li := range q.lvls {
        lvl := q.lvls[li]
        if len(lvl.order) == 0 { continue }
        it := lvl.pop()
        q.n--
        if q.n > 0 { select { case q.notify <- struct{}{}: default: } }
        return it, true
    }
    return Item{}, false
}

// pop runs DRR over the level's non-empty flows; it always returns an item
// because every visit grows the visited flow's deficit.
func (lvl *level) pop() Item {
    for {
        if lvl.idx >= len(lvl.order) { lvl.idx = 0 }
        f := lvl.flows[lvl.order[lvl.idx]]
        if f.q[0].Size > f.deficit {
            f.deficit += f.quantum
            lvl.idx++
            continue
        }
        it := f.q[0]
        f.q[0] = Item{}
        f.q = f.q[1:]
        f.deficit -= it.Size
        if len(f.q) == 0 {
            // empty flows leave the round and forfeit their deficit
            f.deficit = 0
            delete(lvl.flows, f.key)
            lvl.order = append(lvl.order[:lvl.idx], lvl.order[lvl.idx+1:]...)
        }
        return it
    }
}

// Drain removes and returns every queued item, highest class first.
func (q *MultiLevelQueue) Drain() []Item {
    q.mu.Lock(); defer q.mu.Unlock()
    var out []Item
    for _, lvl := range q.lvls {
        for _, k := range lvl.order { out = append(out, lvl.flows[k].q...) }
        lvl.flows = make(map[uuid.UUID]*flow)
        lvl.order = nil
        lvl.idx = 0
    }
    q.n = 0
    return out
}

// Pending returns the queued destinations of a class, for diagnostics.
func (q *MultiLevelQueue) Pending(c Class) []uuid.UUID {
    q.mu.Lock(); defer q.mu.Unlock()
    out := append([]uuid.UUID(nil), q.lvls[c].order...)
    sortUUIDs(out)
    return out
}

func sortUUIDs(ids []uuid.UUID) {
    for i := 1; i < len(ids); i++ {
        for j := i; j > 0 && bytes.Compare(ids[j-1][:], ids[j][:]) > 0; j-- {
            ids[j-1], ids[j] = ids[j], ids[j-1]
        }
    }
}
