package link

import (
    "bufio"
    "errors"
    "fmt"
    "io"
    "sync"

    varint "github.com/multiformats/go-varint"
)

// MaxMessage bounds one message on a stream: a maximal frame body plus
// header room.
const MaxMessage = 16<<20 + 1024

// ErrMessageTooLarge is returned for messages above MaxMessage.
var ErrMessageTooLarge = errors.New("link: message too large")

// Framed implements Stream over any byte stream with a uvarint length prefix
// per message.
type Framed struct {
    wmu    sync.Mutex
    br     *bufio.Reader
    bw     *bufio.Writer
    closef func() error
    onIO   func()
}

// NewFramed wraps rw. onIO, when non-nil, is called after every completed
// send or receive.
func NewFramed(rw io.ReadWriteCloser, onIO func()) *Framed {
    return &Framed{br: bufio.NewReader(rw), bw: bufio.NewWriter(rw), closef: rw.Close, onIO: onIO}
}

func (f *Framed) SendBytes(b []byte) error {
    if len(b) > MaxMessage { return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(b)) }
    f.wmu.Lock(); defer f.wmu.Unlock()
    if _, err := f.bw.Write(varint.ToUvarint(uint64(len(b)))); err != nil { return err }
    if _, err := f.bw.Write(b); err != nil { return err }
    if err := f.bw.Flush(); err != nil { return err }
    if f.onIO != nil { f.onIO() }
    return nil
}

func (f *Framed) RecvBytes() ([]byte, error) {
    n, err := varint.ReadUvarint(f.br)
    if err != nil { return nil, err }
    if n > MaxMessage { return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n) }
    buf := make([]byte, n)
    if _, err := io.ReadFull(f.br, buf); err != nil { return nil, err }
    if f.onIO != nil { f.onIO() }
    return buf, nil
}

func (f *Framed) Close() error { return f.closef() }
