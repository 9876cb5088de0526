// Package netstack turns handler configuration into running transport
// handlers.
package netstack

import (
    "fmt"
    "strings"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "meshbase/pkg/config"
    "meshbase/pkg/identity"
    "meshbase/pkg/transport"
    "meshbase/pkg/transport/lan"
    "meshbase/pkg/transport/link"
    "meshbase/pkg/transport/link/mem"
    tquic "meshbase/pkg/transport/link/quic"
    ttcp "meshbase/pkg/transport/link/tcp"
)

// Options carry what every handler shares.
type Options struct {
    Identity *identity.Engine
    NodeName string
    Retry    transport.RetryPolicy
    // Mem, when set, is the in-process network used by "mem" handlers.
    Mem *mem.Network
}

// RetryFromConfig converts the retry section.
func RetryFromConfig(c config.RetryConfig) transport.RetryPolicy {
    return transport.RetryPolicy{
        MaxAttempts: c.MaxAttempts,
        Initial:     config.Millis(c.InitialMS),
        Max:         config.Millis(c.MaxMS),
        Jitter:      config.Millis(c.JitterMS),
    }
}

// BuildHandlers constructs one lan handler per config entry. The handlers
// are returned stopped.
func BuildHandlers(cfg []config.HandlerConfig, opts Options) ([]*lan.Handler, error) {
    out := make([]*lan.Handler, 0, len(cfg))
    for _, hc := range cfg {
        tr, err := NewByKind(hc.Kind, opts.Mem)
        if err != nil { return nil, fmt.Errorf("handler %q: %w", hc.ID, err) }
        targets := make([]lan.Target, 0, len(hc.Dial))
        for _, d := range hc.Dial {
            t := lan.Target{Address: d.Address}
            if d.PeerID != "" {
                if t.Peer, err = uuid.Parse(d.PeerID); err != nil {
                    return nil, fmt.Errorf("handler %q: dial %s: peer_id: %w", hc.ID, d.Address, err)
                }
            }
            targets = append(targets, t)
        }
        h, err := lan.New(lan.Options{
            ID:        transport.HandlerID(hc.ID),
            Transport: tr,
            Identity:  opts.Identity,
            NodeName:  opts.NodeName,
            Listen:    hc.Listen,
            Dial:      targets,
            Retry:     opts.Retry,
        })
        if err != nil { return nil, fmt.Errorf("handler %q: %w", hc.ID, err) }
        zap.L().Debug("handler configured", zap.String("handler", hc.ID), zap.Stringer("kind", tr.Kind()),
            zap.Strings("listen", hc.Listen), zap.Int("dial", len(targets)))
        out = append(out, h)
    }
    return out, nil
}

// NewByKind constructs a link transport by string kind.
func NewByKind(kind string, memNet *mem.Network) (link.Transport, error) {
    switch strings.ToLower(kind) {
    case "tcp":
        return ttcp.New(), nil
    case "quic":
        return tquic.New()
    case "mem", "inproc":
        if memNet != nil { return mem.On(memNet), nil }
        return mem.New(), nil
    default:
        return nil, ErrUnknownKind(kind)
    }
}

// ErrUnknownKind is returned for kinds without a transport.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }
