package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "meshbase/pkg/config"
    netstack "meshbase/pkg/core/netstack"
    "meshbase/pkg/identity"
    "meshbase/pkg/mesh"
    "meshbase/pkg/observability"
    "meshbase/pkg/pipeline"
    "meshbase/pkg/protocol"
    "meshbase/pkg/transport"
)

// run is the main entry point after CLI parsing.
func run(parent context.Context, opts Options) error {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil { return fmt.Errorf("load config: %w", err) }

    _, flush, err := observability.SetupLogger(cfg.Log, cfg.NodeName)
    if err != nil { return fmt.Errorf("setup logger: %w", err) }
    defer flush()

    zap.L().Info("meshnode starting", zap.String("app", cfg.AppName))

    id, err := identity.LoadOrGenerate(cfg.Identity)
    if err != nil { return fmt.Errorf("identity: %w", err) }

    lans, err := netstack.BuildHandlers(cfg.Handlers, netstack.Options{
        Identity: id,
        NodeName: cfg.NodeName,
        Retry:    netstack.RetryFromConfig(cfg.Retry),
    })
    if err != nil { return err }
    hs := make([]transport.Handler, len(lans))
    for i, h := range lans { hs[i] = h }

    m, err := mesh.New(mesh.Options{
        Identity:        id,
        Handlers:        hs,
        AckTimeout:      config.Millis(cfg.Mesh.AckTimeoutMS),
        ResponseTimeout: config.Millis(cfg.Mesh.ResponseTimeoutMS),
        StartTimeout:    config.Millis(cfg.Mesh.StartTimeoutMS),
        DedupTTL:        config.Millis(cfg.Mesh.DedupTTLMS),
        Egress:          pipeline.Options{RateBytesPerSec: cfg.Egress.RateBytesPerSec, BurstBytes: cfg.Egress.BurstBytes},
    })
    if err != nil { return err }

    if parent == nil { parent = context.Background() }
    ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
    defer stop()

    events := m.Subscribe()
    if err := m.On(ctx); err != nil { return err }
    zap.L().Info("node is running; press Ctrl+C to exit", zap.String("device", m.Identity().String()))

    for {
        select {
        case <-ctx.Done():
            offCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
            defer cancel()
            logPeers(m)
            return m.Close(offCtx)
        case ev, ok := <-events:
            if !ok { return nil }
            handleEvent(m, ev, opts)
        }
    }
}

func handleEvent(m *mesh.Manager, ev mesh.Event, opts Options) {
    switch ev.Kind {
    case mesh.StatusChanged:
        zap.L().Info("status", zap.Bool("on", ev.Status.IsOn), zap.Any("handlers", ev.Status.PerHandler))
    case mesh.NeighborConnected:
        n := ev.Neighbor
        zap.L().Info("neighbor up", zap.Stringer("device", n.Device), zap.String("via", string(n.Handler)))
        if opts.Greet != "" { greet(m, n.Device, opts.Greet) }
    case mesh.NeighborDisconnected:
        zap.L().Info("neighbor down", zap.Stringer("device", ev.Neighbor.Device))
    case mesh.DataReceived:
        f := ev.Frame
        zap.L().Info("frame", zap.Stringer("frame", f), zap.Any("body", f.Body))
        if msg, ok := f.Body.(protocol.Message); ok && opts.Echo && f.Tag == protocol.TagSend {
            reply := &protocol.Frame{Tag: protocol.TagReceive, MessageID: f.MessageID, Recipient: f.Sender,
                Body: protocol.Message{Command: msg.Command, Destination: f.Sender, Msg: msg.Msg}}
            if err := m.Send(reply, logListener(reply), true); err != nil {
                zap.L().Warn("echo failed", zap.Error(err))
            }
        }
    case mesh.Error:
        zap.L().Warn(mesh.Describe(ev.Err), zap.Error(ev.Err))
    }
}

func logPeers(m *mesh.Manager) {
    for _, r := range m.Peers().List() {
        zap.L().Info("peer", zap.String("id", r.ID.String()), zap.String("name", r.Name),
            zap.Uint64("msgs_in", r.MsgsIn), zap.Uint64("msgs_out", r.MsgsOut), zap.Duration("expires_in", r.ExpiresIn))
    }
}

func greet(m *mesh.Manager, to transport.Device, text string) {
    f := &protocol.Frame{Tag: protocol.TagSend, MessageID: m.NextMessageID(), Recipient: to.UUID,
        Body: protocol.Message{Destination: to.UUID, Msg: text}}
    if err := m.Send(f, logListener(f), false); err != nil {
        zap.L().Warn("greeting failed", zap.Error(err))
    }
}

func logListener(f *protocol.Frame) mesh.SendListener {
    return mesh.SendHooks{
        Ack: func() { zap.L().Debug("acked", zap.Stringer("frame", f)) },
        Response: func(r *protocol.Frame) {
            zap.L().Info("response", zap.Uint32("id", r.MessageID), zap.Any("body", r.Body))
        },
        Error: func(err error) { zap.L().Warn(mesh.Describe(err), zap.Stringer("frame", f), zap.Error(err)) },
    }
}
