// Package observability contains logging setup.
package observability

import (
    "fmt"
    "io"
    "os"
    "path/filepath"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"

    "meshbase/pkg/config"
)

// SetupLogger builds a zap.Logger from c, tags every line with the node
// name, installs it as the global logger and redirects the stdlib log
// package. The returned func flushes the logger, closes files and restores
// the previous globals.
func SetupLogger(c config.LogConfig, node string) (*zap.Logger, func(), error) {
    level, err := parseLevel(c.Level)
    if err != nil { return nil, nil, err }

    encCfg := encoderConfig(c.Development, strings.EqualFold(c.Format, "json"))
    var encoder zapcore.Encoder
    if strings.EqualFold(c.Format, "json") {
        encoder = zapcore.NewJSONEncoder(encCfg)
    } else {
        encoder = zapcore.NewConsoleEncoder(encCfg)
    }

    var cores []zapcore.Core
    var closers []io.Closer
    outputs := c.Outputs
    if len(outputs) == 0 { outputs = []string{"stdout"} }
    for _, out := range outputs {
        ws, cl, err := sinkFor(out, c)
        if err != nil {
            for _, x := range closers { _ = x.Close() }
            return nil, nil, err
        }
        if cl != nil { closers = append(closers, cl) }
        cores = append(cores, zapcore.NewCore(encoder, ws, level))
    }

    opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
    if c.Development { opts = append(opts, zap.Development()) }
    if node != "" { opts = append(opts, zap.Fields(zap.String("node", node))) }

    logger := zap.New(zapcore.NewTee(cores...), opts...)
    undoGlobals := zap.ReplaceGlobals(logger)
    undoStd, err := zap.RedirectStdLogAt(logger, zap.InfoLevel)
    if err != nil { undoStd = func() {} }

    return logger, func() {
        _ = logger.Sync()
        undoStd()
        undoGlobals()
        for _, x := range closers { _ = x.Close() }
    }, nil
}

func parseLevel(s string) (zap.AtomicLevel, error) {
    s = strings.ToLower(strings.TrimSpace(s))
    if s == "" { return zap.NewAtomicLevelAt(zap.InfoLevel), nil }
    if s == "warning" { s = "warn" }
    l, err := zapcore.ParseLevel(s)
    if err != nil { return zap.AtomicLevel{}, fmt.Errorf("log level: %w", err) }
    return zap.NewAtomicLevelAt(l), nil
}

// sinkFor maps an output name to a write syncer. File paths rotate through
// lumberjack when rotation is enabled.
func sinkFor(out string, c config.LogConfig) (zapcore.WriteSyncer, io.Closer, error) {
    switch strings.ToLower(out) {
    case "stdout":
        return zapcore.Lock(os.Stdout), nil, nil
    case "stderr":
        return zapcore.Lock(os.Stderr), nil, nil
    }
    if c.Rotation.Enable {
        name := out
        if f := strings.TrimSpace(c.Rotation.Filename); f != "" { name = f }
        lj := &lumberjack.Logger{
            Filename:   name,
            MaxSize:    atLeast(c.Rotation.MaxSizeMB, 10),
            MaxBackups: atLeast(c.Rotation.MaxBackups, 1),
            MaxAge:     atLeast(c.Rotation.MaxAgeDays, 7),
            Compress:   c.Rotation.Compress,
        }
        return zapcore.AddSync(lj), lj, nil
    }
    if dir := filepath.Dir(out); dir != "." {
        if err := os.MkdirAll(dir, 0o755); err != nil { return nil, nil, fmt.Errorf("log output %s: %w", out, err) }
    }
    f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
    if err != nil { return nil, nil, fmt.Errorf("log output %s: %w", out, err) }
    return zapcore.Lock(f), f, nil
}

func encoderConfig(dev, json bool) zapcore.EncoderConfig {
    if !dev { return zap.NewProductionEncoderConfig() }
    cfg := zap.NewDevelopmentEncoderConfig()
    if !json { cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder }
    return cfg
}

func atLeast(v, floor int) int {
    if v < floor { return floor }
    return v
}
