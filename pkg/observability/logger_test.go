package observability

import (
    "encoding/json"
    "os"
    "path/filepath"
    "strings"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/zap"

    "meshbase/pkg/config"
)

func TestSetupLoggerWritesJSONFile(t *testing.T) {
    out := filepath.Join(t.TempDir(), "logs", "node.log")
    logger, done, err := SetupLogger(config.LogConfig{Level: "warning", Format: "json", Outputs: []string{out}}, "alpha")
    require.NoError(t, err)

    zap.L().Info("hidden")
    zap.L().Warn("shown", zap.String("peer", "b"))
    require.Same(t, logger, zap.L())
    done()
    assert.NotSame(t, logger, zap.L())

    raw, err := os.ReadFile(out)
    require.NoError(t, err)
    lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
    require.Len(t, lines, 1)
    var rec map[string]any
    require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
    assert.Equal(t, "shown", rec["msg"])
    assert.Equal(t, "alpha", rec["node"])
    assert.Equal(t, "b", rec["peer"])
}

func TestSetupLoggerRejectsLevel(t *testing.T) {
    _, _, err := SetupLogger(config.LogConfig{Level: "loud"}, "")
    assert.Error(t, err)
}

func TestSetupLoggerRotation(t *testing.T) {
    dir := t.TempDir()
    c := config.LogConfig{Level: "info", Outputs: []string{"ignored.log"},
        Rotation: config.RotationConfig{Enable: true, Filename: filepath.Join(dir, "rot.log")}}
    _, done, err := SetupLogger(c, "")
    require.NoError(t, err)
    zap.L().Info("rotating")
    done()
    _, err = os.Stat(filepath.Join(dir, "rot.log"))
    assert.NoError(t, err)
}
