package main

import (
    "bytes"
    "path/filepath"
    "strings"
    "testing"

    "github.com/google/uuid"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
    t.Helper()
    cmd := newRootCmd()
    var out bytes.Buffer
    cmd.SetOut(&out)
    cmd.SetErr(&out)
    cmd.SetArgs(args)
    err := cmd.Execute()
    return strings.TrimSpace(out.String()), err
}

func TestKeygenThenFingerprint(t *testing.T) {
    path := filepath.Join(t.TempDir(), "id.pem")
    out, err := execute(t, "keygen", "--out", path)
    require.NoError(t, err)
    id, err := uuid.Parse(out)
    require.NoError(t, err)

    out, err = execute(t, "fingerprint", path)
    require.NoError(t, err)
    assert.Equal(t, id.String(), out)

    _, err = execute(t, "keygen", "--out", path)
    assert.Error(t, err)
}

func TestFingerprintNeedsFile(t *testing.T) {
    _, err := execute(t, "fingerprint")
    assert.Error(t, err)
    _, err = execute(t, "fingerprint", filepath.Join(t.TempDir(), "missing.pem"))
    assert.Error(t, err)
}
