package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
)

func newTrail(t *testing.T) *audit.Trail {
	t.Helper()
	trail, err := audit.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })
	return trail
}

func stage(t *testing.T, sessionID string, rel string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), sessionID, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("image bytes"), 0o644))
	return path
}

func TestRelativeToSession(t *testing.T) {
	assert.Equal(t,
		filepath.FromSlash("doc/doc.png"),
		relativeToSession("/tmp/conv/session_1/doc/doc.png", "session_1"))
	assert.Equal(t, "plain.png",
		relativeToSession("/somewhere/else/plain.png", "session_1"))
}

func TestLocalTransferPreservesStructure(t *testing.T) {
	out := t.TempDir()
	d := newLocal(config.LocalConfig{
		OutputDirectory:      out,
		CreateSessionFolders: true,
	}, zap.NewNop(), newTrail(t))

	src := stage(t, "session_9", "report/report.png")
	results := d.Transfer([]string{src}, "session_9")

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	want := filepath.Join(out, "session_9", "report", "report.png")
	assert.Equal(t, want, results[0].Destination)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "image bytes", string(data))
}

func TestLocalTransferWithoutSessionFolders(t *testing.T) {
	out := t.TempDir()
	d := newLocal(config.LocalConfig{OutputDirectory: out}, zap.NewNop(), newTrail(t))

	src := stage(t, "session_9", "a.png")
	results := d.Transfer([]string{src}, "session_9")

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.FileExists(t, filepath.Join(out, "a.png"))
}

func TestLocalTransferReportsPerFileFailure(t *testing.T) {
	out := t.TempDir()
	d := newLocal(config.LocalConfig{OutputDirectory: out}, zap.NewNop(), newTrail(t))

	good := stage(t, "s", "ok.png")
	missing := filepath.Join(t.TempDir(), "s", "gone.png")
	results := d.Transfer([]string{good, missing}, "s")

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.NotEmpty(t, results[1].Err)
}

func TestLocalTestConnectionCreatesDirectory(t *testing.T) {
	out := filepath.Join(t.TempDir(), "deep", "nested")
	d := newLocal(config.LocalConfig{OutputDirectory: out}, zap.NewNop(), newTrail(t))

	assert.True(t, d.TestConnection())
	assert.DirExists(t, out)
}
