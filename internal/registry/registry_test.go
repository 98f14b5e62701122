package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/model"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	trail, err := audit.Open(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })

	reg, err := Open(filepath.Join(dir, "secure_usb.db"), zap.NewNop(), trail)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func ident(serial string) model.DeviceIdentity {
	return model.DeviceIdentity{Serial: serial, VendorID: "0781", ProductID: "5581"}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(ident("SN123456789"), "Office Stick", "desk drawer"))

	assert.True(t, reg.IsRegistered("SN123456789", "0781", "5581"))
	assert.False(t, reg.IsRegistered("SN123456789", "dead", "beef"))
	assert.False(t, reg.IsRegistered("UNKNOWN_SERIAL", "", ""))

	dev, err := reg.Get("SN123456789")
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, "Office Stick", dev.Label)
	assert.Equal(t, 1, reg.Count())
}

func TestRegisterDefaultLabel(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(ident("ABCDEFGHIJKL"), "", ""))
	dev, err := reg.Get("ABCDEFGHIJKL")
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, "USB_ABCDEFGH", dev.Label)
}

func TestReRegisterIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(ident("SN1"), "first", ""))
	require.NoError(t, reg.Register(ident("SN1"), "second", "updated"))

	assert.Equal(t, 1, reg.Count())
	dev, err := reg.Get("SN1")
	require.NoError(t, err)
	assert.Equal(t, "second", dev.Label)
	assert.Equal(t, "updated", dev.Notes)
}

func TestUnregisterRemovesUsageHistory(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(ident("SN1"), "", ""))
	reg.LogUsage("SN1", "session_x", 3)
	reg.LogUsage("SN1", "session_y", 1)

	entries, err := reg.UsageHistory("SN1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, reg.Unregister("SN1"))
	assert.False(t, reg.IsRegistered("SN1", "", ""))

	entries, err = reg.UsageHistory("SN1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogUsageStampsLastUsed(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(ident("SN1"), "", ""))
	reg.LogUsage("SN1", "session_z", 5)

	dev, err := reg.Get("SN1")
	require.NoError(t, err)
	assert.NotEmpty(t, dev.LastUsed)

	entries, err := reg.UsageHistory("SN1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "session_z", entries[0].SessionID)
	assert.Equal(t, 5, entries[0].FileCount)
}

func TestGetUnknownReturnsNil(t *testing.T) {
	reg := newTestRegistry(t)
	dev, err := reg.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, dev)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestRegistry(t)
	require.NoError(t, src.Register(ident("SN1"), "one", ""))
	require.NoError(t, src.Register(ident("SN2"), "two", ""))

	data, err := src.ExportAll()
	require.NoError(t, err)

	dst := newTestRegistry(t)
	require.NoError(t, dst.Register(ident("OLD"), "stale", ""))

	ok, failed, err := dst.ImportSnapshot(data, ImportReplace)
	require.NoError(t, err)
	assert.Equal(t, 2, ok)
	assert.Zero(t, failed)

	assert.Equal(t, 2, dst.Count())
	assert.True(t, dst.IsRegistered("SN1", "0781", "5581"))
	assert.True(t, dst.IsRegistered("SN2", "0781", "5581"))
	assert.False(t, dst.IsRegistered("OLD", "", ""))
}

func TestImportMergeKeepsExisting(t *testing.T) {
	src := newTestRegistry(t)
	require.NoError(t, src.Register(ident("SN1"), "one", ""))
	data, err := src.ExportAll()
	require.NoError(t, err)

	dst := newTestRegistry(t)
	require.NoError(t, dst.Register(ident("KEEP"), "keep", ""))

	ok, failed, err := dst.ImportSnapshot(data, ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, 1, ok)
	assert.Zero(t, failed)
	assert.Equal(t, 2, dst.Count())
	assert.True(t, dst.IsRegistered("KEEP", "", ""))
}

func TestImportRejectsGarbage(t *testing.T) {
	reg := newTestRegistry(t)
	_, _, err := reg.ImportSnapshot([]byte("not json"), ImportMerge)
	assert.Error(t, err)
}

func TestImportSkipsEmptySerial(t *testing.T) {
	reg := newTestRegistry(t)
	snap := []byte(`{"export_date":"2026-01-01T00:00:00Z","device_count":2,
		"devices":[{"serial":"","vendor_id":"x","product_id":"y"},
		           {"serial":"SN9","vendor_id":"x","product_id":"y"}]}`)

	ok, failed, err := reg.ImportSnapshot(snap, ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
	assert.True(t, reg.IsRegistered("SN9", "", ""))
}
