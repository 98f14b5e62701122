package validator

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/config"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestValidator(cfg config.FilesConfig) *Validator {
	return New(cfg, zap.NewNop())
}

func TestRejectsMissingAndEmptyFiles(t *testing.T) {
	v := newTestValidator(config.Default().Files)

	ok, reason := v.Validate(filepath.Join(t.TempDir(), "ghost.pdf"))
	assert.False(t, ok)
	assert.Equal(t, "File does not exist", reason)

	empty := writeFile(t, "empty.txt", nil)
	ok, reason = v.Validate(empty)
	assert.False(t, ok)
	assert.Equal(t, "File is empty", reason)
}

func TestSizeBoundary(t *testing.T) {
	cfg := config.Default().Files
	cfg.MaxSizeMB = 1
	v := newTestValidator(cfg)

	max := 1 * 1024 * 1024
	atLimit := writeFile(t, "at_limit.txt", bytes.Repeat([]byte("a"), max))
	ok, _ := v.Validate(atLimit)
	assert.True(t, ok, "file exactly at the limit must pass")

	over := writeFile(t, "over.txt", bytes.Repeat([]byte("a"), max+1))
	ok, reason := v.Validate(over)
	assert.False(t, ok)
	assert.Contains(t, reason, "File too large")
}

func TestBlockedExtension(t *testing.T) {
	v := newTestValidator(config.Default().Files)

	path := writeFile(t, "setup.exe", []byte("whatever"))
	ok, reason := v.Validate(path)
	assert.False(t, ok)
	assert.Contains(t, reason, ".exe")
}

func TestAllowListRestrictsEverythingElse(t *testing.T) {
	cfg := config.Default().Files
	cfg.AllowedExtensions = []string{"pdf", "txt"}
	v := newTestValidator(cfg)

	ok, _ := v.Validate(writeFile(t, "notes.txt", []byte("hello")))
	assert.True(t, ok)

	ok, reason := v.Validate(writeFile(t, "photo.jpg", []byte("hello")))
	assert.False(t, ok)
	assert.Contains(t, reason, ".jpg")
}

func TestDisguisedExecutableRejected(t *testing.T) {
	v := newTestValidator(config.Default().Files)

	// PE header behind a document extension
	pe := append([]byte("MZ"), bytes.Repeat([]byte{0x90}, 300)...)
	path := writeFile(t, "invoice.docx", pe)

	ok, reason := v.Validate(path)
	assert.False(t, ok)
	assert.Equal(t, "Executable or script file not allowed", reason)
}

func TestDisguisedElfRejected(t *testing.T) {
	v := newTestValidator(config.Default().Files)

	elf := append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}, bytes.Repeat([]byte{0}, 300)...)
	path := writeFile(t, "report.pdf", elf)

	ok, reason := v.Validate(path)
	assert.False(t, ok)
	assert.Equal(t, "Executable or script file not allowed", reason)
}

func TestShebangScriptRejected(t *testing.T) {
	v := newTestValidator(config.Default().Files)

	path := writeFile(t, "data.txt", []byte("#!/usr/bin/env python\nprint('x')\n"))
	ok, reason := v.Validate(path)
	assert.False(t, ok)
	assert.Equal(t, "Executable or script file not allowed", reason)
}

func TestHonestFilesPass(t *testing.T) {
	v := newTestValidator(config.Default().Files)

	png := append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, bytes.Repeat([]byte{0}, 64)...)
	ok, reason := v.Validate(writeFile(t, "pic.png", png))
	assert.True(t, ok, reason)

	ok, reason = v.Validate(writeFile(t, "plain.txt", []byte("just words\n")))
	assert.True(t, ok, reason)
}

func TestCheckTotalSize(t *testing.T) {
	cfg := config.Default().Files
	cfg.MaxTotalSizeMB = 1
	v := newTestValidator(cfg)

	half := bytes.Repeat([]byte("b"), 600*1024)
	a := writeFile(t, "a.txt", half)
	b := writeFile(t, "b.txt", half)

	ok, total := v.CheckTotalSize([]string{a})
	assert.True(t, ok)
	assert.Equal(t, int64(len(half)), total)

	ok, _ = v.CheckTotalSize([]string{a, b})
	assert.False(t, ok)
}

func TestInfo(t *testing.T) {
	v := newTestValidator(config.Default().Files)

	path := writeFile(t, "doc.txt", []byte("hello world"))
	info := v.Info(path)
	assert.Equal(t, "doc.txt", info.Name)
	assert.Equal(t, "txt", info.Extension)
	assert.Equal(t, int64(11), info.Size)
	assert.NotEmpty(t, info.SizeHuman)
}
