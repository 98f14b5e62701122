// Package audit writes the append-only compliance event stream. Events are
// plain "TAG | key=value | key=value" lines; the file is the system of
// record, so write failures are reported on the application logger rather
// than dropped silently.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event tags.
const (
	EventUSBInserted          = "USB_INSERTED"
	EventUSBRemoved           = "USB_REMOVED"
	EventFileScanned          = "FILE_SCANNED"
	EventFileConverted        = "FILE_CONVERTED"
	EventFileTransferred      = "FILE_TRANSFERRED"
	EventSessionStarted       = "SESSION_STARTED"
	EventSessionEnded         = "SESSION_ENDED"
	EventSecureUSBRegistered  = "SECURE_USB_REGISTERED"
	EventSecureUSBUnregister  = "SECURE_USB_UNREGISTERED"
	EventUnregisteredUSBBlock = "UNREGISTERED_USB_BLOCKED"
	EventBadUSBSuspect        = "BADUSB_SUSPECT"
)

// Field is one key=value context pair. Order is preserved in the output.
type Field struct {
	Key   string
	Value string
}

func F(key, value string) Field { return Field{Key: key, Value: value} }

// Trail is the audit event sink. The stream is a plain file, not a zap
// sink, because the contract requires observing each write's error and zap
// cores swallow sink failures.
type Trail struct {
	mu       sync.Mutex
	f        *os.File
	fallback *zap.Logger
}

// Open creates or appends to audit.log inside dir. The audit log never
// rotates.
func Open(dir string, fallback *zap.Logger) (*Trail, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Trail{f: f, fallback: fallback}, nil
}

// Event appends one audit record. Failures go to the secondary channel.
func (t *Trail) Event(tag string, fields ...Field) {
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString(" - ")
	b.WriteString(tag)
	for _, f := range fields {
		b.WriteString(" | ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(f.Value)
	}
	b.WriteString("\n")

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.f.WriteString(b.String()); err != nil {
		t.fallback.Error("audit write failed", zap.String("tag", tag), zap.Error(err))
		return
	}
	if err := t.f.Sync(); err != nil {
		t.fallback.Error("audit sync failed", zap.String("tag", tag), zap.Error(err))
	}
}

// Close releases the underlying file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}
