// Package transfer delivers converted images across the trust boundary.
// Each dispatcher owns one delivery channel; the secure USB dispatcher is
// the fail-safe default because it is the only one that verifies the
// destination hardware.
package transfer

import (
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
	"github.com/Hara602/usbDefender/internal/model"
	"github.com/Hara602/usbDefender/internal/registry"
)

// Dispatcher delivers a batch of files for one session.
type Dispatcher interface {
	// Transfer delivers files, returning one result per input in order.
	Transfer(files []string, sessionID string) []model.TransferResult
	// TestConnection reports whether the destination is reachable now.
	TestConnection() bool
	// Describe names the destination for logs and the session summary.
	Describe() string
}

// NewDispatcher selects the dispatcher for the configured method. An
// unrecognized method falls back to secure USB, never to an open path.
func NewDispatcher(cfg *config.Config, reg *registry.Registry, log *zap.Logger, trail *audit.Trail) Dispatcher {
	switch strings.ToLower(cfg.Transfer.Method) {
	case "local":
		return newLocal(cfg.Transfer.Local, log, trail)
	case "network":
		return newNetwork(cfg.Transfer.Network, log, trail)
	case "cloud":
		return newCloud(cfg.Transfer.Cloud, log, trail)
	case "secure_usb":
		return newSecureUSB(cfg.Transfer.SecureUSB, reg, log, trail)
	default:
		log.Warn("unknown transfer method, using secure_usb",
			zap.String("method", cfg.Transfer.Method))
		return newSecureUSB(cfg.Transfer.SecureUSB, reg, log, trail)
	}
}

// relativeToSession strips everything up to and including the sessionID
// path segment so session-relative structure survives the transfer. When
// the segment is absent only the base name is kept.
func relativeToSession(path, sessionID string) string {
	clean := filepath.ToSlash(path)
	marker := "/" + sessionID + "/"
	if i := strings.Index(clean, marker); i >= 0 {
		return filepath.FromSlash(clean[i+len(marker):])
	}
	return filepath.Base(path)
}
