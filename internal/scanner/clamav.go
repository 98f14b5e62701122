package scanner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	clamd "github.com/dutchcoders/go-clamd"
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
	"github.com/Hara602/usbDefender/internal/model"
)

// ClamAV talks to a local clamd daemon over its unix socket.
type ClamAV struct {
	cfg   config.ClamAVConfig
	log   *zap.Logger
	trail *audit.Trail

	mu        sync.Mutex
	cd        *clamd.Clamd
	connected bool
}

// NewClamAV connects to clamd and probes it. An unreachable daemon is not an
// error: the adapter reports unavailable and every scan short-circuits.
func NewClamAV(cfg config.ClamAVConfig, log *zap.Logger, trail *audit.Trail) *ClamAV {
	s := &ClamAV{cfg: cfg, log: log, trail: trail}
	s.connect()
	return s
}

func (s *ClamAV) connect() {
	cd := clamd.NewClamd(s.cfg.Socket)
	if err := cd.Ping(); err != nil {
		s.log.Error("failed to connect to ClamAV daemon",
			zap.String("socket", s.cfg.Socket), zap.Error(err))
		s.mu.Lock()
		s.cd, s.connected = nil, false
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.cd, s.connected = cd, true
	s.mu.Unlock()

	s.log.Info("connected to ClamAV daemon", zap.String("socket", s.cfg.Socket))
	if ch, err := cd.Version(); err == nil {
		for r := range ch {
			s.log.Info("ClamAV version", zap.String("version", r.Raw))
		}
	}
}

func (s *ClamAV) client() *clamd.Clamd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cd
}

// Available probes the daemon.
func (s *ClamAV) Available() bool {
	cd := s.client()
	if cd == nil {
		return false
	}
	return cd.Ping() == nil
}

// Scan inspects one file through clamd's SCAN command.
func (s *ClamAV) Scan(path string) model.ScanOutcome {
	cd := s.client()
	if cd == nil {
		return s.record(path, model.ScanOutcome{Status: model.ScanError, Details: "ClamAV not available"}, "")
	}

	fi, err := os.Stat(path)
	if err != nil {
		return s.record(path, model.ScanOutcome{Status: model.ScanError, Details: "File not found"}, "")
	}
	if fi.Size() > s.cfg.MaxScanSize() {
		// Distinguishable from an ordinary scan error; never treated as
		// clean.
		return s.record(path, model.ScanOutcome{
			Status:  model.ScanError,
			Details: fmt.Sprintf("File too large for scanning (max %d MB)", s.cfg.MaxScanSizeMB),
		}, "")
	}

	s.log.Info("scanning file", zap.String("file", path))
	ch, err := cd.ScanFile(path)
	if err != nil {
		// One reconnect attempt; the scan itself is not retried.
		s.log.Error("lost connection to ClamAV daemon", zap.Error(err))
		s.connect()
		return s.record(path, model.ScanOutcome{Status: model.ScanError, Details: "Connection to antivirus lost"}, "")
	}

	for r := range ch {
		switch r.Status {
		case clamd.RES_OK:
			return s.record(path, model.ScanOutcome{Status: model.ScanClean, Details: "No threats detected"}, "")
		case clamd.RES_FOUND:
			s.log.Warn("threat detected",
				zap.String("file", path), zap.String("threat", r.Description))
			return s.record(path, model.ScanOutcome{
				Status:  model.ScanInfected,
				Details: "Threat detected: " + r.Description,
			}, r.Description)
		case clamd.RES_ERROR, clamd.RES_PARSE_ERROR:
			return s.record(path, model.ScanOutcome{Status: model.ScanError, Details: "Scan error: " + r.Description}, "")
		}
	}
	// clamd 没有返回结果，按 clean 处理（与守护进程行为一致）
	return s.record(path, model.ScanOutcome{Status: model.ScanClean, Details: "No threats detected"}, "")
}

// record audit-logs the outcome and passes it through.
func (s *ClamAV) record(path string, out model.ScanOutcome, threat string) model.ScanOutcome {
	fields := []audit.Field{
		audit.F("file", path),
		audit.F("result", out.Status.String()),
	}
	if threat != "" {
		fields = append(fields, audit.F("details", threat))
	}
	s.trail.Event(audit.EventFileScanned, fields...)
	return out
}

// UpdateSignatures triggers a freshclam refresh. Maintenance path only; not
// part of per-file scanning.
func (s *ClamAV) UpdateSignatures() error {
	s.log.Info("triggering virus signature update")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "systemctl", "restart", "clamav-freshclam").CombinedOutput()
	if err != nil {
		return fmt.Errorf("trigger signature update: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SignatureInfo returns clamd's stats block, or an error when unavailable.
func (s *ClamAV) SignatureInfo() (string, error) {
	cd := s.client()
	if cd == nil {
		return "", fmt.Errorf("ClamAV not available")
	}
	stats, err := cd.Stats()
	if err != nil {
		return "", fmt.Errorf("get signature info: %w", err)
	}
	return fmt.Sprintf("pools=%s threads=%s queue=%s memstats=%s",
		stats.Pools, stats.Threads, stats.Queue, stats.Memstats), nil
}
