package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
	"github.com/Hara602/usbDefender/internal/model"
)

// localDispatcher copies files to a directory on the kiosk itself.
type localDispatcher struct {
	cfg   config.LocalConfig
	log   *zap.Logger
	trail *audit.Trail
}

func newLocal(cfg config.LocalConfig, log *zap.Logger, trail *audit.Trail) *localDispatcher {
	return &localDispatcher{cfg: cfg, log: log, trail: trail}
}

func (d *localDispatcher) Describe() string {
	return fmt.Sprintf("local:%s", d.cfg.OutputDirectory)
}

func (d *localDispatcher) TestConnection() bool {
	if err := os.MkdirAll(d.cfg.OutputDirectory, 0o755); err != nil {
		d.log.Error("output directory unavailable",
			zap.String("dir", d.cfg.OutputDirectory), zap.Error(err))
		return false
	}
	return true
}

func (d *localDispatcher) Transfer(files []string, sessionID string) []model.TransferResult {
	root := d.cfg.OutputDirectory
	if d.cfg.CreateSessionFolders {
		root = filepath.Join(root, sessionID)
	}

	results := make([]model.TransferResult, 0, len(files))
	for _, src := range files {
		dst := filepath.Join(root, relativeToSession(src, sessionID))
		res := model.TransferResult{SourcePath: src, Destination: dst}

		if err := copyFile(src, dst); err != nil {
			res.Err = err.Error()
			d.log.Error("local transfer failed",
				zap.String("file", src), zap.Error(err))
			d.trail.Event(audit.EventFileTransferred,
				audit.F("source", src),
				audit.F("destination", dst),
				audit.F("status", "FAILED: "+err.Error()))
		} else {
			res.Success = true
			d.trail.Event(audit.EventFileTransferred,
				audit.F("source", src),
				audit.F("destination", dst),
				audit.F("status", "SUCCESS"))
		}
		results = append(results, res)
	}
	return results
}

// copyFile writes dst from src, creating parent directories.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}
