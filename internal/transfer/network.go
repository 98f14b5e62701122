package transfer

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cloudsoda/go-smb2"
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
	"github.com/Hara602/usbDefender/internal/model"
)

// networkDispatcher writes files to an SMB share. One session and one
// share mount cover the whole batch; the session is logged off afterwards
// no matter how many files failed.
type networkDispatcher struct {
	cfg   config.NetworkConfig
	log   *zap.Logger
	trail *audit.Trail
}

func newNetwork(cfg config.NetworkConfig, log *zap.Logger, trail *audit.Trail) *networkDispatcher {
	return &networkDispatcher{cfg: cfg, log: log, trail: trail}
}

func (d *networkDispatcher) Describe() string {
	return fmt.Sprintf("smb://%s/%s", d.serverHost(), d.shareName())
}

func (d *networkDispatcher) timeout() time.Duration {
	if d.cfg.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.cfg.TimeoutSeconds) * time.Second
}

// serverHost extracts the host from either //server/share or a bare host.
func (d *networkDispatcher) serverHost() string {
	s := strings.TrimPrefix(strings.ReplaceAll(d.cfg.Server, "\\", "/"), "//")
	if i := strings.Index(s, "/"); i >= 0 {
		s = s[:i]
	}
	return s
}

// shareName prefers the explicit share path, else the //server/share form.
func (d *networkDispatcher) shareName() string {
	if d.cfg.SharePath != "" {
		return strings.Trim(strings.ReplaceAll(d.cfg.SharePath, "\\", "/"), "/")
	}
	s := strings.TrimPrefix(strings.ReplaceAll(d.cfg.Server, "\\", "/"), "//")
	if i := strings.Index(s, "/"); i >= 0 {
		return strings.Trim(s[i+1:], "/")
	}
	return ""
}

func (d *networkDispatcher) dial(ctx context.Context) (*smb2.Session, *smb2.Share, error) {
	server := d.serverHost()
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "445")
	}

	dialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     d.cfg.Username,
			Password: d.cfg.Password,
			Domain:   d.cfg.Domain,
		},
	}
	session, err := dialer.Dial(ctx, server)
	if err != nil {
		return nil, nil, fmt.Errorf("dial SMB server: %w", err)
	}

	fs, err := session.Mount(d.shareName())
	if err != nil {
		if lerr := session.Logoff(); lerr != nil {
			d.log.Warn("SMB logoff failed", zap.Error(lerr))
		}
		return nil, nil, fmt.Errorf("mount SMB share %q: %w", d.shareName(), err)
	}
	return session, fs, nil
}

func (d *networkDispatcher) TestConnection() bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout())
	defer cancel()

	session, fs, err := d.dial(ctx)
	if err != nil {
		d.log.Error("SMB connection test failed", zap.Error(err))
		return false
	}
	if err := fs.Umount(); err != nil {
		d.log.Warn("SMB unmount failed", zap.Error(err))
	}
	if err := session.Logoff(); err != nil {
		d.log.Warn("SMB logoff failed", zap.Error(err))
	}
	return true
}

func (d *networkDispatcher) Transfer(files []string, sessionID string) []model.TransferResult {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout())
	defer cancel()

	session, fs, err := d.dial(ctx)
	if err != nil {
		d.log.Error("SMB transfer aborted", zap.Error(err))
		return failAll(files, d.Describe(), err, d.trail)
	}
	defer func() {
		if err := fs.Umount(); err != nil {
			d.log.Warn("SMB unmount failed", zap.Error(err))
		}
		if err := session.Logoff(); err != nil {
			d.log.Warn("SMB logoff failed", zap.Error(err))
		}
	}()

	results := make([]model.TransferResult, 0, len(files))
	for _, src := range files {
		rel := path.Join(sessionID, strings.ReplaceAll(relativeToSession(src, sessionID), "\\", "/"))
		res := model.TransferResult{
			SourcePath:  src,
			Destination: d.Describe() + "/" + rel,
		}

		if err := d.uploadOne(fs, src, rel); err != nil {
			res.Err = err.Error()
			d.log.Error("SMB upload failed", zap.String("file", src), zap.Error(err))
			d.trail.Event(audit.EventFileTransferred,
				audit.F("source", src),
				audit.F("destination", res.Destination),
				audit.F("status", "FAILED: "+err.Error()))
		} else {
			res.Success = true
			d.trail.Event(audit.EventFileTransferred,
				audit.F("source", src),
				audit.F("destination", res.Destination),
				audit.F("status", "SUCCESS"))
		}
		results = append(results, res)
	}
	return results
}

func (d *networkDispatcher) uploadOne(fs *smb2.Share, src, rel string) error {
	// Create parents level by level; existing directories are fine.
	parts := strings.Split(path.Dir(rel), "/")
	cur := ""
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		if cur == "" {
			cur = p
		} else {
			cur = cur + "/" + p
		}
		if err := fs.Mkdir(cur, 0o755); err != nil && !os.IsExist(err) {
			d.log.Debug("SMB mkdir", zap.String("dir", cur), zap.Error(err))
		}
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	if err := fs.WriteFile(rel, data, 0o644); err != nil {
		return fmt.Errorf("write remote file: %w", err)
	}
	return nil
}

// failAll marks every file failed with the same cause, used when the
// destination itself is unreachable.
func failAll(files []string, destination string, cause error, trail *audit.Trail) []model.TransferResult {
	results := make([]model.TransferResult, 0, len(files))
	for _, src := range files {
		trail.Event(audit.EventFileTransferred,
			audit.F("source", src),
			audit.F("destination", destination),
			audit.F("status", "FAILED: "+cause.Error()))
		results = append(results, model.TransferResult{
			SourcePath:  src,
			Destination: destination,
			Err:         cause.Error(),
		})
	}
	return results
}
