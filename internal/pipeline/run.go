package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/model"
	"github.com/Hara602/usbDefender/internal/transfer"
)

// run executes the stages in order. Every early exit funnels through
// complete so the audit trail always gets a SESSION_ENDED record.
func (o *Orchestrator) run(s *session) {
	if o.cancelled() {
		o.complete(s, false, "cancelled")
		return
	}

	validated := o.validate(s)
	if len(validated) == 0 {
		o.complete(s, false, "no files passed validation")
		return
	}
	if ok, total := o.val.CheckTotalSize(validated); !ok {
		o.log.Warn("batch size limit exceeded", zap.Int64("total", total))
		o.complete(s, false, "selected files exceed the total size limit")
		return
	}

	clean := o.scan(s, validated)
	if len(clean) == 0 {
		o.complete(s, false, "no files passed the malware scan")
		return
	}

	outputs := o.convert(s, clean)
	if len(outputs) == 0 {
		o.complete(s, false, "no files could be converted")
		return
	}

	o.releaseSource(s)

	var results []model.TransferResult
	if delivery, ok := o.dispatch.(secureDelivery); ok {
		target, cancelled := o.awaitSecureMedia(s, delivery)
		if cancelled {
			o.complete(s, false, "cancelled")
			return
		}
		o.setStage(s, model.StageTransferring)
		results = delivery.TransferTo(target, outputs, s.id)
	} else {
		o.setStage(s, model.StageTransferring)
		results = o.dispatch.Transfer(outputs, s.id)
	}

	transferred := 0
	for _, r := range results {
		if r.Success {
			transferred++
		}
	}
	o.mu.Lock()
	s.summary.Transferred = transferred
	s.summary.Destination = o.dispatch.Describe()
	o.mu.Unlock()

	o.cleanupSessionDir(s)

	if transferred == 0 {
		o.complete(s, false, "no files were delivered")
		return
	}
	o.complete(s, true, "")
}

// validate runs every selected file through the validator. Rejected files
// are dropped here and never scanned.
func (o *Orchestrator) validate(s *session) []string {
	o.setStage(s, model.StageValidating)

	var passed []string
	for _, f := range s.files {
		ok, reason := o.val.Validate(f)
		if ok {
			passed = append(passed, f)
			o.step(s, model.StageValidating, filepath.Base(f), 1)
		} else {
			o.log.Warn("file rejected",
				zap.String("file", filepath.Base(f)), zap.String("reason", reason))
			// burn the remaining stage units of the dropped file
			o.step(s, model.StageValidating, filepath.Base(f), 4)
		}
	}
	o.mu.Lock()
	s.summary.Validated = len(passed)
	o.mu.Unlock()
	return passed
}

// scan keeps clean files, drops infected ones, and lets the fail-open
// setting decide what happens to files the oracle could not judge.
func (o *Orchestrator) scan(s *session, files []string) []string {
	o.setStage(s, model.StageScanning)

	var clean []string
	for _, f := range files {
		outcome := o.oracle.Scan(f)
		switch outcome.Status {
		case model.ScanClean:
			clean = append(clean, f)
			o.step(s, model.StageScanning, filepath.Base(f), 1)
		case model.ScanInfected:
			o.log.Warn("infected file excluded",
				zap.String("file", filepath.Base(f)),
				zap.String("threat", outcome.Details))
			o.step(s, model.StageScanning, filepath.Base(f), 3)
		case model.ScanError:
			if o.cfg.ClamAV.FailOpen {
				o.log.Warn("scan inconclusive, keeping file",
					zap.String("file", filepath.Base(f)),
					zap.String("detail", outcome.Details))
				clean = append(clean, f)
				o.step(s, model.StageScanning, filepath.Base(f), 1)
			} else {
				o.log.Warn("scan inconclusive, excluding file",
					zap.String("file", filepath.Base(f)),
					zap.String("detail", outcome.Details))
				o.step(s, model.StageScanning, filepath.Base(f), 3)
			}
		}
	}
	o.mu.Lock()
	s.summary.Clean = len(clean)
	o.mu.Unlock()
	return clean
}

// convert rasterizes the surviving files and collects every produced
// image, plus the manifest when one was written.
func (o *Orchestrator) convert(s *session, files []string) []string {
	o.setStage(s, model.StageConverting)

	results := o.conv.ConvertAll(files, s.id, func(current, total int, name string) {
		o.step(s, model.StageConverting, name, 1)
	})

	var outputs []string
	converted := 0
	for _, r := range results {
		if r.Success() {
			converted++
			outputs = append(outputs, r.Outputs...)
		}
	}
	o.mu.Lock()
	s.summary.Converted = converted
	s.summary.Images = len(outputs)
	o.mu.Unlock()

	if manifest := filepath.Join(o.sessionDir(s), "conversion_manifest.json"); len(outputs) > 0 {
		if _, err := os.Stat(manifest); err == nil {
			outputs = append(outputs, manifest)
		}
	}
	return outputs
}

// awaitSecureMedia parks the session until a registered secure USB shows
// up. Unregistered media is ejected and the wait continues.
func (o *Orchestrator) awaitSecureMedia(s *session, delivery secureDelivery) (*transfer.Target, bool) {
	o.setStage(s, model.StageAwaitingSecureMedia)
	o.log.Info("waiting for registered secure USB", zap.String("session", s.id))

	// media attached before we started waiting still counts
	for _, dev := range o.mon.Devices() {
		if dev.DevicePath != s.devicePath {
			select {
			case o.mediaCh <- dev:
			default:
			}
		}
	}

	for {
		select {
		case <-o.cancelCh:
			return nil, true
		case dev := <-o.mediaCh:
			target, err := o.prepareTarget(dev, delivery)
			if err != nil {
				o.log.Warn("candidate media refused",
					zap.String("device", dev.DevicePath), zap.Error(err))
				if o.cfg.USB.AutoUnmount {
					if uerr := o.mon.Unmount(dev.DevicePath); uerr != nil {
						o.log.Warn("eject failed", zap.String("device", dev.DevicePath), zap.Error(uerr))
					}
				}
				continue
			}
			return target, false
		}
	}
}

// prepareTarget mounts the candidate and checks the registry before any
// write happens.
func (o *Orchestrator) prepareTarget(dev model.Device, delivery secureDelivery) (*transfer.Target, error) {
	mount := dev.MountPoint
	if mount == "" {
		var err error
		mount, err = o.mon.Mount(dev.DevicePath)
		if err != nil {
			return nil, fmt.Errorf("mount candidate: %w", err)
		}
	}
	target := &transfer.Target{
		Identity:   dev.Identity,
		MountPoint: mount,
		BadUSB:     dev.DeviceType == model.DeviceTypeBadUSB,
	}
	if err := delivery.Verify(target); err != nil {
		return nil, err
	}
	return target, nil
}

// releaseSource unmounts the source device once its files are consumed.
func (o *Orchestrator) releaseSource(s *session) {
	if s.devicePath == "" || !o.cfg.USB.AutoUnmount {
		return
	}
	if err := o.mon.Unmount(s.devicePath); err != nil {
		o.log.Warn("source unmount failed",
			zap.String("device", s.devicePath), zap.Error(err))
	}
}

func (o *Orchestrator) sessionDir(s *session) string {
	return filepath.Join(o.cfg.Conversion.TempDirectory, s.id)
}

// cleanupSessionDir removes the converted images from the kiosk once the
// transfer attempt is over.
func (o *Orchestrator) cleanupSessionDir(s *session) {
	dir := o.sessionDir(s)
	if err := os.RemoveAll(dir); err != nil {
		o.log.Warn("session cleanup failed", zap.String("dir", dir), zap.Error(err))
	}
}

// complete finalizes the session and arms the inactivity auto-reset.
func (o *Orchestrator) complete(s *session, success bool, reason string) {
	o.mu.Lock()
	s.stage = model.StageComplete
	s.summary.Success = success
	s.summary.Reason = reason
	s.summary.FinishedAt = time.Now()
	summary := s.summary
	o.lastDone = &summary
	o.mu.Unlock()

	status := "SUCCESS"
	if !success {
		status = "FAILED: " + reason
	}
	o.trail.Event(audit.EventSessionEnded,
		audit.F("session_id", s.id),
		audit.F("status", status),
		audit.F("total", fmt.Sprintf("%d", summary.Total)),
		audit.F("validated", fmt.Sprintf("%d", summary.Validated)),
		audit.F("clean", fmt.Sprintf("%d", summary.Clean)),
		audit.F("converted", fmt.Sprintf("%d", summary.Converted)),
		audit.F("transferred", fmt.Sprintf("%d", summary.Transferred)))
	o.log.Info("session ended",
		zap.String("session", s.id),
		zap.Bool("success", success),
		zap.String("reason", reason))

	select {
	case o.progress <- model.Progress{Stage: model.StageComplete, Percent: 100}:
	default:
	}

	o.armIdleReset()
}

// armIdleReset schedules the automatic return to idle. The reset fires
// only while no media is attached; otherwise it re-arms.
func (o *Orchestrator) armIdleReset() {
	timeout := time.Duration(o.cfg.Kiosk.InactivityTimeoutSeconds) * time.Second
	if timeout <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.idleTick != nil {
		o.idleTick.Stop()
	}
	o.idleTick = time.AfterFunc(timeout, func() {
		if len(o.mon.Devices()) > 0 {
			o.armIdleReset()
			return
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.sess != nil && o.sess.stage == model.StageComplete {
			o.log.Info("inactivity timeout, returning to idle")
			o.clearLocked()
		}
	})
}
