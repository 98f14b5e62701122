// Package pipeline drives one sanitization session at a time through
// validation, scanning, conversion and transfer. Files that fail a stage
// never reach the next one.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
	"github.com/Hara602/usbDefender/internal/model"
	"github.com/Hara602/usbDefender/internal/monitor"
	"github.com/Hara602/usbDefender/internal/scanner"
	"github.com/Hara602/usbDefender/internal/transfer"
	"github.com/Hara602/usbDefender/internal/validator"
)

// DeviceMonitor is the slice of the USB monitor the orchestrator needs.
type DeviceMonitor interface {
	Subscribe() <-chan monitor.Event
	Devices() []model.Device
	Mount(devicePath string) (string, error)
	Unmount(devicePath string) error
}

// Converter rasterizes a batch of files.
type Converter interface {
	ConvertAll(files []string, sessionID string, progress func(current, total int, name string)) []model.ConversionResult
}

// secureDelivery is implemented by the secure USB dispatcher; it lets the
// orchestrator hand over an already attached, mounted target.
type secureDelivery interface {
	Verify(target *transfer.Target) error
	TransferTo(target *transfer.Target, files []string, sessionID string) []model.TransferResult
}

type session struct {
	id         string
	stage      model.Stage
	devicePath string
	files      []string

	// progress accounting: every file owns one unit per stage
	unitsTotal int
	unitsDone  int
	cancelled  bool

	summary model.SessionSummary
}

// Orchestrator owns the session state machine. At most one session is
// active; a second start attempt is refused, not queued.
type Orchestrator struct {
	cfg      *config.Config
	mon      DeviceMonitor
	val      *validator.Validator
	oracle   scanner.Oracle
	conv     Converter
	dispatch transfer.Dispatcher
	log      *zap.Logger
	trail    *audit.Trail

	mu       sync.Mutex
	sess     *session
	lastDone *model.SessionSummary
	idleTick *time.Timer

	progress chan model.Progress
	mediaCh  chan model.Device
	cancelCh chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

func New(cfg *config.Config, mon DeviceMonitor, val *validator.Validator, oracle scanner.Oracle, conv Converter, dispatch transfer.Dispatcher, log *zap.Logger, trail *audit.Trail) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		mon:      mon,
		val:      val,
		oracle:   oracle,
		conv:     conv,
		dispatch: dispatch,
		log:      log,
		trail:    trail,
		progress: make(chan model.Progress, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins forwarding device events into the active session.
func (o *Orchestrator) Start() {
	events := o.mon.Subscribe()
	go func() {
		defer close(o.done)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				o.handleDeviceEvent(ev)
			case <-o.stop:
				return
			}
		}
	}()
}

func (o *Orchestrator) Stop() {
	close(o.stop)
	<-o.done
}

// Progress exposes the per-file progress stream for the UI.
func (o *Orchestrator) Progress() <-chan model.Progress { return o.progress }

// Stage reports the current session stage, StageIdle when none is active.
func (o *Orchestrator) Stage() model.Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return model.StageIdle
	}
	return o.sess.stage
}

// LastSummary returns the most recent completed session, or nil.
func (o *Orchestrator) LastSummary() *model.SessionSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastDone
}

func newSessionID() string {
	return fmt.Sprintf("session_%s_%s",
		time.Now().Format("20060102_150405"), uuid.NewString()[:8])
}

// Begin starts a session over files residing on the device at devicePath.
// It refuses a second concurrent session and suspect source hardware. The
// pipeline runs asynchronously; watch Progress and Stage.
func (o *Orchestrator) Begin(devicePath string, files []string) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("no files selected")
	}

	if devicePath != "" {
		dev, ok := o.lookupDevice(devicePath)
		if !ok {
			return "", fmt.Errorf("source device %s is not attached", devicePath)
		}
		if dev.DeviceType == model.DeviceTypeBadUSB {
			o.trail.Event(audit.EventBadUSBSuspect,
				audit.F("serial", dev.Identity.Serial),
				audit.F("context", "session source"))
			return "", fmt.Errorf("device %s presents suspect interfaces, refusing session", devicePath)
		}
		if dev.MountPoint == "" {
			if _, err := o.mon.Mount(devicePath); err != nil {
				return "", fmt.Errorf("mount source device: %w", err)
			}
		}
	}

	o.mu.Lock()
	if o.sess != nil && o.sess.stage != model.StageComplete {
		o.mu.Unlock()
		return "", fmt.Errorf("a session is already in progress")
	}
	s := &session{
		id:         newSessionID(),
		stage:      model.StageFilesSelected,
		devicePath: devicePath,
		files:      files,
		unitsTotal: len(files) * 4,
	}
	s.summary.SessionID = s.id
	s.summary.Total = len(files)
	o.sess = s
	o.mediaCh = make(chan model.Device, 4)
	o.cancelCh = make(chan struct{})
	o.mu.Unlock()

	o.trail.Event(audit.EventSessionStarted,
		audit.F("session_id", s.id),
		audit.F("source", devicePath),
		audit.F("file_count", fmt.Sprintf("%d", len(files))))
	o.log.Info("session started",
		zap.String("session", s.id), zap.Int("files", len(files)))

	go o.run(s)
	return s.id, nil
}

// Cancel aborts the session. Only stages with no partial output written to
// a destination may be cancelled.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return fmt.Errorf("no active session")
	}
	switch o.sess.stage {
	case model.StageFilesSelected, model.StageAwaitingSecureMedia:
		if !o.sess.cancelled {
			o.sess.cancelled = true
			close(o.cancelCh)
		}
		return nil
	default:
		return fmt.Errorf("cannot cancel during %s", o.sess.stage)
	}
}

// Acknowledge clears a completed session, returning the kiosk to idle.
func (o *Orchestrator) Acknowledge() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return fmt.Errorf("no session to acknowledge")
	}
	if o.sess.stage != model.StageComplete {
		return fmt.Errorf("session still running")
	}
	o.clearLocked()
	return nil
}

func (o *Orchestrator) clearLocked() {
	o.sess = nil
	if o.idleTick != nil {
		o.idleTick.Stop()
		o.idleTick = nil
	}
}

func (o *Orchestrator) lookupDevice(devicePath string) (model.Device, bool) {
	for _, d := range o.mon.Devices() {
		if d.DevicePath == devicePath {
			return d, true
		}
	}
	return model.Device{}, false
}

func (o *Orchestrator) handleDeviceEvent(ev monitor.Event) {
	o.mu.Lock()
	waiting := o.sess != nil && o.sess.stage == model.StageAwaitingSecureMedia
	mediaCh := o.mediaCh
	o.mu.Unlock()

	if !waiting || ev.Type != monitor.DeviceAttached {
		return
	}
	select {
	case mediaCh <- ev.Device:
	default:
	}
}

func (o *Orchestrator) setStage(s *session, stage model.Stage) {
	o.mu.Lock()
	s.stage = stage
	o.mu.Unlock()
	o.log.Info("session stage", zap.String("session", s.id), zap.String("stage", stage.String()))
}

// step advances progress accounting and emits a snapshot. skipped counts
// units a dropped file will never run.
func (o *Orchestrator) step(s *session, stage model.Stage, file string, units int) {
	o.mu.Lock()
	s.unitsDone += units
	if s.unitsDone > s.unitsTotal {
		s.unitsDone = s.unitsTotal
	}
	pct := 100
	if s.unitsTotal > 0 {
		pct = s.unitsDone * 100 / s.unitsTotal
	}
	o.mu.Unlock()

	select {
	case o.progress <- model.Progress{Stage: stage, File: file, Percent: pct}:
	default:
	}
}

func (o *Orchestrator) cancelled() bool {
	select {
	case <-o.cancelCh:
		return true
	default:
		return false
	}
}
