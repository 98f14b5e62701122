package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
	"github.com/Hara602/usbDefender/internal/converter"
	"github.com/Hara602/usbDefender/internal/monitor"
	"github.com/Hara602/usbDefender/internal/pipeline"
	"github.com/Hara602/usbDefender/internal/registry"
	"github.com/Hara602/usbDefender/internal/scanner"
	"github.com/Hara602/usbDefender/internal/sysutil"
	"github.com/Hara602/usbDefender/internal/transfer"
	"github.com/Hara602/usbDefender/internal/validator"
	"github.com/Hara602/usbDefender/internal/watcher"
)

func main() {
	configPath := flag.String("config", "/etc/usb-defender/config.yaml", "config file path")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// defaults still apply when the file is absent
		fmt.Fprintf(os.Stderr, "config: %v (using defaults)\n", err)
	}
	if *debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Console = true
	}

	log, err := sysutil.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Netlink uevent 需要 Root 权限
	if os.Geteuid() != 0 {
		log.Fatal("Must run as root (required by Netlink/udisksctl).")
	}

	if args := flag.Args(); len(args) > 0 {
		runAdmin(&cfg, log, args)
		return
	}

	log.Info("🛡️ USB Defender Kiosk Starting...")

	trail, err := audit.Open(cfg.Logging.Directory, log)
	if err != nil {
		log.Fatal("Audit trail init failed", zap.Error(err))
	}
	defer trail.Close()

	reg, err := registry.Open(cfg.Transfer.SecureUSB.DatabasePath, log, trail)
	if err != nil {
		log.Fatal("Registry init failed", zap.Error(err))
	}
	defer reg.Close()

	devWatcher := watcher.New(log)
	mon := monitor.New(cfg.USB, devWatcher, log, trail)
	if err := mon.Start(); err != nil {
		log.Fatal("Monitor init failed", zap.Error(err))
	}
	defer mon.Stop()

	av := scanner.NewClamAV(cfg.ClamAV, log, trail)
	if !av.Available() {
		log.Warn("⚠️ ClamAV not reachable, scan verdicts will be errors",
			zap.Bool("fail_open", cfg.ClamAV.FailOpen))
	}

	conv := converter.New(cfg.Conversion, cfg.Conversion.TempDirectory, log, trail)
	val := validator.New(cfg.Files, log)
	dispatch := transfer.NewDispatcher(&cfg, reg, log, trail)
	log.Info("Transfer destination", zap.String("target", dispatch.Describe()))
	if !dispatch.TestConnection() {
		log.Warn("⚠️ Transfer destination not ready")
	}

	orch := pipeline.New(&cfg, mon, val, av, conv, dispatch, log, trail)
	orch.Start()
	defer orch.Stop()

	// 捕获操作系统信号，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	devEvents := mon.Subscribe()
	for {
		select {
		case ev := <-devEvents:
			dev := ev.Device
			if ev.Type == monitor.DeviceAttached {
				log.Info("✅ USB Connected",
					zap.String("device", dev.DevicePath),
					zap.String("vid", dev.Identity.VendorID),
					zap.String("pid", dev.Identity.ProductID),
					zap.String("product", dev.Product),
					zap.String("type", dev.DeviceType),
				)
			} else {
				log.Info("❌ USB Removed", zap.String("device", dev.DevicePath))
			}

		case p := <-orch.Progress():
			log.Info("Session progress",
				zap.String("stage", p.Stage.String()),
				zap.String("file", p.File),
				zap.Int("percent", p.Percent))

		case <-sigCh:
			log.Info("Shutting down...")
			return
		}
	}
}
