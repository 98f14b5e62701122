package main

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
	"github.com/Hara602/usbDefender/internal/model"
	"github.com/Hara602/usbDefender/internal/registry"
	"github.com/Hara602/usbDefender/internal/scanner"
	"github.com/Hara602/usbDefender/internal/sysutil"
)

const adminUsage = `usage:
  kiosk register <serial> [vendor_id] [product_id] [label] [notes]
  kiosk unregister <serial>
  kiosk list
  kiosk history <serial> [limit]
  kiosk export <file>
  kiosk import <file> [--replace]
  kiosk register-attached [label]
  kiosk update-signatures
`

// runAdmin handles registry maintenance outside kiosk mode.
func runAdmin(cfg *config.Config, log *zap.Logger, args []string) {
	trail, err := audit.Open(cfg.Logging.Directory, log)
	if err != nil {
		log.Fatal("Audit trail init failed", zap.Error(err))
	}
	defer trail.Close()

	if args[0] == "update-signatures" {
		av := scanner.NewClamAV(cfg.ClamAV, log, trail)
		if err := av.UpdateSignatures(); err != nil {
			log.Fatal("Signature update failed", zap.Error(err))
		}
		if info, err := av.SignatureInfo(); err == nil {
			fmt.Println(info)
		}
		return
	}

	reg, err := registry.Open(cfg.Transfer.SecureUSB.DatabasePath, log, trail)
	if err != nil {
		log.Fatal("Registry init failed", zap.Error(err))
	}
	defer reg.Close()

	switch args[0] {
	case "register":
		if len(args) < 2 {
			fail(adminUsage)
		}
		ident := model.DeviceIdentity{Serial: args[1]}
		label, notes := "", ""
		if len(args) > 2 {
			ident.VendorID = args[2]
		}
		if len(args) > 3 {
			ident.ProductID = args[3]
		}
		if len(args) > 4 {
			label = args[4]
		}
		if len(args) > 5 {
			notes = args[5]
		}
		if err := reg.Register(ident, label, notes); err != nil {
			log.Fatal("Register failed", zap.Error(err))
		}
		fmt.Printf("registered %s\n", ident.Serial)

	case "register-attached":
		label := ""
		if len(args) > 1 {
			label = args[1]
		}
		registerAttached(reg, log, label)

	case "unregister":
		if len(args) < 2 {
			fail(adminUsage)
		}
		if err := reg.Unregister(args[1]); err != nil {
			log.Fatal("Unregister failed", zap.Error(err))
		}
		fmt.Printf("unregistered %s\n", args[1])

	case "list":
		devices, err := reg.ListAll()
		if err != nil {
			log.Fatal("List failed", zap.Error(err))
		}
		if len(devices) == 0 {
			fmt.Println("no secure USB devices registered")
			return
		}
		for _, d := range devices {
			fmt.Printf("%-24s %s:%s  %-20s registered %s  last used %s\n",
				d.Serial, d.VendorID, d.ProductID, d.Label, d.RegisteredDate, orDash(d.LastUsed))
		}

	case "history":
		if len(args) < 2 {
			fail(adminUsage)
		}
		limit := 20
		if len(args) > 2 {
			if n, err := strconv.Atoi(args[2]); err == nil {
				limit = n
			}
		}
		entries, err := reg.UsageHistory(args[1], limit)
		if err != nil {
			log.Fatal("History failed", zap.Error(err))
		}
		for _, e := range entries {
			fmt.Printf("%s  session=%s  files=%d\n", e.Timestamp, e.SessionID, e.FileCount)
		}

	case "export":
		if len(args) < 2 {
			fail(adminUsage)
		}
		data, err := reg.ExportAll()
		if err != nil {
			log.Fatal("Export failed", zap.Error(err))
		}
		if err := os.WriteFile(args[1], data, 0o600); err != nil {
			log.Fatal("Export write failed", zap.Error(err))
		}
		fmt.Printf("exported to %s\n", args[1])

	case "import":
		if len(args) < 2 {
			fail(adminUsage)
		}
		mode := registry.ImportMerge
		if len(args) > 2 && args[2] == "--replace" {
			mode = registry.ImportReplace
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			log.Fatal("Import read failed", zap.Error(err))
		}
		ok, failed, err := reg.ImportSnapshot(data, mode)
		if err != nil {
			log.Fatal("Import failed", zap.Error(err))
		}
		fmt.Printf("imported %d devices, %d failed\n", ok, failed)

	default:
		fail(adminUsage)
	}
}

// registerAttached registers the first attached USB device, reading its
// identity from sysfs.
func registerAttached(reg *registry.Registry, log *zap.Logger, label string) {
	for _, m := range sysutil.ListMounts() {
		node := m[0]
		ident, product, ok := sysutil.ResolveIdentity(node)
		if !ok {
			continue
		}
		if ident.Serial == "" || ident.Serial == model.UnknownSerial {
			log.Warn("attached device has no readable serial, skipping",
				zap.String("device", node))
			continue
		}
		if err := reg.Register(ident, label, "registered from attached device "+product); err != nil {
			log.Fatal("Register failed", zap.Error(err))
		}
		fmt.Printf("registered %s (%s)\n", ident.Serial, product)
		return
	}
	fail("no attached USB device with a readable serial found")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func fail(msg string) {
	fmt.Fprint(os.Stderr, msg+"\n")
	os.Exit(1)
}
