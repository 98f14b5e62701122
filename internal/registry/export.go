package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Snapshot is the serialized form of the registry used by export/import.
type Snapshot struct {
	ExportDate  string   `json:"export_date"`
	DeviceCount int      `json:"device_count"`
	Devices     []Device `json:"devices"`
}

// ImportMode selects how ImportSnapshot treats existing registrations.
type ImportMode int

const (
	// ImportMerge upserts imported devices over the existing set.
	ImportMerge ImportMode = iota
	// ImportReplace clears all registrations and usage history first. The
	// clear and the inserts share one transaction so readers never observe
	// a transiently empty registry.
	ImportReplace
)

// ExportAll serializes every registration to JSON.
func (r *Registry) ExportAll() ([]byte, error) {
	devices, err := r.ListAll()
	if err != nil {
		return nil, fmt.Errorf("export registrations: %w", err)
	}
	snap := Snapshot{
		ExportDate:  time.Now().Format(time.RFC3339),
		DeviceCount: len(devices),
		Devices:     devices,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export registrations: %w", err)
	}
	r.log.Info("exported registrations", zap.Int("count", len(devices)))
	return data, nil
}

// ImportSnapshot loads registrations from an exported snapshot. Returns the
// number of devices imported and the number that failed to decode or insert.
func (r *Registry) ImportSnapshot(data []byte, mode ImportMode) (int, int, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, 0, fmt.Errorf("parse snapshot: %w", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("import registrations: %w", err)
	}
	defer tx.Rollback()

	if mode == ImportReplace {
		if _, err := tx.Exec(`DELETE FROM usage_log`); err != nil {
			return 0, 0, fmt.Errorf("clear usage history: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM secure_usb_devices`); err != nil {
			return 0, 0, fmt.Errorf("clear registrations: %w", err)
		}
		r.log.Info("cleared existing registrations for import")
	}

	successful, failed := 0, 0
	for _, d := range snap.Devices {
		if d.Serial == "" {
			failed++
			continue
		}
		registered := d.RegisteredDate
		if registered == "" {
			registered = time.Now().Format(time.RFC3339)
		}
		_, err := tx.Exec(`
			INSERT INTO secure_usb_devices (serial, vendor_id, product_id, label, notes, registered_date, last_used)
			VALUES (?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT(serial) DO UPDATE SET
				vendor_id = excluded.vendor_id,
				product_id = excluded.product_id,
				label = excluded.label,
				notes = excluded.notes,
				registered_date = excluded.registered_date`,
			d.Serial, d.VendorID, d.ProductID, d.Label, d.Notes, registered)
		if err != nil {
			r.log.Error("import device failed", zap.String("serial", d.Serial), zap.Error(err))
			failed++
			continue
		}
		successful++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("import registrations: %w", err)
	}
	r.log.Info("imported registrations",
		zap.Int("successful", successful), zap.Int("failed", failed))
	return successful, failed, nil
}
