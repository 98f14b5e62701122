// Package registry persists secure-USB device registrations and their usage
// history in sqlite.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/model"
)

// Device is a registered secure USB output device.
type Device struct {
	Serial         string `json:"serial"`
	VendorID       string `json:"vendor_id"`
	ProductID      string `json:"product_id"`
	Label          string `json:"label"`
	Notes          string `json:"notes"`
	RegisteredDate string `json:"registered_date"`
	LastUsed       string `json:"-"`
}

// UsageEntry is one append-only usage record for a registered device.
type UsageEntry struct {
	Timestamp string
	SessionID string
	FileCount int
}

// Registry is the persistent store of registered devices. A single sqlite
// connection serializes writers; readers see committed state only.
type Registry struct {
	db    *sql.DB
	log   *zap.Logger
	trail *audit.Trail
}

const schema = `
CREATE TABLE IF NOT EXISTS secure_usb_devices (
	serial TEXT PRIMARY KEY,
	vendor_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	label TEXT,
	notes TEXT,
	registered_date TEXT,
	last_used TEXT
);
CREATE TABLE IF NOT EXISTS usage_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	serial TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	session_id TEXT,
	file_count INTEGER,
	FOREIGN KEY (serial) REFERENCES secure_usb_devices(serial)
);
`

// Open creates or opens the registry database at dbPath.
func Open(dbPath string, log *zap.Logger, trail *audit.Trail) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite handles are not safe for concurrent writers; one
	// connection gives the single-writer discipline the store needs.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Registry{db: db, log: log, trail: trail}, nil
}

// Close releases the database handle.
func (r *Registry) Close() error { return r.db.Close() }

// Register upserts a device record by serial. An empty label defaults to
// USB_<serial prefix>.
func (r *Registry) Register(ident model.DeviceIdentity, label, notes string) error {
	if label == "" {
		s := ident.Serial
		if len(s) > 8 {
			s = s[:8]
		}
		label = "USB_" + s
	}
	registered := time.Now().Format(time.RFC3339)
	_, err := r.db.Exec(`
		INSERT INTO secure_usb_devices (serial, vendor_id, product_id, label, notes, registered_date, last_used)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(serial) DO UPDATE SET
			vendor_id = excluded.vendor_id,
			product_id = excluded.product_id,
			label = excluded.label,
			notes = excluded.notes,
			registered_date = excluded.registered_date`,
		ident.Serial, ident.VendorID, ident.ProductID, label, notes, registered)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	r.log.Info("registered secure USB",
		zap.String("serial", ident.Serial), zap.String("label", label))
	r.trail.Event(audit.EventSecureUSBRegistered,
		audit.F("serial", ident.Serial), audit.F("label", label))
	return nil
}

// Unregister removes a device and its usage history in one transaction.
func (r *Registry) Unregister(serial string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("unregister device: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM usage_log WHERE serial = ?`, serial); err != nil {
		return fmt.Errorf("delete usage history: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM secure_usb_devices WHERE serial = ?`, serial); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unregister device: %w", err)
	}
	r.log.Info("unregistered secure USB", zap.String("serial", serial))
	r.trail.Event(audit.EventSecureUSBUnregister, audit.F("serial", serial))
	return nil
}

// IsRegistered reports whether serial matches a stored record. When vendorID
// and productID are both supplied they must match too.
func (r *Registry) IsRegistered(serial, vendorID, productID string) bool {
	var (
		count int
		err   error
	)
	if vendorID != "" && productID != "" {
		err = r.db.QueryRow(`
			SELECT COUNT(*) FROM secure_usb_devices
			WHERE serial = ? AND vendor_id = ? AND product_id = ?`,
			serial, vendorID, productID).Scan(&count)
	} else {
		err = r.db.QueryRow(`
			SELECT COUNT(*) FROM secure_usb_devices WHERE serial = ?`,
			serial).Scan(&count)
	}
	if err != nil {
		r.log.Error("registration lookup failed", zap.String("serial", serial), zap.Error(err))
		return false
	}
	return count > 0
}

// Get returns the registered device for serial, or nil.
func (r *Registry) Get(serial string) (*Device, error) {
	row := r.db.QueryRow(`
		SELECT serial, vendor_id, product_id, label, notes, registered_date, COALESCE(last_used, '')
		FROM secure_usb_devices WHERE serial = ?`, serial)
	var d Device
	err := row.Scan(&d.Serial, &d.VendorID, &d.ProductID, &d.Label, &d.Notes, &d.RegisteredDate, &d.LastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// ListAll returns every registered device, newest registration first.
func (r *Registry) ListAll() ([]Device, error) {
	rows, err := r.db.Query(`
		SELECT serial, vendor_id, product_id, label, notes, registered_date, COALESCE(last_used, '')
		FROM secure_usb_devices ORDER BY registered_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.Serial, &d.VendorID, &d.ProductID, &d.Label, &d.Notes, &d.RegisteredDate, &d.LastUsed); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM secure_usb_devices`).Scan(&n); err != nil {
		r.log.Error("device count failed", zap.Error(err))
		return 0
	}
	return n
}

// LogUsage appends a usage entry and stamps last_used. Best-effort: a
// failure here must not fail a transfer that already succeeded, so errors
// are logged and swallowed.
func (r *Registry) LogUsage(serial, sessionID string, fileCount int) {
	ts := time.Now().Format(time.RFC3339)
	tx, err := r.db.Begin()
	if err != nil {
		r.log.Error("usage log failed", zap.String("serial", serial), zap.Error(err))
		return
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`
		INSERT INTO usage_log (serial, timestamp, session_id, file_count)
		VALUES (?, ?, ?, ?)`, serial, ts, sessionID, fileCount); err != nil {
		r.log.Error("usage log failed", zap.String("serial", serial), zap.Error(err))
		return
	}
	if _, err := tx.Exec(`
		UPDATE secure_usb_devices SET last_used = ? WHERE serial = ?`, ts, serial); err != nil {
		r.log.Error("usage log failed", zap.String("serial", serial), zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		r.log.Error("usage log failed", zap.String("serial", serial), zap.Error(err))
		return
	}
	r.log.Info("logged secure USB usage",
		zap.String("serial", serial), zap.String("session", sessionID), zap.Int("files", fileCount))
}

// UsageHistory returns up to limit usage entries for serial, newest first.
func (r *Registry) UsageHistory(serial string, limit int) ([]UsageEntry, error) {
	rows, err := r.db.Query(`
		SELECT timestamp, COALESCE(session_id, ''), COALESCE(file_count, 0)
		FROM usage_log WHERE serial = ?
		ORDER BY timestamp DESC LIMIT ?`, serial, limit)
	if err != nil {
		return nil, fmt.Errorf("usage history: %w", err)
	}
	defer rows.Close()

	var entries []UsageEntry
	for rows.Next() {
		var e UsageEntry
		if err := rows.Scan(&e.Timestamp, &e.SessionID, &e.FileCount); err != nil {
			return nil, fmt.Errorf("scan usage entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
