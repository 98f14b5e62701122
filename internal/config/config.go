package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration, loaded from YAML.
type Config struct {
	Transfer   TransferConfig   `yaml:"transfer"`
	Files      FilesConfig      `yaml:"files"`
	Conversion ConversionConfig `yaml:"conversion"`
	ClamAV     ClamAVConfig     `yaml:"clamav"`
	USB        USBConfig        `yaml:"usb"`
	Kiosk      KioskConfig      `yaml:"kiosk"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TransferConfig struct {
	Method    string          `yaml:"method"` // local, network, cloud, secure_usb
	Local     LocalConfig     `yaml:"local"`
	Network   NetworkConfig   `yaml:"network"`
	Cloud     CloudConfig     `yaml:"cloud"`
	SecureUSB SecureUSBConfig `yaml:"secure_usb"`
}

type LocalConfig struct {
	OutputDirectory      string `yaml:"output_directory"`
	CreateSessionFolders bool   `yaml:"create_session_folders"`
}

type NetworkConfig struct {
	Server         string `yaml:"server"` // //server/share or host
	SharePath      string `yaml:"share_path"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Domain         string `yaml:"domain"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type CloudConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type SecureUSBConfig struct {
	DatabasePath         string `yaml:"database_path"`
	CreateSessionFolders bool   `yaml:"create_session_folders"`
}

type FilesConfig struct {
	MaxSizeMB         int      `yaml:"max_size_mb"`
	MaxTotalSizeMB    int      `yaml:"max_total_size_mb"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	BlockedExtensions []string `yaml:"blocked_extensions"`
}

type ConversionConfig struct {
	OutputFormat   string `yaml:"output_format"` // png or jpeg
	JPEGQuality    int    `yaml:"jpeg_quality"`
	PNGCompression int    `yaml:"png_compression"` // 0-9
	DPI            int    `yaml:"dpi"`
	MaxDimension   int    `yaml:"max_dimension"`
	CreateManifest bool   `yaml:"create_manifest"`
	TempDirectory  string `yaml:"temp_directory"`
}

type ClamAVConfig struct {
	Socket         string `yaml:"socket"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxScanSizeMB  int    `yaml:"max_scan_size_mb"`
	// FailOpen keeps files whose scan errored or whose scanner was
	// unavailable in the pipeline. This favors availability over strict
	// inspection; set false to exclude such files instead.
	FailOpen bool `yaml:"fail_open"`
}

type USBConfig struct {
	MountBase             string `yaml:"mount_base"`
	AutoUnmount           bool   `yaml:"auto_unmount"`
	MountTimeoutSeconds   int    `yaml:"mount_timeout_seconds"`
	UnmountTimeoutSeconds int    `yaml:"unmount_timeout_seconds"`
}

type KioskConfig struct {
	InactivityTimeoutSeconds int `yaml:"inactivity_timeout"`
}

type LoggingConfig struct {
	Directory   string `yaml:"directory"`
	Level       string `yaml:"level"`
	Console     bool   `yaml:"console"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	BackupCount int    `yaml:"backup_count"`
}

// Default returns the built-in configuration, matching a standard kiosk
// install layout.
func Default() Config {
	return Config{
		Transfer: TransferConfig{
			Method: "secure_usb",
			Local: LocalConfig{
				OutputDirectory:      "/var/usb-defender/transfers",
				CreateSessionFolders: true,
			},
			Network: NetworkConfig{
				Domain:         "WORKGROUP",
				TimeoutSeconds: 30,
			},
			Cloud: CloudConfig{
				Region: "us-east-1",
				Prefix: "transfers/",
				UseSSL: true,
			},
			SecureUSB: SecureUSBConfig{
				DatabasePath:         "/etc/usb-defender/secure_usb.db",
				CreateSessionFolders: true,
			},
		},
		Files: FilesConfig{
			MaxSizeMB:      100,
			MaxTotalSizeMB: 500,
			BlockedExtensions: []string{
				"exe", "dll", "so", "sh", "bash", "bat", "cmd", "com",
				"msi", "scr", "js", "vbs", "ps1", "py", "pl", "rb", "jar",
			},
		},
		Conversion: ConversionConfig{
			OutputFormat:   "png",
			JPEGQuality:    95,
			PNGCompression: 6,
			DPI:            150,
			MaxDimension:   2400,
			CreateManifest: true,
			TempDirectory:  "/var/usb-defender/temp",
		},
		ClamAV: ClamAVConfig{
			Socket:         "/var/run/clamav/clamd.ctl",
			TimeoutSeconds: 300,
			MaxScanSizeMB:  400,
			FailOpen:       true,
		},
		USB: USBConfig{
			MountBase:             "/media/usb-defender",
			AutoUnmount:           true,
			MountTimeoutSeconds:   30,
			UnmountTimeoutSeconds: 30,
		},
		Kiosk: KioskConfig{
			InactivityTimeoutSeconds: 120,
		},
		Logging: LoggingConfig{
			Directory:   "/var/log/usb-defender",
			Level:       "info",
			MaxSizeMB:   10,
			BackupCount: 5,
		},
	}
}

// Load reads config from path, applying defaults for absent keys and a small
// set of environment overrides for deploy-time secrets.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("USB_DEFENDER_SMB_PASSWORD"); v != "" {
		cfg.Transfer.Network.Password = strings.TrimSpace(v)
	}
	if v := os.Getenv("USB_DEFENDER_CLOUD_ACCESS_KEY"); v != "" {
		cfg.Transfer.Cloud.AccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("USB_DEFENDER_CLOUD_SECRET_KEY"); v != "" {
		cfg.Transfer.Cloud.SecretKey = strings.TrimSpace(v)
	}
	return cfg, nil
}

// MaxFileSize is the per-file limit in bytes.
func (f FilesConfig) MaxFileSize() int64 { return int64(f.MaxSizeMB) * 1024 * 1024 }

// MaxTotalSize is the aggregate batch limit in bytes.
func (f FilesConfig) MaxTotalSize() int64 { return int64(f.MaxTotalSizeMB) * 1024 * 1024 }

// MaxScanSize is the scan oracle size ceiling in bytes.
func (c ClamAVConfig) MaxScanSize() int64 { return int64(c.MaxScanSizeMB) * 1024 * 1024 }
