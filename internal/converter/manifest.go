package converter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Hara602/usbDefender/internal/model"
)

type manifestEntry struct {
	SourceFile  string   `json:"source_file"`
	SourcePath  string   `json:"source_path"`
	Success     bool     `json:"success"`
	OutputFiles []string `json:"output_files"`
	OutputPaths []string `json:"output_paths"`
	Error       string   `json:"error,omitempty"`
}

type manifest struct {
	SessionID   string          `json:"session_id"`
	Timestamp   string          `json:"timestamp"`
	TotalFiles  int             `json:"total_files"`
	Successful  int             `json:"successful"`
	Failed      int             `json:"failed"`
	Conversions []manifestEntry `json:"conversions"`
}

// writeManifest records the batch outcome as conversion_manifest.json in
// the session directory.
func writeManifest(sessionDir, sessionID string, results []model.ConversionResult) error {
	m := manifest{
		SessionID:   sessionID,
		Timestamp:   time.Now().Format(time.RFC3339),
		Conversions: make([]manifestEntry, 0, len(results)),
	}
	for _, r := range results {
		entry := manifestEntry{
			SourceFile:  filepath.Base(r.SourcePath),
			SourcePath:  r.SourcePath,
			Success:     r.Success(),
			OutputFiles: make([]string, 0, len(r.Outputs)),
			OutputPaths: r.Outputs,
			Error:       r.Err,
		}
		for _, out := range r.Outputs {
			entry.OutputFiles = append(entry.OutputFiles, filepath.Base(out))
		}
		if entry.Success {
			m.Successful++
		} else {
			m.Failed++
		}
		m.Conversions = append(m.Conversions, entry)
	}
	m.TotalFiles = len(results)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(sessionDir, "conversion_manifest.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
