// Package converter neutralizes file content by rasterizing everything to
// flat images: office documents through an intermediate PDF, PDFs page by
// page, images by re-encoding, and plain text by rendering it. Whatever
// active content a file carried does not survive the transform.
package converter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
	"github.com/Hara602/usbDefender/internal/model"
)

// format families
type family int

const (
	familyUnsupported family = iota
	familyOffice
	familyPDF
	familyImage
	familyText
)

var officeExtensions = map[string]bool{
	"doc": true, "docx": true, "odt": true,
	"xls": true, "xlsx": true, "ods": true,
	"ppt": true, "pptx": true, "odp": true,
	"rtf": true,
}

var imageExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"bmp": true, "tiff": true, "tif": true,
}

// Engine converts accepted, clean files into raster images.
type Engine struct {
	cfg        config.ConversionConfig
	outputBase string
	log        *zap.Logger
	trail      *audit.Trail
}

// ProgressFunc reports batch progress after each file.
type ProgressFunc func(current, total int, name string)

// New builds an engine writing beneath outputBase.
func New(cfg config.ConversionConfig, outputBase string, log *zap.Logger, trail *audit.Trail) *Engine {
	return &Engine{cfg: cfg, outputBase: outputBase, log: log, trail: trail}
}

// detectFamily dispatches on sniffed content first and falls back to the
// extension for formats magic bytes cannot separate (office zips, text).
func detectFamily(path string) family {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))

	if kind, err := filetype.MatchFile(path); err == nil && kind != filetype.Unknown {
		switch kind {
		case matchers.TypePdf:
			return familyPDF
		case matchers.TypeJpeg, matchers.TypePng, matchers.TypeGif, matchers.TypeBmp, matchers.TypeTiff:
			return familyImage
		}
		// Office container formats sniff as zip (docx/xlsx/pptx) or as
		// legacy OLE; fall through to the extension in that case.
	}

	switch {
	case officeExtensions[ext]:
		return familyOffice
	case ext == "pdf":
		return familyPDF
	case imageExtensions[ext]:
		return familyImage
	case ext == "txt":
		return familyText
	default:
		return familyUnsupported
	}
}

// Convert turns one file into images inside outputDir. An empty result
// means failure; partial output never escapes.
func (e *Engine) Convert(path, outputDir string) []string {
	if _, err := os.Stat(path); err != nil {
		e.log.Error("input file not found", zap.String("file", path))
		return nil
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		e.log.Error("create output directory failed", zap.String("dir", outputDir), zap.Error(err))
		return nil
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	e.log.Info("converting file",
		zap.String("file", filepath.Base(path)))

	switch detectFamily(path) {
	case familyOffice:
		return e.convertOffice(path, outputDir, base)
	case familyPDF:
		return e.convertPDF(path, outputDir, base)
	case familyImage:
		return e.convertImage(path, outputDir, base)
	case familyText:
		return e.convertText(path, outputDir, base)
	default:
		e.log.Warn("unsupported file type", zap.String("file", path))
		return nil
	}
}

// ConvertAll converts a batch under outputBase/<sessionID>, reporting
// progress after each file and writing the JSON manifest when configured.
func (e *Engine) ConvertAll(files []string, sessionID string, progress func(current, total int, name string)) []model.ConversionResult {
	e.log.Info("converting files",
		zap.Int("count", len(files)), zap.String("session", sessionID))

	sessionDir := filepath.Join(e.outputBase, sessionID)
	results := make([]model.ConversionResult, 0, len(files))

	for i, path := range files {
		if progress != nil {
			progress(i+1, len(files), filepath.Base(path))
		}

		res := model.ConversionResult{SourcePath: path}
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		outputs := e.Convert(path, filepath.Join(sessionDir, base))

		if len(outputs) > 0 {
			res.Outputs = outputs
			e.log.Info("converted",
				zap.String("file", filepath.Base(path)), zap.Int("images", len(outputs)))
			for _, out := range outputs {
				e.trail.Event(audit.EventFileConverted,
					audit.F("source", path),
					audit.F("destination", out),
					audit.F("status", "SUCCESS"))
			}
		} else {
			res.Err = "Conversion produced no output"
			e.log.Error("conversion failed", zap.String("file", filepath.Base(path)))
			e.trail.Event(audit.EventFileConverted,
				audit.F("source", path),
				audit.F("status", "FAILED: No output"))
		}
		results = append(results, res)
	}

	if e.cfg.CreateManifest {
		// Manifest failure never fails a conversion batch.
		if err := writeManifest(sessionDir, sessionID, results); err != nil {
			e.log.Error("manifest write failed", zap.Error(err))
		}
	}

	successful := 0
	for _, r := range results {
		if r.Success() {
			successful++
		}
	}
	e.log.Info("conversion complete",
		zap.Int("successful", successful), zap.Int("total", len(files)))
	return results
}

// ext returns the configured output extension.
func (e *Engine) ext() string {
	f := strings.ToLower(e.cfg.OutputFormat)
	if f == "jpg" {
		f = "jpeg"
	}
	if f != "jpeg" && f != "png" {
		f = "png"
	}
	return f
}

func outputName(dir, base, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s", base, ext))
}
