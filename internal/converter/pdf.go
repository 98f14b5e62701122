package converter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const pdfTimeout = 180 * time.Second

// convertPDF rasterizes every page with ImageMagick. A single-page
// document gets the plain base name instead of a page suffix.
func (e *Engine) convertPDF(path, outputDir, base string) []string {
	ext := e.ext()
	pattern := filepath.Join(outputDir, fmt.Sprintf("%s_%%03d.%s", base, ext))

	ctx, cancel := context.WithTimeout(context.Background(), pdfTimeout)
	defer cancel()

	args := []string{
		"-density", fmt.Sprintf("%d", e.cfg.DPI),
		"-quality", fmt.Sprintf("%d", e.cfg.JPEGQuality),
		path, pattern,
	}
	cmd := exec.CommandContext(ctx, "convert", args...)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		e.log.Error("pdf rasterization timed out", zap.String("file", path))
		return nil
	}
	if err != nil {
		e.log.Error("pdf rasterization failed",
			zap.String("file", path),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
		return nil
	}

	pages, err := filepath.Glob(filepath.Join(outputDir, fmt.Sprintf("%s_*.%s", base, ext)))
	if err != nil || len(pages) == 0 {
		e.log.Error("pdf rasterization produced no pages", zap.String("file", path))
		return nil
	}
	sort.Strings(pages)

	return normalizePages(pages, outputDir, base, ext)
}

// normalizePages renames a lone page to base.ext so single-page documents
// keep a clean name. Multi-page sets keep numbered names.
func normalizePages(pages []string, outputDir, base, ext string) []string {
	if len(pages) != 1 {
		return pages
	}
	single := outputName(outputDir, base, ext)
	if err := os.Rename(pages[0], single); err != nil {
		return pages
	}
	return []string{single}
}
