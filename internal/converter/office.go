package converter

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	officeTimeout = 120 * time.Second
)

// convertOffice runs the document through LibreOffice to get a PDF, then
// rasterizes that PDF. The intermediate lives in a temp dir removed on
// every path.
func (e *Engine) convertOffice(path, outputDir, base string) []string {
	tmp, err := os.MkdirTemp("", "usbdefender-office-")
	if err != nil {
		e.log.Error("create temp directory failed", zap.Error(err))
		return nil
	}
	defer os.RemoveAll(tmp)

	ctx, cancel := context.WithTimeout(context.Background(), officeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "soffice",
		"--headless", "--convert-to", "pdf",
		"--outdir", tmp, path)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		e.log.Error("office conversion timed out", zap.String("file", path))
		return nil
	}
	if err != nil {
		e.log.Error("office conversion failed",
			zap.String("file", path),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
		return nil
	}

	pdf := filepath.Join(tmp, base+".pdf")
	if _, err := os.Stat(pdf); err != nil {
		// soffice sometimes mangles the output name; take whatever PDF
		// landed in the temp dir.
		matches, _ := filepath.Glob(filepath.Join(tmp, "*.pdf"))
		if len(matches) == 0 {
			e.log.Error("office conversion produced no PDF", zap.String("file", path))
			return nil
		}
		pdf = matches[0]
	}

	return e.convertPDF(pdf, outputDir, base)
}
