// Package validator gates files before any heavier processing: size limits,
// extension allow/deny lists, and content-sniffed MIME checks that catch
// executables disguised behind harmless extensions.
package validator

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/h2non/filetype"
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/config"
)

// dangerousMIMETypes identifies executables, shared libraries, and script
// interpreters. Matched against the sniffed type, never the extension.
var dangerousMIMETypes = map[string]bool{
	"application/x-executable":                     true,
	"application/x-sharedlib":                      true,
	"application/x-mach-binary":                    true,
	"application/vnd.microsoft.portable-executable": true,
	"application/x-msdownload":                     true,
	"application/x-ms-dos-executable":              true,
	"application/x-dosexec":                        true,
	"application/x-sh":                             true,
	"application/x-shellscript":                    true,
	"text/x-shellscript":                           true,
	"text/x-python":                                true,
	"application/x-perl":                           true,
	"application/x-ruby":                           true,
	"application/javascript":                       true,
	"application/x-javascript":                     true,
}

// expectedMIME maps extensions to the MIME prefix an honest file would sniff
// as. A mismatch outside the dangerous set is logged, not rejected: the scan
// oracle and conversion step are additional barriers behind this one.
var expectedMIME = map[string]string{
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.openxmlformats",
	"odt":  "application/vnd.oasis",
	"ods":  "application/vnd.oasis",
	"odp":  "application/vnd.oasis",
	"rtf":  "application/rtf",
	"txt":  "text/",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
}

// shebang interpreters to MIME, for scripts filetype's magic tables miss.
var shebangMIME = []struct {
	interp string
	mime   string
}{
	{"python", "text/x-python"},
	{"perl", "application/x-perl"},
	{"ruby", "application/x-ruby"},
	{"node", "application/javascript"},
	{"bash", "text/x-shellscript"},
	{"zsh", "text/x-shellscript"},
	{"sh", "text/x-shellscript"},
}

// Validator applies the pre-processing file policy.
type Validator struct {
	cfg     config.FilesConfig
	log     *zap.Logger
	allowed map[string]bool
	blocked map[string]bool
}

// FileInfo holds display metadata for one file. Not a security check.
type FileInfo struct {
	Name      string
	Extension string
	Size      int64
	SizeHuman string
	MIMEType  string
}

// New builds a validator from the files policy.
func New(cfg config.FilesConfig, log *zap.Logger) *Validator {
	v := &Validator{
		cfg:     cfg,
		log:     log,
		allowed: make(map[string]bool),
		blocked: make(map[string]bool),
	}
	for _, ext := range cfg.AllowedExtensions {
		v.allowed[strings.ToLower(ext)] = true
	}
	for _, ext := range cfg.BlockedExtensions {
		v.blocked[strings.ToLower(ext)] = true
	}
	return v
}

// Validate applies the checks in order, short-circuiting on first failure.
func (v *Validator) Validate(path string) (bool, string) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, "File does not exist"
	}
	if !fi.Mode().IsRegular() {
		return false, "Not a regular file"
	}
	if fi.Size() == 0 {
		return false, "File is empty"
	}
	if fi.Size() > v.cfg.MaxFileSize() {
		return false, fmt.Sprintf("File too large (max %d MB)", v.cfg.MaxSizeMB)
	}

	ext := extOf(path)
	if v.blocked[ext] {
		v.log.Warn("blocked file extension", zap.String("file", path), zap.String("ext", ext))
		return false, fmt.Sprintf("File type not allowed: .%s", ext)
	}
	if len(v.allowed) > 0 && !v.allowed[ext] {
		v.log.Warn("extension not in allowed list", zap.String("file", path), zap.String("ext", ext))
		return false, fmt.Sprintf("File type not allowed: .%s", ext)
	}

	mime, err := sniffMIME(path)
	if err != nil {
		// Sniffing failure must not reject the file; extension rules
		// above already applied.
		v.log.Error("MIME detection failed", zap.String("file", path), zap.Error(err))
		return true, "Valid"
	}
	if dangerousMIMETypes[mime] {
		v.log.Warn("dangerous MIME type detected",
			zap.String("file", path), zap.String("mime", mime))
		return false, "Executable or script file not allowed"
	}
	if want, ok := expectedMIME[ext]; ok && mime != "" && !strings.HasPrefix(mime, want) {
		v.log.Warn("MIME type mismatch",
			zap.String("file", path),
			zap.String("expected", want),
			zap.String("got", mime))
		// Not rejected: some files legitimately sniff unexpectedly.
	}

	v.log.Info("file validation passed", zap.String("file", filepath.Base(path)))
	return true, "Valid"
}

// CheckTotalSize reports whether the batch fits the aggregate cap.
func (v *Validator) CheckTotalSize(paths []string) (bool, int64) {
	var total int64
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			v.log.Error("stat failed", zap.String("file", p), zap.Error(err))
			continue
		}
		total += fi.Size()
	}
	within := total <= v.cfg.MaxTotalSize()
	if !within {
		v.log.Warn("total size exceeds limit",
			zap.Int64("total", total), zap.Int64("limit", v.cfg.MaxTotalSize()))
	}
	return within, total
}

// Info returns display metadata for one file.
func (v *Validator) Info(path string) FileInfo {
	info := FileInfo{
		Name:      filepath.Base(path),
		Extension: extOf(path),
		MIMEType:  "unknown",
		SizeHuman: "0 B",
	}
	if fi, err := os.Stat(path); err == nil {
		info.Size = fi.Size()
		info.SizeHuman = humanize.Bytes(uint64(fi.Size()))
	}
	if mime, err := sniffMIME(path); err == nil && mime != "" {
		info.MIMEType = mime
	}
	return info
}

func extOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// sniffMIME detects the content type from magic bytes, with a shebang check
// for interpreter scripts. Returns "" for unrecognized content.
func sniffMIME(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	// 262 bytes 是 filetype 库建议的最佳长度
	head := make([]byte, 262)
	n, err := f.Read(head)
	if n == 0 {
		return "", err
	}
	head = head[:n]

	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value, nil
	}

	if bytes.HasPrefix(head, []byte("#!")) {
		line := head
		if idx := bytes.IndexByte(line, '\n'); idx != -1 {
			line = line[:idx]
		}
		for _, s := range shebangMIME {
			if bytes.Contains(line, []byte(s.interp)) {
				return s.mime, nil
			}
		}
		return "text/x-shellscript", nil
	}
	return "", nil
}
