// Package scanner adapts the clamd antivirus daemon behind the pipeline's
// scan contract: every file resolves to clean, infected, or error.
package scanner

import "github.com/Hara602/usbDefender/internal/model"

// Oracle is the scan service seen by the pipeline.
type Oracle interface {
	// Available reports whether the scanning daemon answers a liveness
	// probe right now.
	Available() bool
	// Scan inspects one file. All failure modes resolve to a ScanError
	// outcome with a reason.
	Scan(path string) model.ScanOutcome
}
