package model

import "time"

// Stage is the pipeline session state.
type Stage int

const (
	StageIdle Stage = iota
	StageFilesSelected
	StageValidating
	StageScanning
	StageConverting
	StageAwaitingSecureMedia
	StageTransferring
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageFilesSelected:
		return "files_selected"
	case StageValidating:
		return "validating"
	case StageScanning:
		return "scanning"
	case StageConverting:
		return "converting"
	case StageAwaitingSecureMedia:
		return "awaiting_secure_media"
	case StageTransferring:
		return "transferring"
	case StageComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ScanStatus is the scan oracle verdict for one file.
type ScanStatus int

const (
	ScanClean ScanStatus = iota
	ScanInfected
	ScanError
)

func (s ScanStatus) String() string {
	switch s {
	case ScanClean:
		return "CLEAN"
	case ScanInfected:
		return "INFECTED"
	default:
		return "ERROR"
	}
}

// ScanOutcome carries the verdict plus the threat name or error detail.
type ScanOutcome struct {
	Status  ScanStatus
	Details string
}

// ConversionResult is the outcome of converting one source file. An empty
// Outputs slice signals failure; conversion never yields partial output.
type ConversionResult struct {
	SourcePath string
	Outputs    []string
	Err        string
}

func (r ConversionResult) Success() bool { return len(r.Outputs) > 0 }

// TransferResult is the outcome of delivering one converted file.
type TransferResult struct {
	SourcePath  string
	Destination string
	Success     bool
	Err         string
}

// SessionSummary is the terminal accounting for one pipeline run.
type SessionSummary struct {
	SessionID   string
	Success     bool
	Reason      string
	Total       int
	Validated   int
	Clean       int
	Converted   int
	Images      int
	Transferred int
	Destination string
	FinishedAt  time.Time
}

// Progress is one step on the orchestrator's monotonic progress channel.
type Progress struct {
	Stage   Stage
	File    string
	Percent int
}
