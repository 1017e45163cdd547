// Package export renders archived session transcripts as HTML, PDF, and DOCX.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request contains parameters for an export operation
type Request struct {
	SessionID  string
	Format     Format
	IncludeLog bool
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// SessionInfo holds archived session metadata for export
type SessionInfo struct {
	ID           string
	ArtifactRef  string
	Mode         string
	Status       string
	EndCause     string
	OwnerID      string
	CreatedAt    time.Time
	EndedAt      *time.Time
	FinalVersion int64
	FinalContent string
	Participants []string
}

// EditInfo holds one archived log entry for export
type EditInfo struct {
	Seq              int
	AuthorID         string
	Timestamp        time.Time
	Type             string
	PayloadKind      string
	Content          string
	ResultingVersion int64
	Approved         bool
	ApprovedBy       string
}

var (
	// ErrSessionUnavailable indicates the archived session could not be loaded.
	ErrSessionUnavailable = errors.New("export session unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
