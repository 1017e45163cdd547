package engine

import (
	"time"

	"coedit/internal/rbac"
)

type Mode string

const (
	ModeLive      Mode = "live"
	ModeTurnBased Mode = "turn-based"
	ModeReview    Mode = "review"
)

func ValidMode(mode string) bool {
	switch Mode(mode) {
	case ModeLive, ModeTurnBased, ModeReview:
		return true
	default:
		return false
	}
}

type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
	StatusError     SessionStatus = "error"
)

type ParticipantStatus string

const (
	ParticipantInvited   ParticipantStatus = "invited"
	ParticipantActive    ParticipantStatus = "active"
	ParticipantLeft      ParticipantStatus = "left"
	ParticipantCompleted ParticipantStatus = "completed"
)

type Participant struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Role     rbac.Role         `json:"role"`
	Status   ParticipantStatus `json:"status"`
	JoinedAt time.Time         `json:"joinedAt"`
	LeftAt   *time.Time        `json:"leftAt,omitempty"`
}

type EditType string

const (
	EditContentChange EditType = "content-change"
	EditTurnTaken     EditType = "turn-taken"
	EditTurnReleased  EditType = "turn-released"
)

type PayloadKind string

const (
	PayloadFullSnapshot   PayloadKind = "full-snapshot"
	PayloadStructuredDiff PayloadKind = "structured-diff"
	PayloadTurnEvent      PayloadKind = "turn-event"
)

// Span replaces workspace lines [Start, End) with Lines.
type Span struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Lines []string `json:"lines"`
}

// Payload is the tagged variant carried by an Edit. Exactly one shape is
// meaningful per kind: Content for full-snapshot, Spans for structured-diff,
// neither for turn-event.
type Payload struct {
	Kind    PayloadKind `json:"kind"`
	Content string      `json:"content,omitempty"`
	Spans   []Span      `json:"spans,omitempty"`
}

// Edit is one entry in a session's append-only log. Entries are immutable
// once appended except for the review-mode version projection: a staged edit
// carries ResultingVersion 0 until it is approved.
type Edit struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"sessionId"`
	AuthorID         string    `json:"authorId"`
	Timestamp        time.Time `json:"timestamp"`
	Type             EditType  `json:"type"`
	Payload          Payload   `json:"payload"`
	BasisVersion     int64     `json:"basisVersion"`
	ResultingVersion int64     `json:"resultingVersion"`
	Approved         bool      `json:"approved"`
	ApprovedBy       string    `json:"approvedBy,omitempty"`
}

// TurnRecord tracks the single unreleased turn in a turn-based session.
type TurnRecord struct {
	HolderID   string    `json:"holderId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	Released   bool      `json:"released"`
}

type Workspace struct {
	BaselineContent string `json:"baselineContent"`
	CurrentContent  string `json:"currentContent"`
	Version         int64  `json:"version"`
}

type MergeResult struct {
	Success      bool      `json:"success"`
	FinalContent string    `json:"finalContent"`
	AppliedAt    time.Time `json:"appliedAt"`
	Error        string    `json:"error,omitempty"`
}

// WorkspaceView is what a joining participant receives: the current working
// state plus the active roster.
type WorkspaceView struct {
	SessionID string        `json:"sessionId"`
	Content   string        `json:"content"`
	Version   int64         `json:"version"`
	Roster    []Participant `json:"roster"`
}

// SessionSnapshot is a read-only view of a session, served without blocking
// writers beyond the copy itself.
type SessionSnapshot struct {
	ID             string        `json:"id"`
	ArtifactRef    string        `json:"artifactRef"`
	Mode           Mode          `json:"mode"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
	EndCause       string        `json:"endCause,omitempty"`
	TimeoutSeconds int           `json:"timeoutSeconds"`
	Version        int64         `json:"version"`
	Content        string        `json:"-"`
	Roster         []Participant `json:"roster"`
	Turn           *TurnRecord   `json:"turn,omitempty"`
	RecentEdits    []Edit        `json:"recentEdits"`
	Merge          *MergeResult  `json:"merge,omitempty"`
}

type SeedParticipant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type StartInput struct {
	ArtifactRef    string            `json:"artifactRef"`
	Mode           string            `json:"mode"`
	Participants   []SeedParticipant `json:"participants"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
}

type EditInput struct {
	BasisVersion int64   `json:"basisVersion"`
	Payload      Payload `json:"payload"`
}

// EndResult carries everything the caller needs to archive an ended session:
// the final snapshot, the full ordered edit log, and the merge outcome.
type EndResult struct {
	Snapshot SessionSnapshot
	Edits    []Edit
	Merge    MergeResult
}
