package archive

import "time"

type Session struct {
	ID             string
	ArtifactRef    string
	Mode           string
	Status         string
	EndCause       string
	OwnerID        string
	CreatedAt      time.Time
	EndedAt        *time.Time
	FinalVersion   int64
	FinalContent   string
	MergeSuccess   bool
	MergeError     string
	MergeAppliedAt *time.Time
	Participants   []Participant
	EditCount      int
}

type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

// Edit is one archived log entry. Seq is the position in the session's log,
// which differs from ResultingVersion for review-mode edits approved out of
// submission order.
type Edit struct {
	ID               string
	SessionID        string
	Seq              int
	AuthorID         string
	Timestamp        time.Time
	Type             string
	PayloadKind      string
	Content          string
	BasisVersion     int64
	ResultingVersion int64
	Approved         bool
	ApprovedBy       string
}
