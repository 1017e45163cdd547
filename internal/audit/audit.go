// Package audit provides full-text search over the session archive, backed by
// Meilisearch with a PostgreSQL FTS fallback.
package audit

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSession ResultType = "session"
	ResultEdit    ResultType = "edit"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	SessionID   string     `json:"sessionId"`
	ArtifactRef string     `json:"artifactRef"`
	AuthorID    string     `json:"authorId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text              string
	FilterType        ResultType // empty = all types
	FilterArtifactRef string
	FilterAuthorID    string
	Limit             int
	Offset            int
}

// Response is the envelope returned by the audit search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SessionRecord is the data we index for an archived session.
type SessionRecord struct {
	ID           string `json:"id"`
	ArtifactRef  string `json:"artifactRef"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	OwnerID      string `json:"ownerId"`
	FinalContent string `json:"finalContent"`
}

// EditRecord is the data we index for an archived edit.
type EditRecord struct {
	ID               string `json:"id"`
	SessionID        string `json:"sessionId"`
	ArtifactRef      string `json:"artifactRef"`
	AuthorID         string `json:"authorId"`
	Type             string `json:"type"`
	Content          string `json:"content"`
	ResultingVersion int64  `json:"resultingVersion"`
}
