package domain

import "time"

// NodeKind is the type of an entry in a directory listing.
type NodeKind string

const (
	NodeFile      NodeKind = "file"
	NodeDirectory NodeKind = "directory"
)

// FileNode is one entry of a one-level directory listing.
type FileNode struct {
	Path     string     `json:"path"`
	Kind     NodeKind   `json:"type"`
	Content  *string    `json:"content"`
	Cached   bool       `json:"cached"`
	Children []FileNode `json:"children"` // nil for files, empty for directories
}

// IsFile reports whether the node is a regular file.
func (n FileNode) IsFile() bool {
	return n.Kind == NodeFile
}

// CodeMatch is one code search hit.
type CodeMatch struct {
	Name       string  `json:"name"`
	Path       string  `json:"path"`
	SHA        string  `json:"sha"`
	URL        string  `json:"url"`
	HTMLURL    string  `json:"html_url"`
	Score      float64 `json:"score"`
	Repository string  `json:"repository,omitempty"`
}

// GitHubContext carries per-run repository coordinates and credentials.
// The token is never serialized.
type GitHubContext struct {
	AccessToken string `json:"-"`
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	Ref         string `json:"ref,omitempty"`
}

// FullName returns "owner/repo".
func (g GitHubContext) FullName() string {
	return g.Owner + "/" + g.Repo
}

// Checkpoint is a persisted snapshot of one workflow thread.
type Checkpoint struct {
	ThreadID  string
	StateJSON string
	StepCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunStatus is the outcome of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunLimited   RunStatus = "iteration_limit"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the history entry of one workflow run.
type RunRecord struct {
	ID         string     `json:"id"`
	ThreadID   string     `json:"thread_id"`
	Owner      string     `json:"owner"`
	Repo       string     `json:"repo"`
	Ref        string     `json:"ref,omitempty"`
	Status     RunStatus  `json:"status"`
	Iterations int        `json:"iterations"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
