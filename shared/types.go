package shared

import "time"

const (
	// WorkflowName is the registered name of the digest workflow.
	WorkflowName = "DigestWorkflow"

	// ProgressQuery returns the current Progress of a running digest.
	ProgressQuery = "progress"

	DefaultTaskQueue = "docdigest-task-queue"
)

// Input limits applied by DigestInput.Normalize.
const (
	DefaultPathGlob     = "*.md"
	DefaultMaxDocuments = 20
	MaxDocumentsLimit   = 200
	DefaultMaxParallel  = 4
)

// Run statuses as persisted by the run store.
const (
	StatusPending     = "PENDING"
	StatusFetching    = "FETCHING"
	StatusSummarizing = "SUMMARIZING"
	StatusCombining   = "COMBINING"
	StatusCompleted   = "COMPLETED"
	StatusFailed      = "FAILED"
)

// Application error types. Retry policies list these as non-retryable.
const (
	ErrTypeInvalidInput = "InvalidInput"
	ErrTypeRepoNotFound = "RepoNotFound"
	ErrTypeNoDocuments  = "NoDocuments"
	ErrTypeAPIKey       = "APIKeyError"
)

// NonRetryableErrorTypes is shared by every activity retry policy.
var NonRetryableErrorTypes = []string{
	ErrTypeInvalidInput,
	ErrTypeRepoNotFound,
	ErrTypeNoDocuments,
	ErrTypeAPIKey,
}

// DigestInput defines the input for the digest workflow.
type DigestInput struct {
	RepoURL      string `json:"repoUrl"`
	Ref          string `json:"ref,omitempty"`      // branch or tag, remote HEAD if empty
	PathGlob     string `json:"pathGlob,omitempty"` // matched against the file base name
	MaxDocuments int    `json:"maxDocuments,omitempty"`
	MaxParallel  int    `json:"maxParallel,omitempty"`
}

// Normalize fills defaults and clamps limits. It is pure so workflows can call it.
func (in DigestInput) Normalize() DigestInput {
	if in.PathGlob == "" {
		in.PathGlob = DefaultPathGlob
	}
	if in.MaxDocuments <= 0 {
		in.MaxDocuments = DefaultMaxDocuments
	}
	if in.MaxDocuments > MaxDocumentsLimit {
		in.MaxDocuments = MaxDocumentsLimit
	}
	if in.MaxParallel <= 0 {
		in.MaxParallel = DefaultMaxParallel
	}
	if in.MaxParallel > in.MaxDocuments {
		in.MaxParallel = in.MaxDocuments
	}
	return in
}

// DigestOutput defines the result of the workflow.
type DigestOutput struct {
	RepoURL   string       `json:"repoUrl"`
	Commit    string       `json:"commit"`
	Documents int          `json:"documents"`
	Digest    string       `json:"digest"`
	Summaries []DocSummary `json:"summaries"`
}

// Document is a single file read from the repository at a pinned commit.
type Document struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Hash    string `json:"hash"`
}

type DocSummary struct {
	Path    string `json:"path"`
	Summary string `json:"summary"`
	Words   int    `json:"words"`
}

// Progress is returned by the progress query.
type Progress struct {
	Stage  string   `json:"stage"`
	Total  int      `json:"total"`
	Done   int      `json:"done"`
	Failed []string `json:"failed,omitempty"`
}

// RunRecord is the persisted view of a digest run.
type RunRecord struct {
	WorkflowID   string    `json:"workflowId"`
	RepoURL      string    `json:"repoUrl"`
	Commit       string    `json:"commit,omitempty"`
	Status       string    `json:"status"`
	Digest       string    `json:"digest,omitempty"`
	ErrorDetails string    `json:"errorDetails,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// --- Activity inputs ---

type GitCredentials struct {
	Username string
	Password string
}

type ResolveRepoInput struct {
	WorkflowID string
	RepoURL    string
	Ref        string
}

// RepoRef pins a cached clone to a commit so any worker can rebuild it.
type RepoRef struct {
	WorkflowID string
	RepoURL    string
	Ref        string
	Commit     string
}

type ListDocumentsInput struct {
	Repo     RepoRef
	PathGlob string
	Limit    int
}

type SummarizeDocumentInput struct {
	Repo RepoRef
	Path string
}

type CombineDigestInput struct {
	RepoURL   string
	Commit    string
	Summaries []DocSummary
}

type CleanupRepoInput struct {
	WorkflowID string
}

type SaveResultInput struct {
	WorkflowID   string
	RepoURL      string
	Commit       string
	Status       string
	Digest       string
	ErrorDetails string
}
