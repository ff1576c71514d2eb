package store

import "context"

// Session statuses. A session is terminal once status leaves "running".
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Stage statuses.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageSkipped   = "skipped"
)

// SessionConfig is the caller-supplied configuration captured at submission.
type SessionConfig struct {
	MaxSubQuestions int               `json:"max_sub_questions"`
	BudgetUSD       float64           `json:"budget_usd"`
	Policy          string            `json:"policy"`
	ModelOverrides  map[string]string `json:"model_overrides,omitempty"`
	OutputFormat    string            `json:"output_format,omitempty"`
}

type SubQuestion struct {
	Text   string `json:"text"`
	Order  int    `json:"order"`
	Answer string `json:"answer,omitempty"`
}

type SourceDocument struct {
	URL     string  `json:"url"`
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	// SubQuestion is the text of the sub-question this source was
	// retrieved for.
	SubQuestion string `json:"sub_question,omitempty"`
	RetrievedAt string `json:"retrieved_at"`
}

// StageResult is one finalized pipeline stage. Appended in stage order and
// immutable once its status is terminal.
type StageResult struct {
	Stage      string  `json:"stage"`
	Role       string  `json:"role"`
	Status     string  `json:"status"`
	Model      string  `json:"model,omitempty"`
	Output     string  `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	Tokens     int64   `json:"tokens"`
	CostUSD    float64 `json:"cost_usd"`
	StartedAt  string  `json:"started_at,omitempty"`
	FinishedAt string  `json:"finished_at,omitempty"`
}

// Session is the persisted snapshot of one research run. The pipeline
// controller is its only writer; everyone else gets copies.
type Session struct {
	ID           string           `json:"id"`
	Query        string           `json:"query"`
	Status       string           `json:"status"`
	Config       SessionConfig    `json:"config"`
	Stages       []StageResult    `json:"stages"`
	SubQuestions []SubQuestion    `json:"sub_questions,omitempty"`
	Sources      []SourceDocument `json:"sources,omitempty"`
	Report       string           `json:"report,omitempty"`
	Tokens       int64            `json:"tokens"`
	CostUSD      float64          `json:"cost_usd"`
	APICalls     int64            `json:"api_calls"`
	Error        string           `json:"error,omitempty"`
	ErrorKind    string           `json:"error_kind,omitempty"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
	FinishedAt   string           `json:"finished_at,omitempty"`
}

// SessionEvent is a persisted progress event, replayable for late
// subscribers via the snapshot/stream endpoints.
type SessionEvent struct {
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage,omitempty"`
	Percent   float64        `json:"percent"`
	CostUSD   float64        `json:"cost_usd"`
	Tokens    int64          `json:"tokens"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type Store interface {
	CreateSession(ctx context.Context, session Session) error
	UpdateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	AppendEvent(ctx context.Context, event SessionEvent) error
	ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]SessionEvent, error)
	NextSeq(ctx context.Context, sessionID string) (int64, error)
}
