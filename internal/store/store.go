// Package store provides storage backends for FlowPipe.
//
// It defines the repositories the engine persists through (flows, contact profiles, completed-flow
// markers, execution logs, sessions, conversation messages, knowledge, inbound dedup and receipts)
// and ships in-memory, SQLite and PostgreSQL implementations.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrNotFound is returned by lookups that require the record to exist.
var ErrNotFound = errors.New("record not found")

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for a DSN: "postgres" for URLs and
// key=value connection strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname="):
		return "postgres"
	default:
		return "sqlite3"
	}
}

// ReceiptRepo stores channel receipts and raw inbound responses.
type ReceiptRepo interface {
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)
}

// FlowRepo stores flow definitions.
type FlowRepo interface {
	SaveFlow(f models.Flow) error
	// GetFlow returns nil, nil when the flow does not exist.
	GetFlow(id string) (*models.Flow, error)
	// ListFlows returns flows ordered by priority, then creation time.
	ListFlows(activeOnly bool) ([]models.Flow, error)
	DeleteFlow(id string) error
}

// CompletedFlow is the completion marker of a flow for a contact.
type CompletedFlow struct {
	ContactID        string    `json:"contact_id"`
	FlowID           string    `json:"flow_id"`
	FirstCompletedAt time.Time `json:"first_completed_at"`
	LastCompletedAt  time.Time `json:"last_completed_at"`
}

// ContactRepo stores durable contact profile fields and completed-flow markers.
type ContactRepo interface {
	GetContactFields(contactID string) (map[string]string, error)
	SetContactFields(contactID string, fields map[string]string) error
	// MarkFlowCompleted inserts the marker or touches its last completion time.
	MarkFlowCompleted(contactID, flowID string) error
	HasCompletedFlow(contactID, flowID string) (bool, error)
	ListCompletedFlows(contactID string) ([]CompletedFlow, error)
}

// Finalization carries the terminal fields of an execution log.
type Finalization struct {
	Status      models.ExecutionStatus
	FinalNodeID string
	Reason      string
	Variables   map[string]any
	FinishedAt  time.Time
}

// ExecutionRepo stores execution logs and their steps.
type ExecutionRepo interface {
	CreateExecution(log models.ExecutionLog) error
	AppendExecutionStep(executionID string, step models.ExecutionStep) error
	// FinalizeExecution applies f only while the execution is still running and reports whether it did.
	FinalizeExecution(executionID string, f Finalization) (bool, error)
	// GetExecution returns nil, nil when the execution does not exist.
	GetExecution(id string) (*models.ExecutionLog, error)
	// ListExecutions returns a contact's executions, newest first.
	ListExecutions(contactID string, limit int) ([]models.ExecutionLog, error)
}

// SessionRepo stores the per-contact session row.
type SessionRepo interface {
	SaveSession(s models.SessionState) error
	// GetSession returns nil, nil when the contact has no session.
	GetSession(contactID string) (*models.SessionState, error)
	DeleteSession(contactID string) error
	// ListSessions returns the contact ids that have a session row, sorted.
	ListSessions() ([]string, error)
}

// MessageRepo stores the conversation history.
type MessageRepo interface {
	AddMessage(m models.MessageRecord) (int64, error)
	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(contactID string, limit int) ([]models.MessageRecord, error)
}

// KnowledgeRepo stores knowledge snippets and price records.
type KnowledgeRepo interface {
	SaveKnowledge(item models.KnowledgeItem) error
	ListKnowledge() ([]models.KnowledgeItem, error)
	SavePrice(p models.PriceRecord) error
	// FindPrices matches product case-insensitively by containment; an empty variant matches all variants.
	FindPrices(product, variant string) ([]models.PriceRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	ReceiptRepo
	FlowRepo
	ContactRepo
	ExecutionRepo
	SessionRepo
	MessageRepo
	KnowledgeRepo
	DedupRepo
	Close() error
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
