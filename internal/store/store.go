package store

import (
	"context"
	"time"

	"qms/agency-queue/internal/models"
)

// TicketFilter selects tickets. Zero-valued fields do not filter.
type TicketFilter struct {
	AgencyID string
	Service  models.Service
	Statuses []models.Status
	AgentID  string
	Number   string

	CreatedFrom time.Time
	// CreatedBefore is exclusive unless InclusiveBefore is set.
	CreatedBefore   time.Time
	InclusiveBefore bool
	CalledBefore    time.Time
	UpdatedBefore   time.Time

	// NewestFirst reverses the queue order (created_at, insertion).
	NewestFirst bool
	Limit       int
	Offset      int
}

type LogFilter struct {
	TicketID string
	AgentID  string
	AgencyID string
	Action   models.Action
	From     time.Time
	To       time.Time
	Limit    int
}

// Reader holds the non-locking reads shared by the store and its transactions.
type Reader interface {
	GetAgency(ctx context.Context, agencyID string) (models.Agency, error)
	GetAgent(ctx context.Context, agentID string) (models.Agent, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	CountTickets(ctx context.Context, filter TicketFilter) (int, error)
	CurrentTicket(ctx context.Context, agentID string) (models.Ticket, bool, error)
}

// Tx is a unit of work. Lock methods hold the row until the transaction ends.
type Tx interface {
	Reader
	LockAgent(ctx context.Context, agentID string) (models.Agent, error)
	LockTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	LockOldestWaiting(ctx context.Context, agencyID string) (models.Ticket, bool, error)
	InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error)
	UpdateTicket(ctx context.Context, ticket models.Ticket) error
	LastLogEntry(ctx context.Context, ticketID string) (models.LogEntry, bool, error)
	InsertLogEntry(ctx context.Context, entry models.LogEntry) error
	NextSequence(ctx context.Context, agencyID string, service models.Service, day time.Time) (int, error)
}

type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListAgencies(ctx context.Context, activeOnly bool) ([]models.Agency, error)
	GetAgentByEmail(ctx context.Context, email string) (models.Agent, error)
	ListLog(ctx context.Context, filter LogFilter) ([]models.LogEntry, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	UpsertAgency(ctx context.Context, agency models.Agency) error
	UpsertAgent(ctx context.Context, agent models.Agent) error
}

// TerminalStatuses are the statuses eligible for retention cleanup.
var TerminalStatuses = []models.Status{models.StatusDone, models.StatusCancelled}
