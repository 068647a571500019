package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/store"
)

const MaxPerPage = 100

type Options struct {
	Clock                 Clock
	Sequencer             Sequencer
	AverageServiceMinutes int
	// Location is used for agencies without a valid timezone.
	Location *time.Location
	Logger   *zap.Logger
	Metrics  *Metrics
}

// Service is the operation surface used by the HTTP layer, the jobs and the CLI.
type Service struct {
	store    store.Store
	clock    Clock
	location *time.Location
	registry *Registry
	calc     *Calculator
	machine  *Machine
	log      *DistributionLog
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer
}

func NewService(st store.Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Sequencer == nil {
		opts.Sequencer = CounterSequencer{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	distLog := NewDistributionLog(st)
	return &Service{
		store:    st,
		clock:    opts.Clock,
		location: opts.Location,
		registry: NewRegistry(st, opts.Clock, opts.Sequencer, opts.Location),
		calc:     NewCalculator(st, opts.AverageServiceMinutes),
		machine:  NewMachine(st, opts.Clock, distLog),
		log:      distLog,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("qms/agency-queue/queue"),
	}
}

func (s *Service) Clock() Clock { return s.clock }

func (s *Service) Location() *time.Location { return s.location }

type TicketView struct {
	models.Ticket
	Position             int    `json:"position"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
	DisplayMessage       string `json:"display_message,omitempty"`
}

type QueueState struct {
	AgencyID    string         `json:"agency_id"`
	Service     models.Service `json:"service,omitempty"`
	Waiting     []TicketView   `json:"waiting"`
	InService   []TicketView   `json:"in_service"`
	GeneratedAt time.Time      `json:"generated_at"`
}

type AgencyView struct {
	models.Agency
	OpenNow bool `json:"open_now"`
}

func (s *Service) CreateTicket(ctx context.Context, in CreateInput) (TicketView, error) {
	ctx, span := s.tracer.Start(ctx, "queue.CreateTicket", trace.WithAttributes(
		attribute.String("agency.id", in.AgencyID),
		attribute.String("ticket.service", string(in.Service)),
	))
	defer span.End()

	ticket, err := s.registry.Create(ctx, in)
	if err != nil {
		return TicketView{}, s.fail(span, "create_ticket", err, zap.String("agency_id", in.AgencyID))
	}
	s.metrics.ticketsCreated.WithLabelValues(ticket.AgencyID, string(ticket.Service)).Inc()
	s.logger.Info("ticket created",
		zap.String("ticket_id", ticket.TicketID),
		zap.String("number", ticket.Number),
		zap.String("agency_id", ticket.AgencyID),
		zap.String("service", string(ticket.Service)),
	)
	return s.describe(ctx, ticket)
}

// GetQueueState returns the waiting tickets in call order and the tickets
// being served. Positions are agency-wide even when filtered by service.
func (s *Service) GetQueueState(ctx context.Context, agencyID string, service models.Service) (QueueState, error) {
	ctx, span := s.tracer.Start(ctx, "queue.GetQueueState", trace.WithAttributes(attribute.String("agency.id", agencyID)))
	defer span.End()

	if _, err := s.store.GetAgency(ctx, agencyID); err != nil {
		return QueueState{}, s.fail(span, "queue_state", err)
	}
	waiting, err := s.registry.WaitingQueue(ctx, agencyID, "")
	if err != nil {
		return QueueState{}, s.fail(span, "queue_state", err)
	}
	serving, err := s.store.ListTickets(ctx, store.TicketFilter{
		AgencyID: agencyID,
		Service:  service,
		Statuses: []models.Status{models.StatusInService},
	})
	if err != nil {
		return QueueState{}, s.fail(span, "queue_state", err)
	}

	state := QueueState{
		AgencyID:    agencyID,
		Service:     service,
		Waiting:     []TicketView{},
		InService:   make([]TicketView, 0, len(serving)),
		GeneratedAt: s.clock.Now(),
	}
	for _, queued := range s.calc.Annotate(waiting) {
		if service != "" && queued.Service != service {
			continue
		}
		state.Waiting = append(state.Waiting, TicketView{
			Ticket:               queued.Ticket,
			Position:             queued.Position,
			EstimatedWaitMinutes: queued.EstimatedWaitMinutes,
		})
	}
	for _, ticket := range serving {
		state.InService = append(state.InService, TicketView{Ticket: ticket, DisplayMessage: ticket.DisplayMessage()})
	}
	return state, nil
}

// GetTicket finds a ticket by its number. Numbers repeat across days, so the
// most recent ticket with that number wins.
func (s *Service) GetTicket(ctx context.Context, number, agencyID string) (TicketView, error) {
	ctx, span := s.tracer.Start(ctx, "queue.GetTicket", trace.WithAttributes(
		attribute.String("agency.id", agencyID),
		attribute.String("ticket.number", number),
	))
	defer span.End()

	ticket, err := s.findByNumber(ctx, number, agencyID)
	if err != nil {
		return TicketView{}, s.fail(span, "get_ticket", err)
	}
	return s.describe(ctx, ticket)
}

func (s *Service) CancelTicket(ctx context.Context, number, agencyID string) (models.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "queue.CancelTicket", trace.WithAttributes(
		attribute.String("agency.id", agencyID),
		attribute.String("ticket.number", number),
	))
	defer span.End()

	ticket, err := s.findByNumber(ctx, number, agencyID)
	if err != nil {
		return models.Ticket{}, s.fail(span, "cancel_ticket", err)
	}
	cancelled, err := s.machine.Cancel(ctx, ticket.TicketID)
	if err != nil {
		return models.Ticket{}, s.fail(span, "cancel_ticket", err, zap.String("ticket_id", ticket.TicketID))
	}
	s.transitioned(models.ActionCancel, cancelled)
	return cancelled, nil
}

func (s *Service) CallNext(ctx context.Context, agencyID, agentID string) (models.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "queue.CallNext", trace.WithAttributes(
		attribute.String("agency.id", agencyID),
		attribute.String("agent.id", agentID),
	))
	defer span.End()

	ticket, err := s.machine.CallNext(ctx, agencyID, agentID)
	if err != nil {
		return models.Ticket{}, s.fail(span, "call_next", err, zap.String("agency_id", agencyID), zap.String("agent_id", agentID))
	}
	if ticket.WaitMinutes != nil {
		s.metrics.waitMinutes.Observe(float64(*ticket.WaitMinutes))
	}
	s.transitioned(models.ActionCall, ticket)
	return ticket, nil
}

func (s *Service) FinishCurrent(ctx context.Context, agentID string, notes *string) (models.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "queue.FinishCurrent", trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	ticket, err := s.machine.FinishCurrent(ctx, agentID, notes)
	if err != nil {
		return models.Ticket{}, s.fail(span, "finish_current", err, zap.String("agent_id", agentID))
	}
	s.transitioned(models.ActionFinish, ticket)
	if d, ok := ticket.ServiceDuration(); ok {
		s.metrics.serviceSeconds.Observe(d.Seconds())
	}
	return ticket, nil
}

func (s *Service) PositionOf(ctx context.Context, ticket models.Ticket) (int, error) {
	return s.calc.PositionOf(ctx, ticket)
}

func (s *Service) EstimatedWaitMinutes(ctx context.Context, ticket models.Ticket) (int, error) {
	return s.calc.EstimatedWaitMinutes(ctx, ticket)
}

// ListAgencies returns active agencies with their current open state.
func (s *Service) ListAgencies(ctx context.Context) ([]AgencyView, error) {
	agencies, err := s.store.ListAgencies(ctx, true)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	views := make([]AgencyView, 0, len(agencies))
	for _, agency := range agencies {
		views = append(views, AgencyView{Agency: agency, OpenNow: agency.IsOpenAt(now, s.location)})
	}
	return views, nil
}

func (s *Service) ListLog(ctx context.Context, filter store.LogFilter) ([]models.LogEntry, error) {
	return s.log.List(ctx, filter)
}

func (s *Service) VerifyLog(ctx context.Context, ticketID string) error {
	return s.log.Verify(ctx, ticketID)
}

// Authenticate checks an agent's email and password.
func (s *Service) Authenticate(ctx context.Context, email, password string) (models.Agent, error) {
	agent, err := s.store.GetAgentByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			return models.Agent{}, store.ErrInvalidCredentials
		}
		return models.Agent{}, err
	}
	if !agent.Active || agent.PasswordHash == "" {
		return models.Agent{}, store.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(agent.PasswordHash), []byte(password)); err != nil {
		return models.Agent{}, store.ErrInvalidCredentials
	}
	return agent, nil
}

func (s *Service) GetAgent(ctx context.Context, agentID string) (models.Agent, error) {
	return s.store.GetAgent(ctx, agentID)
}

func (s *Service) findByNumber(ctx context.Context, number, agencyID string) (models.Ticket, error) {
	tickets, err := s.store.ListTickets(ctx, store.TicketFilter{
		AgencyID:    agencyID,
		Number:      strings.ToUpper(strings.TrimSpace(number)),
		NewestFirst: true,
		Limit:       1,
	})
	if err != nil {
		return models.Ticket{}, err
	}
	if len(tickets) == 0 {
		return models.Ticket{}, store.ErrNoSuchTicket
	}
	return tickets[0], nil
}

func (s *Service) describe(ctx context.Context, ticket models.Ticket) (TicketView, error) {
	position, err := s.calc.PositionOf(ctx, ticket)
	if err != nil {
		return TicketView{}, err
	}
	wait, err := s.calc.EstimatedWaitMinutes(ctx, ticket)
	if err != nil {
		return TicketView{}, err
	}
	return TicketView{
		Ticket:               ticket,
		Position:             position,
		EstimatedWaitMinutes: wait,
		DisplayMessage:       ticket.DisplayMessage(),
	}, nil
}

func (s *Service) transitioned(action models.Action, ticket models.Ticket) {
	s.metrics.transitions.WithLabelValues(string(action)).Inc()
	fields := []zap.Field{
		zap.String("action", string(action)),
		zap.String("ticket_id", ticket.TicketID),
		zap.String("number", ticket.Number),
		zap.String("agency_id", ticket.AgencyID),
	}
	if ticket.AgentID != nil {
		fields = append(fields, zap.String("agent_id", *ticket.AgentID))
	}
	s.logger.Info("ticket transition", fields...)
}

// fail records err on the span and in metrics. Storage failures are logged
// at error level; domain errors are expected and logged at debug.
func (s *Service) fail(span trace.Span, operation string, err error, fields ...zap.Field) error {
	reason := Reason(err)
	s.metrics.failures.WithLabelValues(operation, reason).Inc()
	fields = append(fields, zap.String("operation", operation), zap.String("reason", reason), zap.Error(err))
	if store.IsDomainError(err) {
		span.SetAttributes(attribute.String("queue.error", reason))
		s.logger.Debug("queue operation rejected", fields...)
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("queue operation failed", fields...)
	return err
}

// Reason names an error for metrics labels and API error codes.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrAgencyNotFound):
		return "agency_not_found"
	case errors.Is(err, store.ErrAgencyClosed):
		return "agency_closed"
	case errors.Is(err, store.ErrAgentNotFound):
		return "agent_not_found"
	case errors.Is(err, store.ErrNoSuchTicket):
		return "ticket_not_found"
	case errors.Is(err, store.ErrTicketNotWaiting):
		return "ticket_not_waiting"
	case errors.Is(err, store.ErrTicketNotInService):
		return "ticket_not_in_service"
	case errors.Is(err, store.ErrAgentBusy):
		return "agent_busy"
	case errors.Is(err, store.ErrAgentNotInAgency):
		return "agent_not_in_agency"
	case errors.Is(err, store.ErrQueueEmpty):
		return "queue_empty"
	case errors.Is(err, store.ErrNoCurrentTicket):
		return "no_current_ticket"
	case errors.Is(err, store.ErrInvalidLogEntry):
		return "invalid_log_entry"
	case errors.Is(err, store.ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "storage_failure"
	}
}
