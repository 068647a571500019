package queue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/store"
)

type WaitingTicket struct {
	models.Ticket
	Position       int `json:"position"`
	ElapsedMinutes int `json:"elapsed_minutes"`
}

type AgentQueueTotals struct {
	Waiting               int `json:"waiting"`
	InService             int `json:"in_service"`
	EstimatedTotalMinutes int `json:"estimated_total_minutes"`
}

// AgentQueue is the agent's desk view of their agency.
type AgentQueue struct {
	Agent     models.Agent     `json:"agent"`
	Current   *TicketView      `json:"current,omitempty"`
	Waiting   []WaitingTicket  `json:"waiting"`
	InService []TicketView     `json:"in_service"`
	Totals    AgentQueueTotals `json:"totals"`
}

func (s *Service) AgentQueue(ctx context.Context, agentID string) (AgentQueue, error) {
	ctx, span := s.tracer.Start(ctx, "queue.AgentQueue", trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return AgentQueue{}, s.fail(span, "agent_queue", err)
	}
	waiting, err := s.registry.WaitingQueue(ctx, agent.AgencyID, "")
	if err != nil {
		return AgentQueue{}, s.fail(span, "agent_queue", err)
	}
	serving, err := s.store.ListTickets(ctx, store.TicketFilter{
		AgencyID: agent.AgencyID,
		Statuses: []models.Status{models.StatusInService},
	})
	if err != nil {
		return AgentQueue{}, s.fail(span, "agent_queue", err)
	}

	now := s.clock.Now()
	view := AgentQueue{
		Agent:     agent,
		Waiting:   make([]WaitingTicket, 0, len(waiting)),
		InService: make([]TicketView, 0, len(serving)),
	}
	for _, queued := range s.calc.Annotate(waiting) {
		view.Waiting = append(view.Waiting, WaitingTicket{
			Ticket:         queued.Ticket,
			Position:       queued.Position,
			ElapsedMinutes: ElapsedMinutes(queued.CreatedAt, now),
		})
	}
	for _, ticket := range serving {
		tv := TicketView{Ticket: ticket, DisplayMessage: ticket.DisplayMessage()}
		view.InService = append(view.InService, tv)
		if ticket.HeldBy(agent.AgentID) {
			current := tv
			view.Current = &current
		}
	}
	view.Totals = AgentQueueTotals{
		Waiting:               len(waiting),
		InService:             len(serving),
		EstimatedTotalMinutes: len(waiting) * s.calc.AverageServiceMinutes(),
	}
	return view, nil
}

type HistoryQuery struct {
	From    time.Time
	To      time.Time
	Page    int
	PerPage int
}

// HistoryTotals counts the agent's finished tickets. Only waiting tickets
// can be cancelled, so an agent never holds a cancelled one.
type HistoryTotals struct {
	Done int `json:"done"`
}

type HistoryPage struct {
	Tickets []models.Ticket `json:"tickets"`
	Page    int             `json:"page"`
	PerPage int             `json:"per_page"`
	Total   int             `json:"total"`
	Totals  HistoryTotals   `json:"totals"`
}

// AgentHistory pages through the agent's terminal tickets, newest first.
// To is inclusive of the whole day when it has no time component.
func (s *Service) AgentHistory(ctx context.Context, agentID string, q HistoryQuery) (HistoryPage, error) {
	ctx, span := s.tracer.Start(ctx, "queue.AgentHistory", trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return HistoryPage{}, s.fail(span, "agent_history", err)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = 20
	}
	if q.PerPage > MaxPerPage {
		q.PerPage = MaxPerPage
	}
	to := q.To
	if !to.IsZero() && to.Equal(to.Truncate(24*time.Hour)) {
		to = to.AddDate(0, 0, 1)
	}

	filter := store.TicketFilter{
		AgentID:       agentID,
		Statuses:      []models.Status{models.StatusDone},
		CreatedFrom:   q.From,
		CreatedBefore: to,
		NewestFirst:   true,
	}
	page := HistoryPage{Page: q.Page, PerPage: q.PerPage, Tickets: []models.Ticket{}}
	done, err := s.store.CountTickets(ctx, filter)
	if err != nil {
		return HistoryPage{}, s.fail(span, "agent_history", err)
	}
	page.Total = done
	page.Totals.Done = done

	filter.Limit = q.PerPage
	filter.Offset = (q.Page - 1) * q.PerPage
	tickets, err := s.store.ListTickets(ctx, filter)
	if err != nil {
		return HistoryPage{}, s.fail(span, "agent_history", err)
	}
	if tickets != nil {
		page.Tickets = tickets
	}
	return page, nil
}
