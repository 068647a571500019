// Package memory is an in-process store. Transactions are serialized and
// rolled back by restoring a snapshot, so it gives the same atomicity as the
// PostgreSQL store for a single instance.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/store"
)

type Store struct {
	mu   sync.RWMutex
	data *dataset
}

type dataset struct {
	agencies map[string]models.Agency
	agents   map[string]models.Agent
	tickets  map[string]models.Ticket
	order    map[string]int64
	nextSeq  int64
	logs     []models.LogEntry
	seqs     map[string]int
}

func NewStore() *Store {
	return &Store{data: &dataset{
		agencies: make(map[string]models.Agency),
		agents:   make(map[string]models.Agent),
		tickets:  make(map[string]models.Ticket),
		order:    make(map[string]int64),
		seqs:     make(map[string]int),
	}}
}

func (d *dataset) clone() *dataset {
	c := &dataset{
		agencies: make(map[string]models.Agency, len(d.agencies)),
		agents:   make(map[string]models.Agent, len(d.agents)),
		tickets:  make(map[string]models.Ticket, len(d.tickets)),
		order:    make(map[string]int64, len(d.order)),
		nextSeq:  d.nextSeq,
		logs:     append([]models.LogEntry(nil), d.logs...),
		seqs:     make(map[string]int, len(d.seqs)),
	}
	for k, v := range d.agencies {
		c.agencies[k] = v
	}
	for k, v := range d.agents {
		c.agents[k] = v
	}
	for k, v := range d.tickets {
		c.tickets[k] = v
	}
	for k, v := range d.order {
		c.order[k] = v
	}
	for k, v := range d.seqs {
		c.seqs[k] = v
	}
	return c
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return store.Wrap("begin", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&tx{d: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *Store) GetAgency(ctx context.Context, agencyID string) (models.Agency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getAgency(agencyID)
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getAgent(agentID)
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getTicket(ticketID)
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listTickets(filter), nil
}

func (s *Store) CountTickets(ctx context.Context, filter store.TicketFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	filter.Limit, filter.Offset = 0, 0
	return len(s.data.listTickets(filter)), nil
}

func (s *Store) CurrentTicket(ctx context.Context, agentID string) (models.Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.data.currentTicket(agentID)
	return ticket, ok, nil
}

func (s *Store) ListAgencies(ctx context.Context, activeOnly bool) ([]models.Agency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agencies []models.Agency
	for _, agency := range s.data.agencies {
		if activeOnly && !agency.Active {
			continue
		}
		agencies = append(agencies, agency)
	}
	sort.Slice(agencies, func(i, j int) bool { return agencies[i].Name < agencies[j].Name })
	return agencies, nil
}

func (s *Store) GetAgentByEmail(ctx context.Context, email string) (models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, agent := range s.data.agents {
		if strings.EqualFold(agent.Email, email) {
			return agent, nil
		}
	}
	return models.Agent{}, store.ErrAgentNotFound
}

func (s *Store) ListLog(ctx context.Context, filter store.LogFilter) ([]models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []models.LogEntry
	for _, entry := range s.data.logs {
		if filter.TicketID != "" && entry.TicketID != filter.TicketID {
			continue
		}
		if filter.AgencyID != "" && entry.AgencyID != filter.AgencyID {
			continue
		}
		if filter.AgentID != "" && (entry.AgentID == nil || *entry.AgentID != filter.AgentID) {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if !filter.From.IsZero() && entry.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && entry.Timestamp.After(filter.To) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := make(map[string]bool)
	for id, ticket := range s.data.tickets {
		if ticket.Status.Terminal() && ticket.UpdatedAt.Before(cutoff) {
			delete(s.data.tickets, id)
			delete(s.data.order, id)
			deleted[id] = true
		}
	}
	if len(deleted) == 0 {
		return 0, nil
	}
	kept := s.data.logs[:0]
	for _, entry := range s.data.logs {
		if !deleted[entry.TicketID] {
			kept = append(kept, entry)
		}
	}
	s.data.logs = kept
	return len(deleted), nil
}

func (s *Store) UpsertAgency(ctx context.Context, agency models.Agency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.agencies[agency.AgencyID] = agency
	return nil
}

func (s *Store) UpsertAgent(ctx context.Context, agent models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data.agents[agent.AgentID]; ok && agent.PasswordHash == "" {
		agent.PasswordHash = existing.PasswordHash
	}
	s.data.agents[agent.AgentID] = agent
	return nil
}

// tx runs with the store's write lock held, so row locks are implicit.
type tx struct {
	d *dataset
}

func (t *tx) GetAgency(ctx context.Context, agencyID string) (models.Agency, error) {
	return t.d.getAgency(agencyID)
}

func (t *tx) GetAgent(ctx context.Context, agentID string) (models.Agent, error) {
	return t.d.getAgent(agentID)
}

func (t *tx) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return t.d.getTicket(ticketID)
}

func (t *tx) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	return t.d.listTickets(filter), nil
}

func (t *tx) CountTickets(ctx context.Context, filter store.TicketFilter) (int, error) {
	filter.Limit, filter.Offset = 0, 0
	return len(t.d.listTickets(filter)), nil
}

func (t *tx) CurrentTicket(ctx context.Context, agentID string) (models.Ticket, bool, error) {
	ticket, ok := t.d.currentTicket(agentID)
	return ticket, ok, nil
}

func (t *tx) LockAgent(ctx context.Context, agentID string) (models.Agent, error) {
	return t.d.getAgent(agentID)
}

func (t *tx) LockTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return t.d.getTicket(ticketID)
}

func (t *tx) LockOldestWaiting(ctx context.Context, agencyID string) (models.Ticket, bool, error) {
	queue := t.d.listTickets(store.TicketFilter{
		AgencyID: agencyID,
		Statuses: []models.Status{models.StatusWaiting},
		Limit:    1,
	})
	if len(queue) == 0 {
		return models.Ticket{}, false, nil
	}
	return queue[0], true, nil
}

func (t *tx) InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	if _, exists := t.d.tickets[ticket.TicketID]; exists {
		return models.Ticket{}, store.Wrap("insert ticket", fmt.Errorf("duplicate ticket id %s", ticket.TicketID))
	}
	t.d.nextSeq++
	t.d.order[ticket.TicketID] = t.d.nextSeq
	t.d.tickets[ticket.TicketID] = ticket
	return ticket, nil
}

func (t *tx) UpdateTicket(ctx context.Context, ticket models.Ticket) error {
	if _, exists := t.d.tickets[ticket.TicketID]; !exists {
		return store.ErrNoSuchTicket
	}
	if ticket.Status == models.StatusInService && ticket.AgentID != nil {
		if current, ok := t.d.currentTicket(*ticket.AgentID); ok && current.TicketID != ticket.TicketID {
			return store.ErrAgentBusy
		}
	}
	t.d.tickets[ticket.TicketID] = ticket
	return nil
}

func (t *tx) LastLogEntry(ctx context.Context, ticketID string) (models.LogEntry, bool, error) {
	for i := len(t.d.logs) - 1; i >= 0; i-- {
		if t.d.logs[i].TicketID == ticketID {
			return t.d.logs[i], true, nil
		}
	}
	return models.LogEntry{}, false, nil
}

func (t *tx) InsertLogEntry(ctx context.Context, entry models.LogEntry) error {
	if _, exists := t.d.tickets[entry.TicketID]; !exists {
		return store.Wrap("insert log entry", fmt.Errorf("unknown ticket %s", entry.TicketID))
	}
	t.d.logs = append(t.d.logs, entry)
	return nil
}

func (t *tx) NextSequence(ctx context.Context, agencyID string, service models.Service, day time.Time) (int, error) {
	key := agencyID + "|" + string(service) + "|" + day.Format("2006-01-02")
	t.d.seqs[key]++
	return t.d.seqs[key], nil
}

func (d *dataset) getAgency(agencyID string) (models.Agency, error) {
	agency, ok := d.agencies[agencyID]
	if !ok {
		return models.Agency{}, store.ErrAgencyNotFound
	}
	return agency, nil
}

func (d *dataset) getAgent(agentID string) (models.Agent, error) {
	agent, ok := d.agents[agentID]
	if !ok {
		return models.Agent{}, store.ErrAgentNotFound
	}
	return agent, nil
}

func (d *dataset) getTicket(ticketID string) (models.Ticket, error) {
	ticket, ok := d.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrNoSuchTicket
	}
	return ticket, nil
}

func (d *dataset) currentTicket(agentID string) (models.Ticket, bool) {
	for _, ticket := range d.tickets {
		if ticket.HeldBy(agentID) {
			return ticket, true
		}
	}
	return models.Ticket{}, false
}

func (d *dataset) listTickets(filter store.TicketFilter) []models.Ticket {
	var tickets []models.Ticket
	for _, ticket := range d.tickets {
		if matches(ticket, filter) {
			tickets = append(tickets, ticket)
		}
	}
	sort.Slice(tickets, func(i, j int) bool {
		a, b := tickets[i], tickets[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if filter.NewestFirst {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if filter.NewestFirst {
			return d.order[a.TicketID] > d.order[b.TicketID]
		}
		return d.order[a.TicketID] < d.order[b.TicketID]
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(tickets) {
			return nil
		}
		tickets = tickets[filter.Offset:]
	}
	if filter.Limit > 0 && len(tickets) > filter.Limit {
		tickets = tickets[:filter.Limit]
	}
	return tickets
}

func matches(ticket models.Ticket, filter store.TicketFilter) bool {
	if filter.AgencyID != "" && ticket.AgencyID != filter.AgencyID {
		return false
	}
	if filter.Service != "" && ticket.Service != filter.Service {
		return false
	}
	if filter.Number != "" && ticket.Number != filter.Number {
		return false
	}
	if filter.AgentID != "" && (ticket.AgentID == nil || *ticket.AgentID != filter.AgentID) {
		return false
	}
	if len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, ticket.Status) {
		return false
	}
	if !filter.CreatedFrom.IsZero() && ticket.CreatedAt.Before(filter.CreatedFrom) {
		return false
	}
	if !filter.CreatedBefore.IsZero() {
		if filter.InclusiveBefore {
			if ticket.CreatedAt.After(filter.CreatedBefore) {
				return false
			}
		} else if !ticket.CreatedAt.Before(filter.CreatedBefore) {
			return false
		}
	}
	if !filter.CalledBefore.IsZero() && (ticket.CalledAt == nil || !ticket.CalledAt.Before(filter.CalledBefore)) {
		return false
	}
	if !filter.UpdatedBefore.IsZero() && !ticket.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}
	return true
}

func hasStatus(statuses []models.Status, status models.Status) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}
