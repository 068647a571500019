package queue

import (
	"context"

	"qms/agency-queue/internal/models"
	"qms/agency-queue/internal/store"
)

const (
	commentFinished  = "ticket finished"
	commentCancelled = "cancelled by client"
)

// Machine applies ticket transitions. Each public method is one store
// transaction covering the status check, the ticket write and the log entry.
type Machine struct {
	store store.Store
	clock Clock
	log   *DistributionLog
}

func NewMachine(st store.Store, clock Clock, log *DistributionLog) *Machine {
	return &Machine{store: st, clock: clock, log: log}
}

func (m *Machine) Call(ctx context.Context, ticketID, agentID string) (models.Ticket, error) {
	var called models.Ticket
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		agent, err := tx.LockAgent(ctx, agentID)
		if err != nil {
			return err
		}
		ticket, err := tx.LockTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		called, err = m.call(ctx, tx, ticket, agent)
		return err
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return called, nil
}

// CallNext claims the oldest waiting ticket of the agency for the agent.
func (m *Machine) CallNext(ctx context.Context, agencyID, agentID string) (models.Ticket, error) {
	var called models.Ticket
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		agent, err := tx.LockAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if !agent.Serves(agencyID) {
			return store.ErrAgentNotInAgency
		}
		if _, busy, err := tx.CurrentTicket(ctx, agent.AgentID); err != nil {
			return err
		} else if busy {
			return store.ErrAgentBusy
		}
		ticket, found, err := tx.LockOldestWaiting(ctx, agencyID)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrQueueEmpty
		}
		called, err = m.call(ctx, tx, ticket, agent)
		return err
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return called, nil
}

func (m *Machine) Finish(ctx context.Context, ticketID string, notes *string) (models.Ticket, error) {
	var finished models.Ticket
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		ticket, err := tx.LockTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		finished, err = m.finish(ctx, tx, ticket, notes)
		return err
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return finished, nil
}

// FinishCurrent finishes the ticket the agent is serving.
func (m *Machine) FinishCurrent(ctx context.Context, agentID string, notes *string) (models.Ticket, error) {
	var finished models.Ticket
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockAgent(ctx, agentID); err != nil {
			return err
		}
		current, found, err := tx.CurrentTicket(ctx, agentID)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNoCurrentTicket
		}
		ticket, err := tx.LockTicket(ctx, current.TicketID)
		if err != nil {
			return err
		}
		finished, err = m.finish(ctx, tx, ticket, notes)
		return err
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return finished, nil
}

func (m *Machine) Cancel(ctx context.Context, ticketID string) (models.Ticket, error) {
	var cancelled models.Ticket
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		ticket, err := tx.LockTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if !store.ValidTransition(models.ActionCancel, ticket.Status) {
			return store.TransitionError(models.ActionCancel)
		}
		now := m.clock.Now()
		ticket.Status, _ = store.Target(models.ActionCancel)
		ticket.UpdatedAt = now
		if err := tx.UpdateTicket(ctx, ticket); err != nil {
			return err
		}
		if _, err := m.log.Append(ctx, tx, models.LogEntry{
			TicketID:  ticket.TicketID,
			AgencyID:  ticket.AgencyID,
			Action:    models.ActionCancel,
			Timestamp: now,
			Comment:   commentCancelled,
		}); err != nil {
			return err
		}
		cancelled = ticket
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return cancelled, nil
}

func (m *Machine) call(ctx context.Context, tx store.Tx, ticket models.Ticket, agent models.Agent) (models.Ticket, error) {
	if !store.ValidTransition(models.ActionCall, ticket.Status) {
		return models.Ticket{}, store.TransitionError(models.ActionCall)
	}
	if !agent.Serves(ticket.AgencyID) {
		return models.Ticket{}, store.ErrAgentNotInAgency
	}
	if _, busy, err := tx.CurrentTicket(ctx, agent.AgentID); err != nil {
		return models.Ticket{}, err
	} else if busy {
		return models.Ticket{}, store.ErrAgentBusy
	}

	now := m.clock.Now()
	agentID := agent.AgentID
	wait := ElapsedMinutes(ticket.CreatedAt, now)
	ticket.Status, _ = store.Target(models.ActionCall)
	ticket.AgentID = &agentID
	ticket.Counter = nil
	if label := agent.CounterLabel(); label != "" {
		ticket.Counter = &label
	}
	ticket.CalledAt = &now
	ticket.WaitMinutes = &wait
	ticket.UpdatedAt = now
	if err := tx.UpdateTicket(ctx, ticket); err != nil {
		return models.Ticket{}, err
	}

	comment := "called by " + agent.Name
	if ticket.Counter != nil {
		comment += " at counter " + *ticket.Counter
	}
	if _, err := m.log.Append(ctx, tx, models.LogEntry{
		TicketID:  ticket.TicketID,
		AgentID:   ticket.AgentID,
		AgencyID:  ticket.AgencyID,
		Counter:   ticket.Counter,
		Action:    models.ActionCall,
		Timestamp: now,
		Comment:   comment,
	}); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (m *Machine) finish(ctx context.Context, tx store.Tx, ticket models.Ticket, notes *string) (models.Ticket, error) {
	if !store.ValidTransition(models.ActionFinish, ticket.Status) {
		return models.Ticket{}, store.TransitionError(models.ActionFinish)
	}
	now := m.clock.Now()
	ticket.Status, _ = store.Target(models.ActionFinish)
	ticket.FinishedAt = &now
	ticket.Notes = nil
	comment := commentFinished
	if notes != nil && *notes != "" {
		value := *notes
		ticket.Notes = &value
		comment = value
	}
	ticket.UpdatedAt = now
	if err := tx.UpdateTicket(ctx, ticket); err != nil {
		return models.Ticket{}, err
	}
	if _, err := m.log.Append(ctx, tx, models.LogEntry{
		TicketID:  ticket.TicketID,
		AgentID:   ticket.AgentID,
		AgencyID:  ticket.AgencyID,
		Counter:   ticket.Counter,
		Action:    models.ActionFinish,
		Timestamp: now,
		Comment:   comment,
	}); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}
