package models

import "time"

type Ticket struct {
	TicketID        string     `json:"ticket_id"`
	Number          string     `json:"number"`
	Service         Service    `json:"service"`
	AgencyID        string     `json:"agency_id"`
	Status          Status     `json:"status"`
	AgentID         *string    `json:"agent_id,omitempty"`
	Counter         *string    `json:"counter,omitempty"`
	ClientLatitude  *float64   `json:"client_latitude,omitempty"`
	ClientLongitude *float64   `json:"client_longitude,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CalledAt        *time.Time `json:"called_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	WaitMinutes     *int       `json:"wait_minutes,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusInService Status = "in_service"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusInService, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// HeldBy reports whether the ticket is currently being served by agentID.
func (t Ticket) HeldBy(agentID string) bool {
	return t.Status == StatusInService && t.AgentID != nil && *t.AgentID == agentID
}

// ServiceDuration is the time between call and finish, when both are known.
func (t Ticket) ServiceDuration() (time.Duration, bool) {
	if t.CalledAt == nil || t.FinishedAt == nil {
		return 0, false
	}
	return t.FinishedAt.Sub(*t.CalledAt), true
}

// DisplayMessage is the announcement shown on the agency screen for a called ticket.
func (t Ticket) DisplayMessage() string {
	if t.Status != StatusInService {
		return ""
	}
	if t.Counter != nil && *t.Counter != "" {
		return "Number " + t.Number + " is called at counter " + *t.Counter
	}
	return "Number " + t.Number + " is called"
}
