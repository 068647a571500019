package models

import "time"

// Action is the transition recorded by a distribution log entry.
type Action string

const (
	ActionCall   Action = "call"
	ActionFinish Action = "finish"
	ActionCancel Action = "cancel"
)

type LogEntry struct {
	EntryID   string    `json:"entry_id"`
	TicketID  string    `json:"ticket_id"`
	AgentID   *string   `json:"agent_id,omitempty"`
	AgencyID  string    `json:"agency_id"`
	Counter   *string   `json:"counter,omitempty"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Comment   string    `json:"comment"`
	Seq       int       `json:"seq"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

func (a Action) Valid() bool {
	switch a {
	case ActionCall, ActionFinish, ActionCancel:
		return true
	}
	return false
}
