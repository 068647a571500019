package models

const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

type Agent struct {
	AgentID      string  `json:"agent_id"`
	AgencyID     string  `json:"agency_id,omitempty"`
	Name         string  `json:"name"`
	Email        string  `json:"email"`
	Role         string  `json:"role"`
	Counter      *string `json:"counter,omitempty"`
	Active       bool    `json:"active"`
	PasswordHash string  `json:"-"`
}

func (a Agent) CounterLabel() string {
	if a.Counter == nil {
		return ""
	}
	return *a.Counter
}

// Serves reports whether the agent may call tickets of agencyID. Admins
// may serve any agency.
func (a Agent) Serves(agencyID string) bool {
	return a.Role == RoleAdmin || (a.AgencyID != "" && a.AgencyID == agencyID)
}
