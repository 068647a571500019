// Package seed loads agencies and agents from a YAML file.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"qms/agency-queue/internal/models"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

type File struct {
	Agencies []Agency `yaml:"agencies"`
	Agents   []Agent  `yaml:"agents"`
}

type Agency struct {
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	Address   string    `yaml:"address"`
	Latitude  *float64  `yaml:"latitude"`
	Longitude *float64  `yaml:"longitude"`
	Active    *bool     `yaml:"active"`
	OpenDays  []string  `yaml:"open_days"`
	OpensAt   string    `yaml:"opens_at"`
	ClosesAt  string    `yaml:"closes_at"`
	Timezone  string    `yaml:"timezone"`
	Holidays  []Holiday `yaml:"holidays"`
}

type Holiday struct {
	Date string `yaml:"date"`
	Name string `yaml:"name"`
}

type Agent struct {
	ID       string  `yaml:"id"`
	AgencyID string  `yaml:"agency_id"`
	Name     string  `yaml:"name"`
	Email    string  `yaml:"email"`
	Role     string  `yaml:"role"`
	Counter  *string `yaml:"counter"`
	Active   *bool   `yaml:"active"`
	// Password is hashed with bcrypt before storing. Leave empty to keep
	// the stored hash of an existing agent.
	Password string `yaml:"password"`
}

// Target receives the seeded records.
type Target interface {
	UpsertAgency(ctx context.Context, agency models.Agency) error
	UpsertAgent(ctx context.Context, agent models.Agent) error
}

type Result struct {
	Agencies int
	Agents   int
}

func LoadFile(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	defer f.Close()
	return Load(f)
}

func Load(r io.Reader) (File, error) {
	var file File
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("parse seed file: %w", err)
	}
	return file, nil
}

// Apply validates the whole file before writing anything, then upserts
// agencies before agents.
func Apply(ctx context.Context, target Target, file File) (Result, error) {
	agencies := make([]models.Agency, 0, len(file.Agencies))
	for i, a := range file.Agencies {
		agency, err := a.model()
		if err != nil {
			return Result{}, fmt.Errorf("agencies[%d]: %w", i, err)
		}
		agencies = append(agencies, agency)
	}
	agents := make([]models.Agent, 0, len(file.Agents))
	for i, a := range file.Agents {
		agent, err := a.model()
		if err != nil {
			return Result{}, fmt.Errorf("agents[%d]: %w", i, err)
		}
		agents = append(agents, agent)
	}

	var result Result
	for _, agency := range agencies {
		if err := target.UpsertAgency(ctx, agency); err != nil {
			return result, fmt.Errorf("upsert agency %s: %w", agency.AgencyID, err)
		}
		result.Agencies++
	}
	for _, agent := range agents {
		if err := target.UpsertAgent(ctx, agent); err != nil {
			return result, fmt.Errorf("upsert agent %s: %w", agent.AgentID, err)
		}
		result.Agents++
	}
	return result, nil
}

func (a Agency) model() (models.Agency, error) {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Name) == "" {
		return models.Agency{}, errors.New("id and name are required")
	}
	opens, closes := a.OpensAt, a.ClosesAt
	if opens == "" {
		opens = "08:00"
	}
	if closes == "" {
		closes = "17:00"
	}
	if _, err := models.ParseClock(opens); err != nil {
		return models.Agency{}, err
	}
	if _, err := models.ParseClock(closes); err != nil {
		return models.Agency{}, err
	}
	for _, day := range a.OpenDays {
		if _, ok := models.ParseWeekday(day); !ok {
			return models.Agency{}, fmt.Errorf("unknown open day %q", day)
		}
	}
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return models.Agency{}, fmt.Errorf("unknown timezone %q", a.Timezone)
		}
	}

	agency := models.Agency{
		AgencyID:  strings.TrimSpace(a.ID),
		Name:      strings.TrimSpace(a.Name),
		Address:   a.Address,
		Latitude:  a.Latitude,
		Longitude: a.Longitude,
		Active:    a.Active == nil || *a.Active,
		OpenDays:  a.OpenDays,
		OpensAt:   opens,
		ClosesAt:  closes,
		Timezone:  a.Timezone,
	}
	for _, h := range a.Holidays {
		date, err := time.Parse(time.DateOnly, h.Date)
		if err != nil {
			return models.Agency{}, fmt.Errorf("holiday %q: %w", h.Date, err)
		}
		agency.Holidays = append(agency.Holidays, models.Holiday{Date: date, Name: h.Name})
	}
	return agency, nil
}

func (a Agent) model() (models.Agent, error) {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Email) == "" {
		return models.Agent{}, errors.New("id and email are required")
	}
	role := strings.ToLower(strings.TrimSpace(a.Role))
	switch role {
	case "":
		role = models.RoleAgent
	case models.RoleAgent, models.RoleAdmin:
	default:
		return models.Agent{}, fmt.Errorf("unknown role %q", a.Role)
	}

	agent := models.Agent{
		AgentID:  strings.TrimSpace(a.ID),
		AgencyID: strings.TrimSpace(a.AgencyID),
		Name:     a.Name,
		Email:    strings.ToLower(strings.TrimSpace(a.Email)),
		Role:     role,
		Counter:  a.Counter,
		Active:   a.Active == nil || *a.Active,
	}
	if a.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(a.Password), bcrypt.DefaultCost)
		if err != nil {
			return models.Agent{}, err
		}
		agent.PasswordHash = string(hash)
	}
	return agent, nil
}
