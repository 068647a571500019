package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsOpenAtHolidays(t *testing.T) {
	agency := Agency{
		AgencyID: "agency-a",
		Active:   true,
		OpenDays: []string{"monday", "tuesday", "wednesday"},
		OpensAt:  "08:00",
		ClosesAt: "17:00",
		Timezone: "UTC",
		Holidays: []Holiday{{Date: time.Date(2025, 8, 6, 0, 0, 0, 0, time.UTC), Name: "Independence"}},
	}

	assert.False(t, agency.IsOpenAt(time.Date(2025, 8, 6, 10, 0, 0, 0, time.UTC), nil), "holiday")
	assert.True(t, agency.IsOpenAt(time.Date(2025, 8, 5, 10, 0, 0, 0, time.UTC), nil), "day before")
	assert.True(t, agency.IsOpenAt(time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC), nil), "holiday is not recurring")
}

func TestIsOpenAtHolidayUsesAgencyTimezone(t *testing.T) {
	newYork, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	agency := Agency{
		AgencyID: "agency-ny",
		Active:   true,
		OpenDays: []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
		OpensAt:  "08:00",
		ClosesAt: "23:00",
		Timezone: "America/New_York",
		Holidays: []Holiday{{Date: time.Date(2025, 8, 6, 0, 0, 0, 0, time.UTC)}},
	}

	// 22:00 local on the holiday is already the 7th in UTC.
	assert.False(t, agency.IsOpenAt(time.Date(2025, 8, 6, 22, 0, 0, 0, newYork), nil))
	// 22:00 local the day before is the holiday in UTC, but not locally.
	assert.True(t, agency.IsOpenAt(time.Date(2025, 8, 5, 22, 0, 0, 0, newYork), nil))
}

func TestIsOpenAtInactiveOrMisconfigured(t *testing.T) {
	monday := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	agency := Agency{Active: true, OpenDays: []string{"lundi"}, OpensAt: "08:00", ClosesAt: "17:00"}
	assert.True(t, agency.IsOpenAt(monday, nil))

	agency.Active = false
	assert.False(t, agency.IsOpenAt(monday, nil))

	agency.Active = true
	agency.ClosesAt = "25:00"
	assert.False(t, agency.IsOpenAt(monday, nil))
}

func TestAgentServes(t *testing.T) {
	assert.True(t, Agent{AgencyID: "agency-a", Role: RoleAgent}.Serves("agency-a"))
	assert.False(t, Agent{AgencyID: "agency-a", Role: RoleAgent}.Serves("agency-b"))
	assert.False(t, Agent{Role: RoleAgent}.Serves(""))
	assert.True(t, Agent{Role: RoleAdmin}.Serves("agency-b"))
}
