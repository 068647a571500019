package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rickar/cal/v2"
)

type Agency struct {
	AgencyID  string    `json:"agency_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Active    bool      `json:"active"`
	OpenDays  []string  `json:"open_days"`
	OpensAt   string    `json:"opens_at"`
	ClosesAt  string    `json:"closes_at"`
	Timezone  string    `json:"timezone"`
	Holidays  []Holiday `json:"holidays,omitempty"`
}

// Holiday is a one-off date on which the agency stays closed.
type Holiday struct {
	Date time.Time `json:"date"`
	Name string    `json:"name"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	// French day names used by older agency records.
	"dimanche": time.Sunday,
	"lundi":    time.Monday,
	"mardi":    time.Tuesday,
	"mercredi": time.Wednesday,
	"jeudi":    time.Thursday,
	"vendredi": time.Friday,
	"samedi":   time.Saturday,
}

func ParseWeekday(name string) (time.Weekday, bool) {
	day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	return day, ok
}

// ParseClock parses HH:MM or HH:MM:SS into an offset from midnight.
func ParseClock(value string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", value)
	}
	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var offset time.Duration
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("invalid time of day %q", value)
		}
		offset += time.Duration(n) * units[i]
	}
	return offset, nil
}

// Location resolves the agency timezone, falling back to fallback when unset or unknown.
func (a Agency) Location(fallback *time.Location) *time.Location {
	if fallback == nil {
		fallback = time.UTC
	}
	if a.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// Calendar builds the business calendar of open days and holidays.
func (a Agency) Calendar() *cal.BusinessCalendar {
	c := cal.NewBusinessCalendar()
	for day := time.Sunday; day <= time.Saturday; day++ {
		c.SetWorkday(day, false)
	}
	for _, name := range a.OpenDays {
		if day, ok := ParseWeekday(name); ok {
			c.SetWorkday(day, true)
		}
	}
	for _, h := range a.Holidays {
		year, month, day := h.Date.Date()
		c.AddHoliday(&cal.Holiday{
			Name:      h.Name,
			Type:      cal.ObservancePublic,
			Month:     month,
			Day:       day,
			Func:      cal.CalcDayOfMonth,
			StartYear: year,
			EndYear:   year,
		})
	}
	return c
}

// IsOpenAt reports whether the agency accepts tickets at instant t.
// Opening and closing times are both inclusive.
func (a Agency) IsOpenAt(t time.Time, fallback *time.Location) bool {
	if !a.Active {
		return false
	}
	opens, err := ParseClock(a.OpensAt)
	if err != nil {
		return false
	}
	closes, err := ParseClock(a.ClosesAt)
	if err != nil {
		return false
	}

	local := t.In(a.Location(fallback))
	if !a.Calendar().IsWorkday(local) {
		return false
	}
	h, m, s := local.Clock()
	now := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	return now >= opens && now <= closes
}

// LocalDay returns the agency-local calendar date of t at midnight UTC, used to key daily sequences.
func (a Agency) LocalDay(t time.Time, fallback *time.Location) time.Time {
	year, month, day := t.In(a.Location(fallback)).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
