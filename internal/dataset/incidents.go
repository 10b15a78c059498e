package dataset

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rewired-gh/busrisk/internal/models"
)

// Columns maps Incident attributes to source column names. An empty name
// leaves the attribute unset.
type Columns struct {
	ID             string
	Date           string
	Year           string
	Route          string
	Operator       string
	GroupName      string
	BusGarage      string
	Borough        string
	Description    string
	EventType      string
	VictimCategory string
	VictimSex      string
	VictimAge      string
}

// DefaultColumns returns the header names of the TfL bus safety export.
func DefaultColumns() Columns {
	return Columns{
		Date:           "Date Of Incident",
		Year:           "Year",
		Route:          "Route",
		Operator:       "Operator",
		GroupName:      "Group Name",
		BusGarage:      "Bus Garage",
		Borough:        "Borough",
		Description:    "Injury Result Description",
		EventType:      "Incident Event Type",
		VictimCategory: "Victim Category",
		VictimSex:      "Victims Sex",
		VictimAge:      "Victims Age",
	}
}

// DefaultTimeLayouts are tried in order when parsing dates.
var DefaultTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"02/01/2006 15:04",
}

// ParseTime tries each layout in turn.
func ParseTime(value string, layouts []string) (time.Time, error) {
	if len(layouts) == 0 {
		layouts = DefaultTimeLayouts
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}

// Incidents builds the typed view of a table. Unparseable dates and years are
// left at their zero value; typing errors only matter to the feature encoder.
func Incidents(t *Table, cols Columns, layouts []string) []models.Incident {
	out := make([]models.Incident, t.Len())
	for i := range out {
		inc := models.Incident{
			ID:                t.Value(i, cols.ID),
			Route:             t.Value(i, cols.Route),
			Operator:          t.Value(i, cols.Operator),
			GroupName:         t.Value(i, cols.GroupName),
			BusGarage:         t.Value(i, cols.BusGarage),
			Borough:           t.Value(i, cols.Borough),
			InjuryDescription: t.Value(i, cols.Description),
			EventType:         t.Value(i, cols.EventType),
			VictimCategory:    t.Value(i, cols.VictimCategory),
			VictimSex:         t.Value(i, cols.VictimSex),
			VictimAge:         t.Value(i, cols.VictimAge),
		}
		if inc.ID == "" {
			inc.ID = "row-" + strconv.Itoa(i+1)
		}
		if v := t.Value(i, cols.Date); v != "" {
			if ts, err := ParseTime(v, layouts); err == nil {
				inc.Date = ts
			}
		}
		if v := t.Value(i, cols.Year); v != "" {
			if y, err := strconv.Atoi(v); err == nil && y >= 0 {
				inc.Year = y
			}
		}
		if inc.Year == 0 && !inc.Date.IsZero() {
			inc.Year = inc.Date.Year()
		}
		out[i] = inc
	}
	return out
}
