// Package models defines the core domain entities for the busrisk application.
// These models represent bus incident records, the derived risk label, the
// features fed to the classifier and the outcome of a training run.
// Models that cross a persistence or export boundary include validation.
//
// Terminology:
//   - Incident: one row of the source incident table.
//   - High risk: an incident whose injury description names a serious injury
//     or a hospital visit.
package models

import (
	"errors"
	"time"
)

// Incident represents one bus-incident record loaded from the source table.
// All attributes are fixed at load time; HighRisk is appended by the labeler,
// and Predicted/RiskScore by the trained model.
type Incident struct {
	ID                string    `json:"id"`
	Date              time.Time `json:"date,omitempty"`
	Year              int       `json:"year,omitempty"`
	Route             string    `json:"route,omitempty"`
	Operator          string    `json:"operator,omitempty"`
	GroupName         string    `json:"group_name,omitempty"`
	BusGarage         string    `json:"bus_garage,omitempty"`
	Borough           string    `json:"borough,omitempty"`
	InjuryDescription string    `json:"injury_description"` // Empty when the source cell was null
	EventType         string    `json:"event_type,omitempty"`
	VictimCategory    string    `json:"victim_category,omitempty"`
	VictimSex         string    `json:"victim_sex,omitempty"`
	VictimAge         string    `json:"victim_age,omitempty"`

	HighRisk  bool     `json:"high_risk"`
	Predicted *bool    `json:"predicted_high_risk,omitempty"` // Nil until a model has been fit
	RiskScore *float64 `json:"risk_score,omitempty"`          // Mean positive-class probability (0–1)
}

// Validate checks that all incident fields are valid.
func (i *Incident) Validate() error {
	if i.ID == "" {
		return errors.New("incident ID must not be empty")
	}
	if i.Year < 0 {
		return errors.New("year must not be negative")
	}
	if i.RiskScore != nil && (*i.RiskScore < 0.0 || *i.RiskScore > 1.0) {
		return errors.New("risk score must be between 0.0 and 1.0")
	}
	if i.RiskScore != nil && i.Predicted == nil {
		return errors.New("risk score requires a prediction")
	}
	return nil
}

// CountHighRisk returns how many incidents carry the high-risk label.
func CountHighRisk(incidents []Incident) int {
	n := 0
	for i := range incidents {
		if incidents[i].HighRisk {
			n++
		}
	}
	return n
}
