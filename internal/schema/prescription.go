// Package schema provides the record types shared by the local store,
// the remote document store client, and the sync engine.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prescription is a medication prescription as cached on the device.
// The same flat structure is written to the remote document store as a
// full-overwrite document, so every field must round-trip through JSON.
type Prescription struct {
	// ===== Core Identification =====
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	// ===== Prescriber & Contacts =====
	DoctorName  string `json:"doctor_name,omitempty"`
	ClinicEmail string `json:"clinic_email,omitempty"`
	FamilyName  string `json:"family_name,omitempty"`
	FamilyEmail string `json:"family_email,omitempty"`

	// ===== Diagnosis & Medication =====
	Diagnosis      string `json:"diagnosis,omitempty"`
	OtherDiagnosis string `json:"other_diagnosis,omitempty"`
	Medication     string `json:"medication"`
	// Frequency is free text whose first digit is the daily dosage cap,
	// e.g. "3x sehari sesudah makan".
	Frequency string `json:"frequency"`
	MealRule  string `json:"meal_rule,omitempty"`

	// ===== Reminder Schedule =====
	// ReminderSchedule maps a dose label to a time of day, e.g.
	// {"pagi": "07:00"}. Opaque to the sync engine.
	ReminderSchedule map[string]string `json:"reminder_schedule,omitempty"`
	DurationDays     int               `json:"duration_days,omitempty"`
	PillCount        int               `json:"pill_count,omitempty"`

	// ===== Compliance Counters =====
	// TotalReports is monotonically non-decreasing; it is incremented by
	// the remote store when a report sub-document is recorded.
	TotalReports   int64      `json:"total_reports"`
	LastReportedAt *time.Time `json:"last_reported_at,omitempty"`

	// ===== Bookkeeping =====
	CreatedAt time.Time `json:"created_at"`
	// Dirty marks local changes not yet confirmed written remotely.
	// Never serialized to the remote store.
	Dirty bool `json:"-"`
}

// NewID returns a fresh client-generated prescription id.
func NewID() string {
	return uuid.NewString()
}

// Validate checks that the prescription can be stored and synced.
func (p *Prescription) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if p.Medication == "" {
		return fmt.Errorf("medication is required")
	}
	if p.TotalReports < 0 {
		return fmt.Errorf("total_reports must not be negative (got %d)", p.TotalReports)
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Recipients returns the deduplicated, non-blank notification addresses
// for this prescription (clinic first, then family).
func (p *Prescription) Recipients() []string {
	var out []string
	seen := make(map[string]bool)
	for _, addr := range []string{p.ClinicEmail, p.FamilyEmail} {
		addr = strings.TrimSpace(addr)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

// Report is a compliance report sub-document recorded under a prescription
// in the remote store. The timestamp is assigned by the server.
type Report struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id"`
	ImageURL  string    `json:"image_url"`
	Timestamp time.Time `json:"timestamp"`
}
