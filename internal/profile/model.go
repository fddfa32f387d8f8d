package profile

import (
	"regexp"
	"strings"
	"time"
)

// MedicineRecord is a medicine the profile is known to be taking.
// Name identity is case-insensitive.
type MedicineRecord struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	AddedAt time.Time `json:"added_at"`
}

// Reminder is a scheduled dosage alert. Several reminders may reference the
// same medicine.
type Reminder struct {
	ID           string `json:"id"`
	MedicineName string `json:"medicine_name"`
	Dosage       string `json:"dosage"`
	TimeOfDay    string `json:"time_of_day"` // "HH:MM", local time
	Active       bool   `json:"active"`
}

// Profile is one local user's isolated medicine/reminder data and preferences.
// Values handed out by Store are copies; mutate through Store only.
type Profile struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Color        string           `json:"color"`
	LanguageCode string           `json:"language_code"`
	VoiceID      string           `json:"voice_id"`
	Medications  []MedicineRecord `json:"medications"`
	Reminders    []Reminder       `json:"reminders"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Preferences is a partial update; nil fields are left unchanged.
type Preferences struct {
	LanguageCode *string `json:"language,omitempty"`
	VoiceID      *string `json:"voice_id,omitempty"`
}

// Clone returns a deep copy. Child slices are never nil.
func (p Profile) Clone() Profile {
	out := p
	out.Medications = make([]MedicineRecord, len(p.Medications))
	copy(out.Medications, p.Medications)
	out.Reminders = make([]Reminder, len(p.Reminders))
	copy(out.Reminders, p.Reminders)
	return out
}

// FindMedication returns the record whose name matches under case-insensitive comparison.
func (p Profile) FindMedication(name string) (MedicineRecord, bool) {
	for _, m := range p.Medications {
		if SameMedicine(m.Name, name) {
			return m, true
		}
	}
	return MedicineRecord{}, false
}

// HasMedication reports whether name is already in the list.
func (p Profile) HasMedication(name string) bool {
	_, ok := p.FindMedication(name)
	return ok
}

// MedicationNames lists medicine names in list order.
func (p Profile) MedicationNames() []string {
	names := make([]string, 0, len(p.Medications))
	for _, m := range p.Medications {
		names = append(names, m.Name)
	}
	return names
}

// SameMedicine compares two medicine names the way the store deduplicates them.
func SameMedicine(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

var timeOfDayPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// ValidTimeOfDay reports whether s is a 24h "HH:MM" value.
func ValidTimeOfDay(s string) bool {
	return timeOfDayPattern.MatchString(s)
}

var palette = []string{
	"#4F46E5", // indigo
	"#059669", // emerald
	"#DC2626", // red
	"#D97706", // amber
	"#7C3AED", // violet
	"#0891B2", // cyan
	"#DB2777", // pink
	"#65A30D", // lime
}

// colorFor picks the UI color tag for the n-th created profile.
func colorFor(n int) string {
	if n < 0 {
		n = -n
	}
	return palette[n%len(palette)]
}
