// Package roster holds the deduplicated directory of known patients and
// resolves free-text references against it.
package roster

import (
	"fmt"
	"strings"
)

// PatientRecord identifies one patient in the roster. Records are immutable
// once loaded; the rest of the pipeline only reads and copies them.
type PatientRecord struct {
	PatientID   string `json:"patient_id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
}

// FullName returns "First Last" with empty parts trimmed away.
func (p PatientRecord) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// DisplayLabel renders the record for user-facing candidate lists.
func (p PatientRecord) DisplayLabel() string {
	return fmt.Sprintf("%s (%s)", p.FullName(), p.PatientID)
}

// Roster is an ordered collection of patients, deduplicated by patient_id.
type Roster []PatientRecord

// fieldAliases maps canonical metadata keys to the spellings seen in
// ingested chunk metadata. Source systems disagree on casing.
var fieldAliases = map[string][]string{
	"patient_id":    {"patient_id", "Patient_Id", "PatientID"},
	"first_name":    {"first_name", "First_Name"},
	"last_name":     {"last_name", "Last_Name"},
	"date_of_birth": {"dob", "Date_of_birth", "DOB", "date_of_birth"},
}

// MetadataField extracts a canonical field from chunk metadata, trying each
// known alias in order. Missing fields return "".
func MetadataField(md map[string]any, key string) string {
	aliases, ok := fieldAliases[key]
	if !ok {
		aliases = []string{key}
	}
	for _, k := range aliases {
		if v, ok := md[k]; ok {
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

// Build assembles a roster from chunk metadata rows. Rows without a
// patient_id are skipped. Duplicate patient_ids keep the first-seen field
// values; order follows first appearance.
func Build(rows []map[string]any) Roster {
	seen := map[string]bool{}
	var out Roster
	for _, md := range rows {
		if md == nil {
			continue
		}
		pid := MetadataField(md, "patient_id")
		if pid == "" || seen[pid] {
			continue
		}
		seen[pid] = true
		out = append(out, PatientRecord{
			PatientID:   pid,
			FirstName:   MetadataField(md, "first_name"),
			LastName:    MetadataField(md, "last_name"),
			DateOfBirth: MetadataField(md, "date_of_birth"),
		})
	}
	return out
}

// FindByID returns the record with the exact patient_id, if present.
func (r Roster) FindByID(patientID string) (PatientRecord, bool) {
	for _, p := range r {
		if p.PatientID == patientID {
			return p, true
		}
	}
	return PatientRecord{}, false
}
