package party

import (
	"errors"
	"fmt"
)

// MalformedRecordError marks a raw record that cannot be resolved to a
// Party. Malformed records are rejected and counted, never fatal.
type MalformedRecordError struct {
	Source   string
	RecordID string
	Reason   string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %s/%s: %s", e.Source, e.RecordID, e.Reason)
}

// IsMalformed reports whether the error chain contains a MalformedRecordError.
func IsMalformed(err error) bool {
	var me *MalformedRecordError
	return errors.As(err, &me)
}

// IntegrityViolationError marks a store invariant that would be
// violated, such as two open-ended primary contact methods of the same
// type. Integrity violations are fatal and carry both conflicting
// provenance blocks for diagnosis.
type IntegrityViolationError struct {
	PartyID     string
	Field       string
	Existing    Provenance
	Conflicting Provenance
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf(
		"store integrity violation on party %s field %s: %s/%s (priority %d, quality %.2f) conflicts with %s/%s (priority %d, quality %.2f)",
		e.PartyID, e.Field,
		e.Existing.Source, e.Existing.SourceRecordID, e.Existing.SelectionPriority, e.Existing.QualityScore,
		e.Conflicting.Source, e.Conflicting.SourceRecordID, e.Conflicting.SelectionPriority, e.Conflicting.QualityScore,
	)
}

// IsIntegrityViolation reports whether the error chain contains an
// IntegrityViolationError.
func IsIntegrityViolation(err error) bool {
	var ie *IntegrityViolationError
	return errors.As(err, &ie)
}
