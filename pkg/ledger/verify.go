package ledger

import (
	"fmt"

	"mcpgov/pkg/models"
)

// TamperError names the first entry whose link or hash does not check out.
type TamperError struct {
	ID     int64
	Reason string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("ledger entry %d: %s", e.ID, e.Reason)
}

// Verify checks entries in ascending id order: the first links to GENESIS,
// each later one to its predecessor, and every hash recomputes.
func Verify(entries []models.AuditEntry) error {
	prev := models.GenesisHash
	for _, e := range entries {
		if e.PrevHash != prev {
			return &TamperError{ID: e.ID, Reason: "prev_hash does not match predecessor"}
		}
		payload, err := Payload(AppendInput{EventType: e.EventType, Subject: e.Subject, Decision: e.Decision, Details: e.Details})
		if err != nil {
			return &TamperError{ID: e.ID, Reason: "payload not canonicalizable: " + err.Error()}
		}
		if ComputeHash(e.PrevHash, payload) != e.EntryHash {
			return &TamperError{ID: e.ID, Reason: "entry_hash does not match payload"}
		}
		prev = e.EntryHash
	}
	return nil
}
