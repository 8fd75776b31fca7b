package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"mcpgov/pkg/apierr"
	"mcpgov/pkg/models"
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var csvHeader = []string{"id", "event_type", "subject", "decision", "details", "prev_hash", "entry_hash", "created_at"}

// ContentType returns the media type of an export format.
func ContentType(format string) string {
	if format == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Export writes the full chain, oldest first, as a JSON array or CSV.
func (l *Ledger) Export(ctx context.Context, w io.Writer, format string) error {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		return apierr.Validation("invalid_format", "fmt must be json or csv")
	}
	entries, err := l.Store.All(ctx)
	if err != nil {
		return apierr.Persistence("export_failed", err)
	}
	if format == FormatJSON {
		err = WriteJSON(w, entries)
	} else {
		err = WriteCSV(w, entries)
	}
	if err != nil {
		return apierr.Persistence("export_failed", err)
	}
	return nil
}

func WriteJSON(w io.Writer, entries []models.AuditEntry) error {
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return json.NewEncoder(w).Encode(entries)
}

// WriteCSV embeds details as canonical JSON in a single field.
func WriteCSV(w io.Writer, entries []models.AuditEntry) error {
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		details := e.Details
		if details == nil {
			details = map[string]any{}
		}
		canon, err := models.CanonicalString(details)
		if err != nil {
			return err
		}
		decision := "False"
		if e.Decision {
			decision = "True"
		}
		if err := cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.EventType,
			e.Subject,
			decision,
			canon,
			e.PrevHash,
			e.EntryHash,
			e.CreatedAt.Format(time.RFC3339Nano),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
