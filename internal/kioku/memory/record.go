package memory

import (
	"errors"
	"strings"
	"time"
)

// ErrEmptyContent is returned when an exchange has nothing worth remembering
// on one of its sides.
var ErrEmptyContent = errors.New("memory: exchange content is empty")

// Provenance names the source system a memory was read from.
type Provenance string

const (
	ProvenanceLive   Provenance = "live"
	ProvenanceLegacy Provenance = "legacy"
)

// Record is the unit of long-term storage. ID is always DeriveID of
// (PersonaID, SourceSystemID, Content); Embedding is attached by the
// ingestion pipeline and is nil until then.
type Record struct {
	ID             string
	PersonaID      string
	SourceSystemID string
	Content        string
	Embedding      []float32
	ContextID      string
	CreatedAt      time.Time
	Provenance     Provenance
}

// Metadata keys written next to every vector.
const (
	MetaPersonaID      = "persona_id"
	MetaSourceSystemID = "source_system_id"
	MetaContextID      = "context_id"
	MetaCreatedAt      = "created_at"
	MetaProvenance     = "provenance"
)

// Metadata returns the attribution stored alongside the record's vector.
func (r Record) Metadata() map[string]string {
	return map[string]string{
		MetaPersonaID:      r.PersonaID,
		MetaSourceSystemID: r.SourceSystemID,
		MetaContextID:      r.ContextID,
		MetaCreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339),
		MetaProvenance:     string(r.Provenance),
	}
}

// FormatExchange renders the text that is embedded and hashed for an
// exchange. Both sides are trimmed; if either is empty the result is "".
func FormatExchange(ex Exchange) string {
	initiator := strings.TrimSpace(ex.Initiator.Content)
	responder := strings.TrimSpace(ex.Responder.Content)
	if initiator == "" || responder == "" {
		return ""
	}
	return "User: " + initiator + "\nAssistant: " + responder
}

// NewRecord builds the candidate memory for an attributed exchange.
func NewRecord(ex Exchange, provenance Provenance) (Record, error) {
	content := FormatExchange(ex)
	if content == "" {
		return Record{}, ErrEmptyContent
	}
	return Record{
		ID:             DeriveID(ex.PersonaID, ex.SourceSystemID, content),
		PersonaID:      ex.PersonaID,
		SourceSystemID: ex.SourceSystemID,
		Content:        content,
		ContextID:      ex.ContextID,
		CreatedAt:      ex.CreatedAt.UTC(),
		Provenance:     provenance,
	}, nil
}
