package source

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/kioku/internal/kioku/identity"
	"github.com/bdobrica/kioku/internal/kioku/memory"
)

//go:embed legacy_schema.json
var legacySchemaJSON string

const legacySchemaURL = "https://kioku.local/schemas/legacy-record.json"

// LegacyKind tags a legacy export record.
type LegacyKind string

const (
	LegacyKindTurn     LegacyKind = "turn"
	LegacyKindIdentity LegacyKind = "identity"
)

// LegacyRecord is one line of a legacy export. Kind selects which of the
// remaining fields are meaningful.
type LegacyRecord struct {
	Kind   LegacyKind `json:"kind"`
	UserID string     `json:"user_id"`

	// turn
	Character      string          `json:"character,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Role           string          `json:"role,omitempty"`
	Content        string          `json:"content,omitempty"`
	Timestamp      json.RawMessage `json:"timestamp,omitempty"`

	// identity
	Platform  string `json:"platform,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

// maxLegacyLine bounds a single export line.
const maxLegacyLine = 4 << 20

// LegacyExport reads a JSON-lines export from the previous system. Lines
// that fail schema validation are counted as malformed and skipped.
type LegacyExport struct {
	name   string
	open   func() (io.ReadCloser, error)
	schema *jsonschema.Schema
	logger *slog.Logger
}

var _ Source = (*LegacyExport)(nil)

// NewLegacyExport reads the export at path. A nil logger uses
// slog.Default().
func NewLegacyExport(path string, logger *slog.Logger) (*LegacyExport, error) {
	if path == "" {
		return nil, fmt.Errorf("source legacy: export path is required")
	}
	return newLegacyExport(path, func() (io.ReadCloser, error) { return os.Open(path) }, logger)
}

// NewLegacyExportReader reads an export from r. The reader is consumed by
// the first Read.
func NewLegacyExportReader(name string, r io.Reader, logger *slog.Logger) (*LegacyExport, error) {
	return newLegacyExport(name, func() (io.ReadCloser, error) { return io.NopCloser(r), nil }, logger)
}

func newLegacyExport(name string, open func() (io.ReadCloser, error), logger *slog.Logger) (*LegacyExport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileLegacySchema()
	if err != nil {
		return nil, err
	}
	return &LegacyExport{name: name, open: open, schema: schema, logger: logger}, nil
}

func compileLegacySchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(legacySchemaURL, strings.NewReader(legacySchemaJSON)); err != nil {
		return nil, fmt.Errorf("source legacy: add schema: %w", err)
	}
	schema, err := c.Compile(legacySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("source legacy: compile schema: %w", err)
	}
	return schema, nil
}

// Name implements Source.
func (e *LegacyExport) Name() string { return "legacy" }

// Provenance implements Source.
func (e *LegacyExport) Provenance() memory.Provenance { return memory.ProvenanceLegacy }

// Close implements Source.
func (e *LegacyExport) Close() error { return nil }

// Read implements Source.
func (e *LegacyExport) Read(ctx context.Context) (*Snapshot, error) {
	rc, err := e.open()
	if err != nil {
		return nil, fmt.Errorf("source legacy: open %s: %w", e.name, err)
	}
	defer rc.Close()

	snap := &Snapshot{}
	builder := newThreadBuilder(memory.ProvenanceLegacy)
	hints := make(map[string]*identity.Hint)

	br := bufio.NewReaderSize(rc, 64*1024)
	line := 0
	for {
		data, tooLong, err := readLine(br, maxLegacyLine)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("source legacy: read %s: %w", e.name, err)
		}
		line++
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if tooLong {
			snap.Records++
			snap.Malformed++
			e.logger.Debug("source legacy: record too long", "file", e.name, "line", line, "max", maxLegacyLine)
			continue
		}
		raw := bytes.TrimSpace(data)
		if len(raw) == 0 {
			continue
		}
		snap.Records++

		rec, err := e.decode(raw)
		if err != nil {
			snap.Malformed++
			e.logger.Debug("source legacy: malformed record", "file", e.name, "line", line, "err", err)
			continue
		}

		switch rec.Kind {
		case LegacyKindIdentity:
			hints[rec.UserID] = &identity.Hint{Platform: rec.Platform, AccountID: rec.AccountID}
		case LegacyKindTurn:
			createdAt, err := parseLegacyTimestamp(rec.Timestamp)
			if err != nil {
				snap.Malformed++
				e.logger.Debug("source legacy: bad timestamp", "file", e.name, "line", line, "err", err)
				continue
			}
			builder.add(rec.ConversationID, rec.Character, rec.UserID, memory.Turn{
				Role:      memory.ParseRole(rec.Role),
				Content:   rec.Content,
				CreatedAt: createdAt,
			})
		}
	}
	builder.setHints(hints)
	snap.Threads = builder.build()
	e.logger.Info("source legacy: export read",
		"file", e.name,
		"records", snap.Records,
		"malformed", snap.Malformed,
		"threads", len(snap.Threads),
		"identities", len(hints),
	)
	return snap, nil
}

// decode validates one line against the schema and unmarshals it.
func (e *LegacyExport) decode(raw []byte) (*LegacyRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return nil, err
	}
	var rec LegacyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// readLine returns the next line of r without its newline. A line longer
// than max is drained and reported with tooLong set instead of being
// buffered. io.EOF is returned only once no data is left.
func readLine(r *bufio.Reader, max int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > max+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF && (len(line) > 0 || tooLong):
			return line, tooLong, nil
		case err != nil:
			return nil, false, err
		}
		return bytes.TrimSuffix(line, []byte("\n")), tooLong, nil
	}
}

// parseLegacyTimestamp accepts RFC 3339 strings and Unix seconds.
func parseLegacyTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	}
	var secs int64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %s", raw)
	}
	return time.Unix(secs, 0).UTC(), nil
}
