// Package memory holds the data model of kioku's long-term memory pipeline
// and the pure transformations applied to it: ordering and pairing raw turns
// into exchanges, formatting exchange content, and deriving the
// content-addressed identity that makes repeated ingestion a no-op.
package memory

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// Role tags who produced a turn.
type Role string

const (
	RoleInitiator Role = "initiator" // the human side of an exchange
	RoleResponder Role = "responder" // the assistant side
	RoleOther     Role = "other"     // system notices, tool output, etc.
)

// ParseRole maps the role vocabularies used by the source systems onto Role.
// Unknown values become RoleOther rather than an error; pairing treats them
// as noise.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "human", "initiator":
		return RoleInitiator
	case "assistant", "bot", "ai", "responder":
		return RoleResponder
	default:
		return RoleOther
	}
}

// Turn is a single conversational message as read from a source system.
// Turns are never mutated after they are read.
type Turn struct {
	Role      Role
	Content   string
	CreatedAt time.Time
	ContextID string // conversation/channel scope
}

// Exchange is one initiator turn paired with the responder turn that answered
// it, plus the attribution needed to turn it into a memory. Exchanges only
// exist in flight between pairing and record construction.
type Exchange struct {
	Initiator Turn
	Responder Turn

	PersonaID      string    // canonical persona of the human participant
	SourceSystemID string    // owning entity the memory is attributed to (e.g. the bot character)
	ContextID      string    // copied from the initiator
	CreatedAt      time.Time // copied from the initiator
}

// roleRank orders turns that share a timestamp. A responder recorded at the
// same instant as an initiator is taken to close the previous exchange, not
// to answer the new one.
func roleRank(r Role) int {
	switch r {
	case RoleResponder:
		return 0
	case RoleOther:
		return 1
	default:
		return 2
	}
}

// SortTurns orders turns ascending by CreatedAt in place. Ties are broken by
// role (responder, other, initiator) and then by input order. Source systems
// are known to record turns out of order, so callers sort before Pair.
func SortTurns(turns []Turn) {
	slices.SortStableFunc(turns, func(a, b Turn) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(roleRank(a.Role), roleRank(b.Role))
	})
}
