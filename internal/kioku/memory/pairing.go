package memory

import "strings"

// PairStats counts the anomalies absorbed while pairing. None of them are
// errors; they are reported so operators can see how noisy a source is.
type PairStats struct {
	Turns               int // turns examined
	Exchanges           int // exchanges emitted
	UnmatchedInitiators int // initiators with no responder before the next distinct initiator or the end
	DuplicateInitiators int // initiators repeating the pending initiator's content
	DroppedResponders   int // responders with no pending initiator (leading, or repeats after a match)
	NoiseTurns          int // RoleOther turns
}

// Add accumulates o into s.
func (s *PairStats) Add(o PairStats) {
	s.Turns += o.Turns
	s.Exchanges += o.Exchanges
	s.UnmatchedInitiators += o.UnmatchedInitiators
	s.DuplicateInitiators += o.DuplicateInitiators
	s.DroppedResponders += o.DroppedResponders
	s.NoiseTurns += o.NoiseTurns
}

// Pair converts turns, already sorted with SortTurns, into exchanges in a
// single left-to-right scan.
//
// An initiator at the cursor is matched with the first responder after it.
// Turns in between are skipped: RoleOther turns and initiators with the same
// content are noise, while a different initiator supersedes the pending one,
// which is then dropped as unmatched. After a match the cursor moves past the
// responder, so further consecutive responders are dropped as duplicates of
// the same exchange. Only paired exchanges are ever returned, in the order of
// their initiators. PersonaID and SourceSystemID are left for the caller.
func Pair(turns []Turn) ([]Exchange, PairStats) {
	stats := PairStats{Turns: len(turns)}
	var out []Exchange

	i := 0
	for i < len(turns) {
		cur := turns[i]
		if cur.Role != RoleInitiator {
			if cur.Role == RoleResponder {
				stats.DroppedResponders++
			} else {
				stats.NoiseTurns++
			}
			i++
			continue
		}

		j := i + 1
		matched := false
	scan:
		for j < len(turns) {
			next := turns[j]
			switch next.Role {
			case RoleResponder:
				matched = true
				break scan
			case RoleInitiator:
				if !sameContent(cur, next) {
					break scan
				}
				stats.DuplicateInitiators++
			default:
				stats.NoiseTurns++
			}
			j++
		}

		if !matched {
			// Either a newer initiator takes over at j, or the sequence ended
			// with nothing but non-responders after i.
			stats.UnmatchedInitiators++
			i = j
			continue
		}

		out = append(out, Exchange{
			Initiator: cur,
			Responder: turns[j],
			ContextID: cur.ContextID,
			CreatedAt: cur.CreatedAt,
		})
		i = j + 1
	}

	stats.Exchanges = len(out)
	return out, stats
}

func sameContent(a, b Turn) bool {
	return strings.TrimSpace(a.Content) == strings.TrimSpace(b.Content)
}
