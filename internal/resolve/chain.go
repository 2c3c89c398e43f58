package resolve

import (
	"sort"
	"time"

	"github.com/sells-group/canon-cli/internal/party"
)

// observation is one sourced value for a single logical slot (an
// attribute, a contact method of one type, an alias, a role edge).
type observation struct {
	value      string
	extra      string // secondary payload (alias type, role category, contact title)
	confidence float64
	prov       party.Provenance
}

// resolved is an observation with its computed validity window and
// primary flag.
type resolved struct {
	observation
	isPrimary  bool
	validStart time.Time
	validEnd   *time.Time
}

// chain is the append-only version history for one slot. Windows are
// recomputed by replaying observations in a canonical order derived
// from provenance, so the final state is identical for every arrival
// permutation of the same observation set.
type chain struct {
	obs []observation
}

// add appends an observation unless an identical one (same source,
// record and value) is already present. Re-ingesting the same row is a
// no-op, which keeps re-runs idempotent.
func (c *chain) add(o observation) {
	for _, existing := range c.obs {
		if existing.prov.Source == o.prov.Source &&
			existing.prov.SourceRecordID == o.prov.SourceRecordID &&
			existing.value == o.value {
			return
		}
	}
	c.obs = append(c.obs, o)
}

// capturedBefore orders observations by capture time, with source name
// and record ID as deterministic tie-breakers. This is the canonical
// replay order, independent of how rows arrived.
func capturedBefore(a, b party.Provenance) bool {
	if !a.CapturedAt.Equal(b.CapturedAt) {
		return a.CapturedAt.Before(b.CapturedAt)
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.SourceRecordID < b.SourceRecordID
}

// resolve replays the chain in canonical capture order and returns
// every observation with its validity window:
//
//   - A new observation that beats the current winner on the
//     priority/quality/recency chain closes the winner at the new
//     observation's capture time and opens itself.
//   - A new observation that loses the tie-break is retained as a
//     closed, non-primary alternative for audit.
//
// Exactly one record is open-ended and primary: the final winner. An
// empty chain resolves to nil.
func (c *chain) resolve() []resolved {
	if len(c.obs) == 0 {
		return nil
	}

	ordered := make([]observation, len(c.obs))
	copy(ordered, c.obs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return capturedBefore(ordered[i].prov, ordered[j].prov)
	})

	out := make([]resolved, 0, len(ordered))
	winner := -1 // index into out

	for _, o := range ordered {
		r := resolved{observation: o, validStart: o.prov.CapturedAt}

		if winner < 0 || out[winner].prov.Less(o.prov) {
			if winner >= 0 {
				end := o.prov.CapturedAt
				out[winner].validEnd = &end
				out[winner].isPrimary = false
			}
			r.isPrimary = true
			out = append(out, r)
			winner = len(out) - 1
			continue
		}

		// Loses the tie-break: non-primary, closed at its own capture
		// time so it was never current.
		end := o.prov.CapturedAt
		r.validEnd = &end
		out = append(out, r)
	}

	return out
}

// winner returns the open-ended record, or nil for an empty chain.
func (c *chain) winner() *resolved {
	for _, r := range c.resolve() {
		if r.validEnd == nil {
			out := r
			return &out
		}
	}
	return nil
}
