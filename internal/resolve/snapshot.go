package resolve

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/canon-cli/internal/party"
)

// ScoreInput carries the per-party lead-scoring dimensions extracted
// during ingestion.
type ScoreInput struct {
	Completeness    float64
	EmailConfidence float64
	PhoneConfidence float64
	SourcePriority  int
}

// Snapshot is the resolved canonical state of a run: the four entity
// sets ready for persistence, plus scoring inputs per party. Snapshots
// are deterministic: the same observation set yields the same snapshot
// regardless of ingestion order.
type Snapshot struct {
	Parties  []party.Party
	Aliases  []party.Alias
	Roles    []party.Role
	Contacts []party.ContactMethod

	ScoreInputs map[string]ScoreInput
}

// Snapshot resolves every version chain and assembles the canonical
// entities. It verifies the store invariants and fails with an
// IntegrityViolationError naming the party, the field and both
// conflicting provenance blocks if one would be broken.
func (r *Resolver) Snapshot() (*Snapshot, error) {
	r.mu.Lock()
	states := make([]*partyState, len(r.ordered))
	copy(states, r.ordered)
	r.mu.Unlock()

	sort.Slice(states, func(i, j int) bool {
		if states[i].kind != states[j].kind {
			return states[i].kind < states[j].kind
		}
		if states[i].normalizedName != states[j].normalizedName {
			return states[i].normalizedName < states[j].normalizedName
		}
		return states[i].countryCode < states[j].countryCode
	})

	snap := &Snapshot{ScoreInputs: make(map[string]ScoreInput, len(states))}

	for _, st := range states {
		st.mu.Lock()
		if err := snap.appendParty(st); err != nil {
			st.mu.Unlock()
			return nil, err
		}
		st.mu.Unlock()
	}

	return snap, nil
}

func (s *Snapshot) appendParty(st *partyState) error {
	names := st.names.resolve()
	if len(names) == 0 {
		return nil // party without a single name observation cannot exist
	}

	nameWinner := openRecord(names)
	if nameWinner == nil {
		return eris.Errorf("resolve: party %s has no open display name", st.id)
	}

	country := st.countryCode
	if w := st.country.winner(); w != nil {
		country = w.value
	}

	created, updated := observationSpan(st)

	p := party.Party{
		ID:             st.id,
		Kind:           st.kind,
		DisplayName:    nameWinner.value,
		NormalizedName: st.normalizedName,
		CountryCode:    country,
		Provenance:     nameWinner.prov,
		CreatedAt:      created,
		UpdatedAt:      updated,
	}
	s.Parties = append(s.Parties, p)

	for _, n := range names {
		s.Aliases = append(s.Aliases, party.Alias{
			ID:             recordID("alias", st.id, n.value, n.prov),
			PartyID:        st.id,
			Alias:          n.value,
			AliasType:      n.extra,
			Confidence:     n.confidence,
			ConfidenceBand: party.BandFor(n.confidence),
			IsPrimary:      n.isPrimary,
			ValidStart:     n.validStart,
			ValidEnd:       n.validEnd,
			Provenance:     n.prov,
		})
	}

	for _, methodType := range sortedKeys(st.contacts) {
		c := st.contacts[methodType]
		records := c.resolve()
		if err := verifySinglePrimary(st.id, "contact_method:"+methodType, records); err != nil {
			return err
		}
		for _, rec := range records {
			s.Contacts = append(s.Contacts, party.ContactMethod{
				ID:         recordID("contact|"+methodType, st.id, rec.value, rec.prov),
				PartyID:    st.id,
				MethodType: methodType,
				Value:      rec.value,
				IsPrimary:  rec.isPrimary,
				Confidence: rec.confidence,
				ValidStart: rec.validStart,
				ValidEnd:   rec.validEnd,
				Provenance: rec.prov,
			})
		}
	}

	for _, roleKey := range sortedKeys(st.roles) {
		c := st.roles[roleKey]
		subjectID := roleKey[:strings.IndexByte(roleKey, '|')]
		records := c.resolve()
		if err := verifySinglePrimary(st.id, "role:"+roleKey, records); err != nil {
			return err
		}
		for _, rec := range records {
			category, _, _ := strings.Cut(rec.extra, "|")
			s.Roles = append(s.Roles, party.Role{
				ID:             recordID("role", st.id+"|"+subjectID, rec.value, rec.prov),
				SubjectPartyID: subjectID,
				ObjectPartyID:  st.id,
				RoleName:       rec.value,
				RoleCategory:   category,
				IsPrimary:      rec.isPrimary,
				ValidStart:     rec.validStart,
				ValidEnd:       rec.validEnd,
				Provenance:     rec.prov,
			})
		}
	}

	s.ScoreInputs[st.id] = ScoreInput{
		Completeness:    st.completeness,
		EmailConfidence: st.emailConf,
		PhoneConfidence: st.phoneConf,
		SourcePriority:  nameWinner.prov.SelectionPriority,
	}

	return nil
}

// verifySinglePrimary enforces the at-most-one open primary invariant
// per slot. A violation is fatal and names both provenance blocks.
func verifySinglePrimary(partyID, field string, records []resolved) error {
	var open *resolved
	for i := range records {
		rec := &records[i]
		if rec.validEnd != nil || !rec.isPrimary {
			continue
		}
		if open != nil {
			return &party.IntegrityViolationError{
				PartyID:     partyID,
				Field:       field,
				Existing:    open.prov,
				Conflicting: rec.prov,
			}
		}
		open = rec
	}
	return nil
}

func openRecord(records []resolved) *resolved {
	for i := range records {
		if records[i].validEnd == nil {
			return &records[i]
		}
	}
	return nil
}

// observationSpan returns the earliest and latest capture times across
// all of the party's observations.
func observationSpan(st *partyState) (time.Time, time.Time) {
	first, last := st.firstSeen, st.firstSeen
	scan := func(c chain) {
		for _, o := range c.obs {
			if o.prov.CapturedAt.Before(first) {
				first = o.prov.CapturedAt
			}
			if o.prov.CapturedAt.After(last) {
				last = o.prov.CapturedAt
			}
		}
	}
	scan(st.names)
	scan(st.country)
	for _, c := range st.contacts {
		scan(c)
	}
	for _, c := range st.roles {
		scan(c)
	}
	return first, last
}

func recordID(kind, partyID, value string, prov party.Provenance) string {
	return party.DeriveID(kind + "|" + partyID + "|" + value + "|" + prov.Source + "|" + prov.SourceRecordID)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PrimaryContact returns the open primary contact method of the given
// type for a party, or nil.
func (s *Snapshot) PrimaryContact(partyID, methodType string) *party.ContactMethod {
	for i := range s.Contacts {
		c := &s.Contacts[i]
		if c.PartyID == partyID && c.MethodType == methodType && c.IsPrimary && c.ValidEnd == nil {
			return c
		}
	}
	return nil
}

// ContactsAsOf returns the contact methods of the given type whose
// validity window covers t.
func (s *Snapshot) ContactsAsOf(partyID, methodType string, t time.Time) []party.ContactMethod {
	var out []party.ContactMethod
	for _, c := range s.Contacts {
		if c.PartyID == partyID && c.MethodType == methodType && party.CurrentAt(c.ValidStart, c.ValidEnd, t) {
			out = append(out, c)
		}
	}
	return out
}

// AliasesAsOf returns the aliases whose validity window covers t.
func (s *Snapshot) AliasesAsOf(partyID string, t time.Time) []party.Alias {
	var out []party.Alias
	for _, a := range s.Aliases {
		if a.PartyID == partyID && party.CurrentAt(a.ValidStart, a.ValidEnd, t) {
			out = append(out, a)
		}
	}
	return out
}

// PartyByName returns the party with the given normalized name, or nil.
func (s *Snapshot) PartyByName(normalizedName string) *party.Party {
	for i := range s.Parties {
		if s.Parties[i].NormalizedName == normalizedName {
			return &s.Parties[i]
		}
	}
	return nil
}
