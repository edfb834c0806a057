package sos

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"health-vault/internal/records"
)

func TestDigestIsOrderIndependent(t *testing.T) {
	a := records.Snapshot{
		BloodType:   "O-",
		Allergies:   []string{"penicillin", "latex"},
		Medications: []string{"metformin", "lisinopril"},
		Contacts: []records.Contact{
			{Name: "Ana", Relation: "sister", Phone: "+34600111222"},
			{Name: "Ben", Relation: "friend", Phone: "+34600333444"},
		},
	}
	b := records.Snapshot{
		BloodType:   "O-",
		Allergies:   []string{"latex", "penicillin"},
		Medications: []string{"lisinopril", "metformin"},
		Contacts: []records.Contact{
			{Name: "Ben", Relation: "friend", Phone: "+34600333444"},
			{Name: "Ana", Relation: "sister", Phone: "+34600111222"},
		},
	}
	assert.Equal(t, Digest(a), Digest(b))
}

func TestDigestSensitivity(t *testing.T) {
	base := records.Snapshot{BloodType: "O-", Allergies: []string{"penicillin"}}

	changed := base
	changed.BloodType = "A+"
	assert.NotEqual(t, Digest(base), Digest(changed))

	added := base
	added.Allergies = []string{"penicillin", "latex"}
	assert.NotEqual(t, Digest(base), Digest(added))

	removed := base
	removed.Allergies = nil
	assert.NotEqual(t, Digest(base), Digest(removed))

	// Same value under a different field must not collide.
	swapped := records.Snapshot{BloodType: "O-", Medications: []string{"penicillin"}}
	assert.NotEqual(t, Digest(base), Digest(swapped))
}

func TestDigestResistsSeparatorInjection(t *testing.T) {
	// A value embedding a line break must not hash like two separate fields.
	forged := records.Snapshot{Allergies: []string{"a\nmedication:1:b"}}
	honest := records.Snapshot{Allergies: []string{"a"}, Medications: []string{"b"}}
	assert.NotEqual(t, Digest(forged), Digest(honest))

	// Nor may contact subfields bleed into each other.
	a := records.Snapshot{Contacts: []records.Contact{{Name: "a|b", Relation: "c", Phone: "1"}}}
	b := records.Snapshot{Contacts: []records.Contact{{Name: "a", Relation: "b|c", Phone: "1"}}}
	assert.NotEqual(t, Digest(a), Digest(b))
}

func TestDigestIgnoresRecordCount(t *testing.T) {
	a := records.Snapshot{BloodType: "O-", RecordCount: 3}
	b := records.Snapshot{BloodType: "O-", RecordCount: 7}
	assert.Equal(t, Digest(a), Digest(b), "record count is bookkeeping, not summary content")
}
