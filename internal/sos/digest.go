package sos

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"health-vault/internal/records"
)

// Digest fingerprints the SOS-contributing fields of a snapshot. Each field
// is labeled, the labeled lines are sorted, and the sorted block is hashed —
// so the digest is independent of the order the record manager happens to
// return fields in, but sensitive to any value changing, appearing or
// disappearing. Values are length-prefixed so a value embedding a separator
// cannot masquerade as another field.
func Digest(snap records.Snapshot) string {
	lines := make([]string, 0, 2+len(snap.Allergies)+len(snap.Medications)+len(snap.Conditions)+len(snap.Contacts))
	lines = append(lines, field("blood", snap.BloodType))
	for _, a := range snap.Allergies {
		lines = append(lines, field("allergy", a))
	}
	for _, m := range snap.Medications {
		lines = append(lines, field("medication", m))
	}
	for _, c := range snap.Conditions {
		lines = append(lines, field("condition", c))
	}
	for _, c := range snap.Contacts {
		lines = append(lines, field("contact", c.Name, c.Relation, c.Phone))
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func field(label string, values ...string) string {
	var b strings.Builder
	b.WriteString(label)
	for _, v := range values {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(':')
		b.WriteString(v)
	}
	return b.String()
}
