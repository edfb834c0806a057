package sos

import (
	"sort"
	"strings"

	"health-vault/internal/records"
)

// Per-language section headings for the deterministic fallback. Values, not
// prose, so no AI dependency is needed to stay readable by first responders.
var headings = map[string]struct {
	title, blood, allergies, medications, conditions, contacts, none string
}{
	"en": {"EMERGENCY MEDICAL SUMMARY", "Blood type", "Allergies", "Medications", "Conditions", "Emergency contacts", "none recorded"},
	"es": {"RESUMEN MÉDICO DE EMERGENCIA", "Grupo sanguíneo", "Alergias", "Medicamentos", "Condiciones", "Contactos de emergencia", "sin registros"},
	"fr": {"RÉSUMÉ MÉDICAL D'URGENCE", "Groupe sanguin", "Allergies", "Médicaments", "Pathologies", "Contacts d'urgence", "aucun enregistrement"},
	"de": {"MEDIZINISCHE NOTFALLÜBERSICHT", "Blutgruppe", "Allergien", "Medikamente", "Erkrankungen", "Notfallkontakte", "keine Einträge"},
	"zh": {"紧急医疗摘要", "血型", "过敏", "用药", "病症", "紧急联系人", "无记录"},
}

// FallbackSummary assembles the SOS summary directly from structured fields.
// Deterministic: lists are sorted, the same snapshot always yields the same
// text. Used whenever the summarizer fails or exceeds its timeout.
func FallbackSummary(snap records.Snapshot, language string) string {
	h, ok := headings[language]
	if !ok {
		h = headings["en"]
	}

	var b strings.Builder
	b.WriteString(h.title)
	b.WriteString("\n\n")

	b.WriteString(h.blood + ": ")
	if snap.BloodType != "" {
		b.WriteString(snap.BloodType)
	} else {
		b.WriteString(h.none)
	}
	b.WriteString("\n")

	section := func(name string, items []string) {
		b.WriteString(name + ":\n")
		if len(items) == 0 {
			b.WriteString("  - " + h.none + "\n")
			return
		}
		sorted := append([]string(nil), items...)
		sort.Strings(sorted)
		for _, it := range sorted {
			b.WriteString("  - " + it + "\n")
		}
	}
	section(h.allergies, snap.Allergies)
	section(h.medications, snap.Medications)
	section(h.conditions, snap.Conditions)

	b.WriteString(h.contacts + ":\n")
	if len(snap.Contacts) == 0 {
		b.WriteString("  - " + h.none + "\n")
	} else {
		lines := make([]string, 0, len(snap.Contacts))
		for _, c := range snap.Contacts {
			lines = append(lines, "  - "+c.Name+" ("+c.Relation+"): "+c.Phone)
		}
		sort.Strings(lines)
		for _, l := range lines {
			b.WriteString(l + "\n")
		}
	}

	return b.String()
}
