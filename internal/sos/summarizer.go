package sos

import (
	"context"

	"health-vault/internal/records"
)

// Summarizer is the narrow contract to the external summarization model.
// Both calls must honor ctx cancellation; any error or timeout is treated as
// a generation failure and recovered locally with the fallback template.
type Summarizer interface {
	Generate(ctx context.Context, snap records.Snapshot, language string) (string, error)
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}
