package sos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"health-vault/internal/records"
)

// HTTPSummarizer calls an external summarization model over HTTP. The cache
// layer owns timeouts via ctx; the client here carries none of its own.
type HTTPSummarizer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSummarizer(baseURL string, client *http.Client) *HTTPSummarizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSummarizer{baseURL: baseURL, client: client}
}

type summarizeRequest struct {
	Snapshot records.Snapshot `json:"snapshot"`
	Language string           `json:"language"`
}

type translateRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
}

type textResponse struct {
	Text string `json:"text"`
}

func (s *HTTPSummarizer) Generate(ctx context.Context, snap records.Snapshot, language string) (string, error) {
	return s.post(ctx, "/v1/summarize", summarizeRequest{Snapshot: snap, Language: language})
}

func (s *HTTPSummarizer) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	return s.post(ctx, "/v1/translate", translateRequest{Text: text, TargetLanguage: targetLanguage})
}

func (s *HTTPSummarizer) post(ctx context.Context, path string, body any) (string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sos: summarizer returned %s", resp.Status)
	}
	var out textResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", err
	}
	if out.Text == "" {
		return "", errors.New("sos: summarizer returned empty text")
	}
	return out.Text, nil
}

// Disabled is the Summarizer used when no model endpoint is configured. Every
// call fails, which routes generation straight to the fallback template.
type Disabled struct{}

func (Disabled) Generate(context.Context, records.Snapshot, string) (string, error) {
	return "", errors.New("sos: no summarizer configured")
}

func (Disabled) Translate(_ context.Context, _ string, _ string) (string, error) {
	return "", errors.New("sos: no summarizer configured")
}
