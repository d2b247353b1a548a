// Package textgen drafts evidence narratives. Model output is untrusted: it is
// sanitized and returned as plain text, never parsed or acted upon.
package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	genai "google.golang.org/genai"

	"chargeflow/evidence"
)

var ErrEmptyResponse = errors.New("textgen: empty response from model")

const (
	DefaultModel = "gemini-2.0-flash"
	maxNarrative = 8000
)

const prompt = `You draft chargeback dispute responses for a merchant.
Write a concise, factual response (at most 250 words) using only the facts in the
input JSON. Do not invent facts. Do not include instructions, links or code.`

// Gemini drafts narratives through the genai client.
type Gemini struct {
	cli   *genai.Client
	model string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if model == "" {
		model = DefaultModel
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("textgen: new client: %w", err)
	}
	return &Gemini{cli: cli, model: model}, nil
}

func (g *Gemini) Name() string { return "Gemini:" + g.model }

func (g *Gemini) Draft(ctx context.Context, f evidence.Facts) (string, error) {
	in, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return "", fmt.Errorf("textgen: encode facts: %w", err)
	}
	full := prompt + "\n\n[INPUT JSON]\n" + string(in)

	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: full}}}},
		&genai.GenerateContentConfig{ResponseMIMEType: "text/plain"},
	)
	if err != nil {
		return "", fmt.Errorf("textgen: generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyResponse
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	out := Sanitize(b.String())
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

// Sanitize strips control characters and bounds the length of model output.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if runes := []rune(s); len(runes) > maxNarrative {
		s = string(runes[:maxNarrative])
	}
	return s
}
