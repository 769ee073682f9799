// Package llm holds provider-neutral pieces of structured extraction.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxMarkdownChars = 60000

const SystemPrompt = `You extract structured data from documents.
Reply with a single JSON object only. No markdown fences, no commentary.
Use null for values that are not present in the document.`

// BuildExtractionPrompt renders the user prompt for a document and an optional JSON Schema.
func BuildExtractionPrompt(markdown string, schema map[string]any) (string, error) {
	doc := markdown
	if len(doc) > maxMarkdownChars {
		doc = doc[:maxMarkdownChars]
	}

	var sb strings.Builder
	if len(schema) > 0 {
		raw, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal extraction schema: %w", err)
		}
		sb.WriteString("Return a JSON object that validates against this JSON Schema:\n")
		sb.Write(raw)
		sb.WriteString("\n\n")
	} else {
		sb.WriteString("Return a JSON object with the key facts of the document as fields.\n\n")
	}
	sb.WriteString("Document:\n")
	sb.WriteString(doc)
	return sb.String(), nil
}

// DecodeObject trims model chatter around the outermost JSON object and checks it parses.
func DecodeObject(raw string) (json.RawMessage, error) {
	text := strings.TrimSpace(raw)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("model reply contains no json object")
	}
	candidate := []byte(text[start : end+1])
	if !json.Valid(candidate) {
		return nil, errors.New("model reply is not valid json")
	}
	return json.RawMessage(candidate), nil
}
