package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const entrySchema = `{
	"type": "object",
	"required": ["summary", "tags"],
	"properties": {
		"summary": {"type": "string", "pattern": "\\S"},
		"tags": {"type": "array", "items": {"type": "string"}}
	}
}`

var entrySchemaLoader = gojsonschema.NewStringLoader(entrySchema)

// ParseResponse turns raw completion text into exactly one Entry.
// Errors wrap ErrEmptyContent, ErrMalformedJSON or ErrInvalidShape.
func ParseResponse(logger *slog.Logger, content string) (Entry, error) {
	cleaned := stripFence(content)
	if cleaned == "" {
		return Entry{}, ErrEmptyContent
	}

	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		if logger != nil {
			logger.Warn("unparseable completion", "text", cleaned, "error", err)
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	return validateShape(doc)
}

// validateShape is the single place where the response contract is checked.
func validateShape(doc any) (Entry, error) {
	result, err := gojsonschema.Validate(entrySchemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return Entry{}, fmt.Errorf("%w: %s", ErrInvalidShape, strings.Join(errs, "; "))
	}

	obj := doc.(map[string]any)
	entry := Entry{
		Summary: strings.TrimSpace(obj["summary"].(string)),
		Tags:    []string{},
	}
	// The schema pattern only knows ASCII whitespace.
	if entry.Summary == "" {
		return Entry{}, fmt.Errorf("%w: summary is blank", ErrInvalidShape)
	}
	for _, raw := range obj["tags"].([]any) {
		if tag := strings.TrimSpace(raw.(string)); tag != "" {
			entry.Tags = append(entry.Tags, tag)
		}
	}
	return entry, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "```json"):
		s = s[len("```json"):]
	case strings.HasPrefix(s, "```"):
		s = s[len("```"):]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
