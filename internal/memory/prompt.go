package memory

import (
	"strings"

	"github.com/stellarlinkco/memtab/internal/history"
)

// MaxPromptRecords is the default number of history lines sent per run.
const MaxPromptRecords = 50

// NoHistoryPrompt is returned by BuildPrompt when there is nothing to summarize.
// It must never reach the gateway.
const NoHistoryPrompt = "No relevant browsing history found to generate memories."

const promptPreamble = `You are a memory assistant. Below is a list of web pages a user visited recently.
Write one memory entry that captures the main activities and intent behind these visits.

Respond with a single JSON object of exactly this shape:
{"summary": "<one or two sentences describing what the user was doing>", "tags": ["<topic>", "<topic>"]}

Rules:
- "summary" is a non-empty string.
- "tags" is an array of short topic strings (it may be empty).
- Do not add any other top-level fields.
- Do not write any text before or after the JSON object.

Browsing history:
`

// BuildPrompt renders at most limit eligible records into the completion prompt.
// A non-positive limit falls back to MaxPromptRecords. Caller order is kept.
func BuildPrompt(records []history.Record, limit int) string {
	if limit <= 0 {
		limit = MaxPromptRecords
	}

	var lines []string
	for _, r := range records {
		if len(lines) == limit {
			break
		}
		if r.URL == "" || r.Title == "" {
			continue
		}
		lines = append(lines, "- "+Sanitize(r.Title)+" ("+Sanitize(r.URL)+")")
	}
	if len(lines) == 0 {
		return NoHistoryPrompt
	}
	return promptPreamble + strings.Join(lines, "\n")
}

func IsNoHistory(prompt string) bool {
	return prompt == NoHistoryPrompt
}
