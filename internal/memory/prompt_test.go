package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/memtab/internal/history"
)

func TestBuildPrompt_NoRecords(t *testing.T) {
	assert.Equal(t, NoHistoryPrompt, BuildPrompt(nil, 0))
	assert.True(t, IsNoHistory(BuildPrompt(nil, 0)))

	onlyIneligible := []history.Record{
		{URL: "https://a.example", Title: ""},
		{URL: "", Title: "untitled"},
	}
	assert.True(t, IsNoHistory(BuildPrompt(onlyIneligible, 10)))
}

func TestBuildPrompt_Lines(t *testing.T) {
	records := []history.Record{
		{URL: "https://go.dev/doc", Title: "Documentation - The Go Programming Language"},
		{URL: "https://a.example", Title: ""},
		{URL: "https://news.example/<script>", Title: "Breaking {news}"},
	}
	prompt := BuildPrompt(records, 0)

	require.False(t, IsNoHistory(prompt))
	assert.Contains(t, prompt, `"summary"`)
	assert.Contains(t, prompt, `"tags"`)
	assert.True(t, strings.HasSuffix(prompt,
		"- Documentation - The Go Programming Language (https://go.dev/doc)\n"+
			"- Breaking news (https://news.example/script)"), prompt)
}

func TestBuildPrompt_LimitKeepsOrder(t *testing.T) {
	var records []history.Record
	for i := 0; i < 80; i++ {
		records = append(records, history.Record{
			URL:   fmt.Sprintf("https://site.example/%d", i),
			Title: fmt.Sprintf("page %d", i),
		})
	}

	prompt := BuildPrompt(records, 0)
	assert.Equal(t, MaxPromptRecords, strings.Count(prompt, "- page "))
	assert.Contains(t, prompt, "- page 0 (https://site.example/0)")
	assert.Contains(t, prompt, "- page 49 (https://site.example/49)")
	assert.NotContains(t, prompt, "page 50")
	assert.Less(t, strings.Index(prompt, "page 1 "), strings.Index(prompt, "page 2 "))

	small := BuildPrompt(records, 3)
	assert.Contains(t, small, "page 2 ")
	assert.NotContains(t, small, "page 3 ")
}

func TestBuildPrompt_Deterministic(t *testing.T) {
	records := []history.Record{{URL: "https://x.example", Title: "X"}}
	assert.Equal(t, BuildPrompt(records, 5), BuildPrompt(records, 5))
}
