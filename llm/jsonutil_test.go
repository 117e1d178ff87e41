package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "bare object",
			content: `{"a": 1}`,
			want:    `{"a": 1}`,
		},
		{
			name:    "markdown fenced",
			content: "Here is the plan:\n```json\n{\"a\": 1}\n```\nDone.",
			want:    `{"a": 1}`,
		},
		{
			name:    "fence without language",
			content: "```\n{\"a\": 1}\n```",
			want:    `{"a": 1}`,
		},
		{
			name:    "trailing comma removed",
			content: `{"a": 1, "b": [1, 2,],}`,
			want:    `{"a": 1, "b": [1, 2]}`,
		},
		{
			name:    "line comment stripped",
			content: "{\n\"a\": 1 // the answer\n}",
			want:    "{\n\"a\": 1\n}",
		},
		{
			name:    "url in string survives",
			content: `{"url": "http://example.com"}`,
			want:    `{"url": "http://example.com"}`,
		},
		{
			name:    "no json",
			content: "I could not produce a plan.",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSON(tt.content)
			assert.Equal(t, tt.want, got)
			if got != "" {
				var obj map[string]any
				require.NoError(t, json.Unmarshal([]byte(got), &obj), "extracted JSON must parse")
			}
		})
	}
}

func TestExtractJSONArray(t *testing.T) {
	got := ExtractJSONArray("```json\n[1, 2, 3,]\n```")
	assert.Equal(t, "[1, 2, 3]", got)

	assert.Equal(t, `["a"]`, ExtractJSONArray(`prefix ["a"] suffix`))
	assert.Empty(t, ExtractJSONArray("nothing here"))
}
