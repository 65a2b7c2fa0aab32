package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateForLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		limit  int
		expect string
	}{
		{name: "empty when limit is not positive", input: "senior go engineer", limit: 0, expect: ""},
		{name: "kept when within limit", input: "job-42", limit: 10, expect: "job-42"},
		{name: "cut at the limit", input: "Build payment APIs", limit: 5, expect: "Build..."},
		{name: "counts runes, not bytes", input: "Разработчик Go", limit: 11, expect: "Разработчик..."},
		{name: "surrounding whitespace dropped", input: "\n  {\"score\": 80}  \n", limit: 20, expect: `{"score": 80}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expect, TruncateForLog(tt.input, tt.limit))
		})
	}
}

func TestPreviewFlattensPrompt(t *testing.T) {
	prompt := "Job title: Go Engineer\n\nDescription:\n\tBuild APIs\n"

	assert.Equal(t, "Job title: Go Engineer Description: Build APIs", Preview(prompt, 100))
	assert.Equal(t, "Job title:...", Preview(prompt, 10))
}

func TestPreviewDefaultsLimit(t *testing.T) {
	long := strings.Repeat("a", DefaultPreviewLength+50)

	got := Preview(long, 0)
	assert.Equal(t, strings.Repeat("a", DefaultPreviewLength)+"...", got)
	assert.Equal(t, long[:10], Preview(long[:10], -1))
}
