package chat_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/fabfab/policybot/chat"
)

func TestTruncateContextKeepsPrefix(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		budget int
		want   string
	}{
		{name: "under budget", text: "short", budget: 10, want: "short"},
		{name: "exact budget", text: "exact", budget: 5, want: "exact"},
		{name: "ascii cut", text: "abcdefgh", budget: 3, want: "abc"},
		{name: "multibyte cut", text: "연차는 15일", budget: 3, want: "연차는"},
		{name: "empty", text: "", budget: 4, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := chat.TruncateContext(tc.text, tc.budget)
			assert.Equal(t, tc.want, got)
			assert.True(t, strings.HasPrefix(tc.text, got))
			assert.LessOrEqual(t, utf8.RuneCountInString(got), tc.budget)
		})
	}
}

func TestTruncateContextDefaultBudget(t *testing.T) {
	text := strings.Repeat("가", chat.DefaultContextBudget+10)
	got := chat.TruncateContext(text, 0)
	assert.Equal(t, chat.DefaultContextBudget, utf8.RuneCountInString(got))
}

func TestBuildPromptEmbedsContextAndQuestion(t *testing.T) {
	ctx := "[source: leave.pdf]\nAnnual leave: 15 days.\n\n"
	prompt := chat.DefaultTemplate().BuildPrompt(ctx, "How many vacation days?")

	assert.True(t, strings.HasPrefix(prompt, chat.DefaultPersona))
	assert.Contains(t, prompt, "[지식 베이스]\n"+ctx)
	assert.Contains(t, prompt, chat.DefaultFallbackPhrase)
	assert.Contains(t, prompt, "참고 문서: [파일명]")
	assert.True(t, strings.HasSuffix(prompt, "질문: How many vacation days?"))
	assert.Less(t, strings.Index(prompt, ctx), strings.Index(prompt, "질문: "))
}

func TestBuildPromptWithEmptyContext(t *testing.T) {
	prompt := chat.Template{Persona: "  ", FallbackPhrase: "Ask HR"}.BuildPrompt("", "Hi")
	assert.True(t, strings.HasPrefix(prompt, chat.DefaultPersona))
	assert.Contains(t, prompt, "'Ask HR'")
	assert.Contains(t, prompt, "[지식 베이스]\n\n\n질문: Hi")
}
