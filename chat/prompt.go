package chat

import (
	"strings"
)

const (
	DefaultContextBudget  = 50000
	DefaultPersona        = "너는 사내 규정을 안내하는 전문가야."
	DefaultFallbackPhrase = "인사팀에 문의하세요"
)

// TruncateContext returns the first budget runes of text. A non-positive
// budget selects DefaultContextBudget. The cut ignores document and sentence
// boundaries.
func TruncateContext(text string, budget int) string {
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	if len(text) <= budget {
		return text
	}

	count := 0
	for i := range text {
		if count == budget {
			return text[:i]
		}
		count++
	}
	return text
}

// Template is the fixed instruction wrapper sent with every question. Only
// the persona and the fallback phrase are configurable.
type Template struct {
	Persona        string
	FallbackPhrase string
}

func DefaultTemplate() Template {
	return Template{
		Persona:        DefaultPersona,
		FallbackPhrase: DefaultFallbackPhrase,
	}
}

// BuildPrompt assembles the single user-role prompt. The context and the
// question are embedded verbatim.
func (t Template) BuildPrompt(context, question string) string {
	persona := strings.TrimSpace(t.Persona)
	if persona == "" {
		persona = DefaultPersona
	}
	fallback := strings.TrimSpace(t.FallbackPhrase)
	if fallback == "" {
		fallback = DefaultFallbackPhrase
	}

	var sb strings.Builder
	sb.WriteString(persona)
	sb.WriteString("\n아래 [지식 베이스]의 내용만 참고해서 답변해줘. 지식 베이스에 없는 내용은 '")
	sb.WriteString(fallback)
	sb.WriteString("'라고 답해줘.\n")
	sb.WriteString("답변 끝에는 근거가 된 문서 이름을 '참고 문서: [파일명]' 형식으로 적어줘.\n\n")
	sb.WriteString("[지식 베이스]\n")
	sb.WriteString(context)
	sb.WriteString("\n\n질문: ")
	sb.WriteString(question)
	return sb.String()
}
