package tokenizer

import "strings"

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatML role markers. Checkpoints carrying their own jinja chat_template
// are rendered with this fixed equivalent instead.
const (
	turnStart = "<|im_start|>"
	turnEnd   = "<|im_end|>"
)

// ApplyChatTemplate renders messages into the flat prompt string the model
// is generated from. With addGenerationPrompt the assistant turn opener is
// appended verbatim so generation continues inside an assistant turn.
func (t *Tokenizer) ApplyChatTemplate(messages []Message, addGenerationPrompt bool) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(turnStart)
		sb.WriteString(m.Role)
		sb.WriteString("\n")
		sb.WriteString(m.Content)
		sb.WriteString(turnEnd)
		sb.WriteString("\n")
	}
	if addGenerationPrompt {
		sb.WriteString(turnStart)
		sb.WriteString("assistant\n")
	}
	return sb.String()
}
