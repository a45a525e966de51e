package llm

import (
	"fmt"
	"strings"
)

// DefaultSystemPrompt is used when llm.system_prompt is empty.
const DefaultSystemPrompt = `You are a warm, patient conversation companion. You chat with people who may feel lonely, listen to their stories, remember what they have told you earlier in the conversation, and answer in short, natural messages. Never mention that you are an AI model unless asked directly.`

// DefaultProactivePrompt asks the model to restart a quiet conversation.
const DefaultProactivePrompt = `The user has not written for a while. Start a conversation in a natural, friendly way. You can ask how they are, suggest an interesting topic, share something curious, or simply say hello warmly. Be creative and spontaneous, and keep it short.`

// ProactivePrompt builds the trailing instruction for a proactive message.
// When news is non-empty the model is asked to bring it up naturally.
func ProactivePrompt(base, news string) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultProactivePrompt
	}
	if strings.TrimSpace(news) == "" {
		return base
	}
	return fmt.Sprintf(`%s

If it fits, use this recent news item as a conversation starter. Mention it in your own words, do not paste it verbatim:

%s`, base, news)
}

// SystemPrompt returns configured unless it is blank.
func SystemPrompt(configured string) string {
	if strings.TrimSpace(configured) == "" {
		return DefaultSystemPrompt
	}
	return configured
}
