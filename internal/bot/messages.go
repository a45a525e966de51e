package bot

import (
	"fmt"
	"strings"
)

const helpMessage = `🤝 How this works

Just write whatever you feel like telling me and I will answer. I remember our conversation, so you can refer back to things you told me before.

Commands:
/start - Welcome message
/help - Show this help
/reset - Erase our history and start over

I'm here to keep you company. Write to me any time!`

const resetMessage = "✨ I've erased our conversation history.\n\nWe can start fresh. What would you like to talk about?"

func welcomeMessage(firstName string) string {
	name := strings.TrimSpace(firstName)
	greeting := "Hello! 👋"
	if name != "" {
		greeting = fmt.Sprintf("Hello %s! 👋", name)
	}
	return greeting + `

I'm your conversation companion. I'm here to chat, listen to your stories and keep you company. You can talk to me about anything: your memories, your day, the things you enjoy.

Write any message to get started.

Commands:
/help - Show help
/reset - Start a new conversation`
}
