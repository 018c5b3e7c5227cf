package chat

import (
	"time"

	"github.com/sashabaranov/go-openai"
)

// Role tags the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = openai.ChatMessageRoleUser
	RoleAssistant Role = openai.ChatMessageRoleAssistant
	RoleSystem    Role = openai.ChatMessageRoleSystem
)

// ChatbotMessage is one timestamped conversation turn.
type ChatbotMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatRequest carries a new user message and the prior turns, oldest first.
type ChatRequest struct {
	Message string           `json:"message"`
	History []ChatbotMessage `json:"history"`
}

// ChatResponse carries the assistant reply and the request history extended
// with the user turn and the reply.
type ChatResponse struct {
	Message string           `json:"message"`
	History []ChatbotMessage `json:"history"`
}

