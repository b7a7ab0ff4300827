package types

import "time"

// ConversationTurn is one stored exchange between a user and a provider.
// Turns are append-only: once saved they are never modified.
type ConversationTurn struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	UserInput       string    `json:"user_input"`
	AIResponse      string    `json:"ai_response"`
	Platform        string    `json:"platform"`
	TaskType        TaskType  `json:"task_type"`
	Timestamp       time.Time `json:"timestamp"`
	IsSystemMessage bool      `json:"is_system_message,omitempty"`
}

// Message is a flat role/content chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	// RoleModel is the assistant role in content-parts wire formats.
	RoleModel = "model"
)
