// Package session persists the cross-tool conversation log: every command
// sent to a tool and every captured response, append-only.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"      // command or forwarded prompt sent to a tool
	RoleAssistant Role = "assistant" // captured tool response
)

// Message is one entry in the conversation log.
type Message struct {
	ID        string    `db:"id"`
	Role      Role      `db:"role"`
	Tool      string    `db:"tool"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(role Role, tool, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Role:      role,
		Tool:      tool,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
