// Package models contains domain models for vocalis.
package models

import "time"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single conversation turn. Messages are immutable after
// creation; memory compaction replaces whole messages but never edits
// content in place.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Tokens    int       `json:"tokens"`
	Important bool      `json:"important"`
	IsSummary bool      `json:"is_summary"`
}

// ContextMessage is the wire shape sent to the LLM collaborator:
// role and content only, all bookkeeping stripped.
type ContextMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Strip converts a Message to its LLM-facing form.
func (m Message) Strip() ContextMessage {
	return ContextMessage{Role: m.Role, Content: m.Content}
}
