package models

import "time"

// Role identifies who authored a message in a conversation.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Valid reports whether the role is one the provider accepts in history.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// Message is one turn of a conversation. Timestamp is epoch milliseconds.
type Message struct {
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// NewMessage stamps a message with the current time.
func NewMessage(role Role, text string) Message {
	return Message{Role: role, Text: text, Timestamp: NowMillis()}
}

// NowMillis returns the current wall clock as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
