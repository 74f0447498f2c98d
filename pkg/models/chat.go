package models

import "time"

// Chat is a conversation thread owned by a single user.
//
// UpdatedAt reflects message activity only, never metadata edits: renaming
// a chat must not reorder it in a recency-sorted list.
type Chat struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	AgentID   string     `json:"agent_id"`
	Title     string     `json:"title,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the chat is soft-deleted.
func (c *Chat) Deleted() bool {
	return c.DeletedAt != nil
}

// User is an authenticated account.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Admin     bool      `json:"admin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
