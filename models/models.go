package models

import "time"

// Account is a registered user. Secret holds the bcrypt hash of the
// password, never the plaintext. Code is the public 6-character
// identifier other users add as a contact; it never changes once
// assigned.
type Account struct {
	Username string
	Secret   string
	Code     string
}

// Message is one entry in a conversation log. Immutable after creation
// except for Read, which transitions false to true exactly once.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// ContactEntry is one row of a contact-list snapshot. Derived state,
// recomputed on demand and never persisted.
type ContactEntry struct {
	Username    string `json:"username"`
	Code        string `json:"code"`
	IsOnline    bool   `json:"isOnline"`
	UnreadCount int    `json:"unreadCount"`
}
