// Package domain contains core domain types for the Trax tutor.
package domain

import (
	"time"
)

// User is a session owner together with the preferred tutoring mode that new
// sessions inherit.
type User struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PreferredMode returns the user's stored mode, or ModeTutor when unset or unknown.
func (u *User) PreferredMode() Mode {
	if u == nil || !u.Mode.Valid() {
		return ModeTutor
	}
	return u.Mode
}
