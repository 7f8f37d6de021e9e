package domain

import "time"

// User represents a platform account checked during identity verification.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash []byte
	Admin        bool
	CreatedAt    time.Time
}
