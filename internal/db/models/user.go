package models

import "time"

// User stores a contributor's upstream identity plus their encrypted OAuth
// credential. EncryptedToken is an opaque AEAD blob; it is never stored or
// logged in plaintext. A nil blob means the user has logged in but holds no
// usable credential.
type User struct {
	ID             string `gorm:"primaryKey;size:255"`
	Username       string `gorm:"size:255;not null"`
	Email          string `gorm:"size:255"`
	EncryptedToken []byte
	TokenExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
