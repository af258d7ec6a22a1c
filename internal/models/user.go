package models

import "time"

// Avatar mirrors the stored avatar reference of a user profile.
type Avatar struct {
	PublicID string `json:"public_id" bson:"public_id" db:"avatar_public_id"`
	URL      string `json:"url" bson:"url" db:"avatar_url"`
}

// User is the slice of a user record the chat core reads. Profile fields beyond
// name and avatar belong to the user service.
type User struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	Avatar    Avatar    `json:"avatar"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// DisplayInfo is what the user directory exposes for contact rows and notifications.
type DisplayInfo struct {
	Name   string `json:"name"`
	Avatar Avatar `json:"avatar"`
}
