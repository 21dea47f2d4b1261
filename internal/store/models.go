package store

import "time"

// User is a person known through a federated identity. (Issuer, Subject) is
// the stable key; Username and Email are refreshed on every sign-in.
type User struct {
	ID          string
	Issuer      string
	Subject     string
	Username    string
	Email       string
	DisplayName string
	Role        string
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// Identity is what a successful sign-in tells us about the user.
type Identity struct {
	Issuer      string
	Subject     string
	Username    string
	Email       string
	DisplayName string
}
