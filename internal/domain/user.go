// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

// User is the local identity announced to the stage as participant attributes.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(username string) (*User, error) {
	if len(username) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	id := UserID(uuid.NewString())
	return &User{ID: id, Username: username}, nil
}

func (u *User) SetUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}

// Attributes renders the user as stage participant attributes.
func (u *User) Attributes() map[string]string {
	return map[string]string{
		"userId":   string(u.ID),
		"username": u.Username,
	}
}

var fruits = []string{
	"apple", "banana", "orange", "grape", "kiwi",
	"mango", "pineapple", "strawberry", "blueberry", "raspberry",
	"blackberry", "peach", "plum", "apricot", "cherry",
	"lemon", "lime", "grapefruit", "tangerine", "pomegranate",
	"pear", "avocado", "coconut", "papaya", "guava",
}

// RandomUsername returns a throwaway display name like "kiwi-417".
func RandomUsername() string {
	return fmt.Sprintf("%s-%d", fruits[rand.IntN(len(fruits))], rand.IntN(1000))
}
