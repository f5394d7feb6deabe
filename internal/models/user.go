package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user's access role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// User is an authenticated operator of the replay console.
type User struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	Password   string    `json:"-"` // bcrypt hash
	FullName   string    `json:"full_name"`
	Role       string    `json:"role"`
	DistinctID string    `json:"distinct_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UserPublic is the user shape safe to return from the API.
type UserPublic struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Public converts a User to its API shape.
func (u User) Public() UserPublic {
	return UserPublic{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      Role(u.Role),
		CreatedAt: u.CreatedAt,
	}
}
