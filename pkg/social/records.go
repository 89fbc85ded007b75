// Package social defines the domain collaborators the workflow jobs act
// on: user, connection, story, and message records, their persistence
// interfaces, and the outbound mail transport. The workflow engine itself
// knows nothing about these types; jobs close over them.
package social

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups when no record matches.
var ErrNotFound = errors.New("record not found")

// User is a member profile. ID is the external identifier assigned by the
// auth provider.
type User struct {
	ID             string
	Email          string
	FullName       string
	Username       string
	ProfilePicture string
}

// ConnectionStatus is the state of a connection request.
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionAccepted ConnectionStatus = "accepted"
)

// Connection is a request from one user to connect with another.
type Connection struct {
	ID         string
	FromUserID string
	ToUserID   string
	Status     ConnectionStatus
	CreatedAt  time.Time
}

// Story is an ephemeral post.
type Story struct {
	ID        string
	UserID    string
	MediaURL  string
	Content   string
	CreatedAt time.Time
}

// Message is a direct message between two users.
type Message struct {
	ID         string
	FromUserID string
	ToUserID   string
	Text       string
	Seen       bool
	CreatedAt  time.Time
}

// UserStore persists user records keyed by their external id.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, id string) error
}

// ConnectionStore looks up connection requests.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*Connection, error)
}

// StoryStore looks up and deletes stories.
type StoryStore interface {
	GetStory(ctx context.Context, id string) (*Story, error)
	DeleteStory(ctx context.Context, id string) error
}

// MessageStore reads messages.
type MessageStore interface {
	ListUnseenMessages(ctx context.Context) ([]*Message, error)
}

// Store bundles all domain persistence the workflow jobs need.
type Store interface {
	UserStore
	ConnectionStore
	StoryStore
	MessageStore
}
