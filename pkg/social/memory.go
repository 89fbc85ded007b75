package social

import (
	"context"
	"sync"
)

// InMemoryStore is a goroutine-safe Store backed by maps. It is intended
// for tests and local development.
type InMemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*User
	connections map[string]*Connection
	stories     map[string]*Story
	messages    map[string]*Message
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:       make(map[string]*User),
		connections: make(map[string]*Connection),
		stories:     make(map[string]*Story),
		messages:    make(map[string]*Message),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *InMemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			copied := *u
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *u
	s.users[u.ID] = &copied
	return nil
}

func (s *InMemoryStore) UpdateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	copied := *u
	s.users[u.ID] = &copied
	return nil
}

func (s *InMemoryStore) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *InMemoryStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

// PutConnection adds or replaces a connection record. Tests and seed code
// use it; workflow jobs only read connections.
func (s *InMemoryStore) PutConnection(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *c
	s.connections[c.ID] = &copied
}

func (s *InMemoryStore) GetStory(ctx context.Context, id string) (*Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stories[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *st
	return &copied, nil
}

func (s *InMemoryStore) DeleteStory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stories[id]; !ok {
		return ErrNotFound
	}
	delete(s.stories, id)
	return nil
}

// PutStory adds or replaces a story record.
func (s *InMemoryStore) PutStory(st *Story) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *st
	s.stories[st.ID] = &copied
}

func (s *InMemoryStore) ListUnseenMessages(ctx context.Context) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.messages {
		if m.Seen {
			continue
		}
		copied := *m
		out = append(out, &copied)
	}
	return out, nil
}

// PutMessage adds or replaces a message record.
func (s *InMemoryStore) PutMessage(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *m
	s.messages[m.ID] = &copied
}
