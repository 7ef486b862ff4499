// Package presence tracks which connections have joined the chat and under
// which username. It is the single source of truth for who is online.
package presence

import (
	"sync"

	"github.com/google/uuid"
)

// ConnID identifies one open transport connection. The zero value is not a
// valid identity; new values come only from NewConnID.
type ConnID struct {
	value string
}

// NewConnID mints a fresh connection identity. Identities are never reused.
func NewConnID() ConnID {
	return ConnID{value: uuid.NewString()}
}

// String returns the textual form of the identity.
func (id ConnID) String() string {
	return id.value
}

// IsZero reports whether id was never minted.
func (id ConnID) IsZero() bool {
	return id.value == ""
}

// MarshalText encodes the identity as its string form.
func (id ConnID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// UnmarshalText restores an identity from its string form.
func (id *ConnID) UnmarshalText(text []byte) error {
	id.value = string(text)
	return nil
}

// User is the presence record of one joined connection.
type User struct {
	ID       ConnID `json:"id"`
	Username string `json:"username"`
}

// Registry maps connection identities to user records. It preserves
// insertion order for ListAll and is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	users map[ConnID]User
	order []ConnID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[ConnID]User),
	}
}

// Join records username for id, overwriting any existing record in place.
func (r *Registry) Join(id ConnID, username string) User {
	user := User{ID: id, Username: username}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[id]; !exists {
		r.order = append(r.order, id)
	}
	r.users[id] = user
	return user
}

// Leave removes the record for id. The boolean is false when id had not
// joined or has already left.
func (r *Registry) Leave(id ConnID) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, exists := r.users[id]
	if !exists {
		return User{}, false
	}
	delete(r.users, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return user, true
}

// Get returns the record for id.
func (r *Registry) Get(id ConnID) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, exists := r.users[id]
	return user, exists
}

// ListAll returns a snapshot of all records in join order. The result is
// never nil so it always encodes as a JSON array.
func (r *Registry) ListAll() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]User, 0, len(r.order))
	for _, id := range r.order {
		users = append(users, r.users[id])
	}
	return users
}

// Count returns the number of joined connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
