package audio

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConsentToken is the user's grant to capture other applications' audio.
type ConsentToken struct {
	ID        string    `json:"id"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero = until revoked
}

// Valid reports whether the token authorizes capture at now.
func (t *ConsentToken) Valid(now time.Time) bool {
	if t == nil || t.ID == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// ConsentStore holds at most one active token.
type ConsentStore struct {
	mu    sync.RWMutex
	token *ConsentToken
	now   func() time.Time
}

func NewConsentStore() *ConsentStore {
	return &ConsentStore{now: time.Now}
}

// Grant replaces any existing token. A ttl of 0 never expires.
func (c *ConsentStore) Grant(ttl time.Duration) ConsentToken {
	now := c.now()
	t := &ConsentToken{
		ID:        uuid.NewString(),
		GrantedAt: now,
	}
	if ttl > 0 {
		t.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
	return *t
}

func (c *ConsentStore) Revoke() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// Active returns the current token if it is still valid.
func (c *ConsentStore) Active() (*ConsentToken, bool) {
	c.mu.RLock()
	t := c.token
	c.mu.RUnlock()

	if !t.Valid(c.now()) {
		return nil, false
	}
	copied := *t
	return &copied, true
}
