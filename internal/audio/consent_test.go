package audio

import (
	"testing"
	"time"
)

func TestConsentStore_GrantAndRevoke(t *testing.T) {
	store := NewConsentStore()

	if _, ok := store.Active(); ok {
		t.Fatal("Expected no active token on a fresh store")
	}

	granted := store.Grant(0)
	if granted.ID == "" {
		t.Fatal("Expected granted token to carry an ID")
	}

	active, ok := store.Active()
	if !ok {
		t.Fatal("Expected active token after Grant")
	}
	if active.ID != granted.ID {
		t.Errorf("Expected active token %s, got %s", granted.ID, active.ID)
	}

	store.Revoke()
	if _, ok := store.Active(); ok {
		t.Error("Expected no active token after Revoke")
	}
}

func TestConsentStore_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewConsentStore()
	store.now = func() time.Time { return now }

	store.Grant(time.Minute)
	if _, ok := store.Active(); !ok {
		t.Fatal("Expected token valid right after grant")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := store.Active(); ok {
		t.Error("Expected token to expire after ttl")
	}
}

func TestConsentToken_ValidNil(t *testing.T) {
	var token *ConsentToken
	if token.Valid(time.Now()) {
		t.Error("Expected nil token to be invalid")
	}
}
