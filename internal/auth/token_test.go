package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseIdentityRoundTrip(t *testing.T) {
	userID := uuid.New()
	token, err := Sign(userID, []byte("secret"), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := ParseIdentity(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != userID {
		t.Errorf("user id mismatch: got %s want %s", claims.UserID, userID)
	}
	if claims.Expired(time.Now()) {
		t.Error("fresh token reports expired")
	}
}

func TestExpired(t *testing.T) {
	token, err := Sign(uuid.New(), []byte("secret"), -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := ParseIdentity(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !claims.Expired(time.Now()) {
		t.Error("past-expiry token reports valid")
	}
}

func TestParseIdentityRejectsGarbage(t *testing.T) {
	if _, err := ParseIdentity("not-a-token"); err == nil {
		t.Fatal("garbage token parsed")
	}
}
