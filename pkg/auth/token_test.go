package auth

import (
	"context"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	manager := NewTokenManager([]byte("test-key"), time.Hour)

	token, err := manager.Generate("alice", []string{"asset.approve"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := manager.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if !claims.HasPermission("asset.approve") {
		t.Fatal("expected asset.approve permission")
	}
	if claims.HasPermission("asset.retire") {
		t.Fatal("did not expect asset.retire permission")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	manager := NewTokenManager([]byte("test-key"), -time.Minute)

	token, err := manager.Generate("alice", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := manager.Validate(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	manager := NewTokenManager([]byte("test-key"), time.Hour)
	other := NewTokenManager([]byte("other-key"), time.Hour)

	token, err := manager.Generate("alice", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := other.Validate(token); err == nil {
		t.Fatal("expected token signed with a different key to be rejected")
	}
}

func TestContextAuthorizer(t *testing.T) {
	authorizer := ContextAuthorizer{}

	ctx := context.Background()
	ok, err := authorizer.HasPermission(ctx, "alice", "asset.approve")
	if err != nil || ok {
		t.Fatalf("expected denial without claims, got ok=%v err=%v", ok, err)
	}

	claims := &Claims{Permissions: []string{"asset.approve"}}
	claims.Subject = "alice"
	ctx = WithClaims(ctx, claims)

	ok, err = authorizer.HasPermission(ctx, "alice", "asset.approve")
	if err != nil || !ok {
		t.Fatalf("expected grant, got ok=%v err=%v", ok, err)
	}

	ok, _ = authorizer.HasPermission(ctx, "bob", "asset.approve")
	if ok {
		t.Fatal("claims for alice must not authorize bob")
	}
}
