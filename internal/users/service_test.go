package users

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestRegisterAndAuthenticate(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	user, err := service.Register(ctx, "Alice Example", "alice", "secret1")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if user.ID == "" {
		t.Fatalf("expected generated user id")
	}
	if user.PasswordHash == "secret1" {
		t.Fatalf("password must not be stored in clear text")
	}

	authenticated, err := service.Authenticate(ctx, "alice", "secret1")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if authenticated.ID != user.ID {
		t.Fatalf("expected user %s, got %s", user.ID, authenticated.ID)
	}

	if _, err := service.Authenticate(ctx, "alice", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.Register(ctx, "Alice", "alice", "secret1"); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := service.Register(ctx, "Other Alice", "alice", "secret2"); err != ErrUsernameTaken {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestResolveGoogleUserCreatesThenReuses(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	profile := GoogleProfile{
		Subject:   "google-sub-1",
		Email:     "alice@example.com",
		Name:      "Alice Example",
		AvatarURL: "https://example.com/alice.png",
	}

	created, err := service.ResolveGoogleUser(ctx, profile)
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if created.Username != "alice@example.com" {
		t.Fatalf("unexpected username %q", created.Username)
	}

	profile.Name = "Alice Renamed"
	resolved, err := service.ResolveGoogleUser(ctx, profile)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if resolved.ID != created.ID {
		t.Fatalf("expected stable account id, got %s and %s", created.ID, resolved.ID)
	}
	if resolved.Name != "Alice Renamed" {
		t.Fatalf("expected refreshed display name, got %q", resolved.Name)
	}
}

func TestPushTokenLifecycle(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	user, err := service.Register(ctx, "Alice", "alice", "secret1")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, err := service.PushToken(ctx, user.ID); err != ErrNoPushToken {
		t.Fatalf("expected ErrNoPushToken, got %v", err)
	}

	if err := service.UpdatePushToken(ctx, user.ID, "ExponentPushToken[abc]"); err != nil {
		t.Fatalf("update push token failed: %v", err)
	}
	token, err := service.PushToken(ctx, user.ID)
	if err != nil {
		t.Fatalf("push token lookup failed: %v", err)
	}
	if token != "ExponentPushToken[abc]" {
		t.Fatalf("unexpected token %q", token)
	}

	tokens, err := service.AllPushTokens(ctx)
	if err != nil {
		t.Fatalf("all push tokens failed: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "ExponentPushToken[abc]" {
		t.Fatalf("unexpected token list %v", tokens)
	}

	if err := service.UpdatePushToken(ctx, "missing-user", "ExponentPushToken[zzz]"); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
