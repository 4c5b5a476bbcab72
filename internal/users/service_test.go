package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/filerobot/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolvePrincipalStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "cms:12345",
		Username:        "alice",
		UserEmail:       "alice@example.com",
		UserDisplayName: "Alice Example",
	}
	principal, err := service.ResolvePrincipal(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if principal.UserID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", principal.UserID)
	}
	if principal.Username != "alice" || !principal.IsAuthenticated() {
		t.Fatalf("unexpected principal %+v", principal)
	}

	// second call should hit cache and not create a duplicate record.
	principal, err = service.ResolvePrincipal(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if principal.UserID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", principal.UserID)
	}
	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one identity row, got %d", count)
	}
}

func TestResolvePrincipalDefaultsUsernameToUserID(t *testing.T) {
	service, _ := newTestService(t)

	principal, err := service.ResolvePrincipal(context.Background(), auth.SessionClaims{UserID: "user-9"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if principal.Username != "user-9" {
		t.Fatalf("expected username to fall back to user id, got %q", principal.Username)
	}
}

func TestResolvePrincipalTracksUsernameChanges(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "user-1", Username: "alice"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	principal, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "user-1", Username: "alice.w"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if principal.Username != "alice.w" {
		t.Fatalf("expected renamed username, got %q", principal.Username)
	}
}

func TestResolvePrincipalRejectsUsernameOfAnotherUser(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	if _, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "user-1", Username: "alice"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "user-2", Username: "alice"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken for a new identity, got %v", err)
	}
	if _, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "user-3", Username: "carol"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "user-3", Username: "alice"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken for a rename, got %v", err)
	}

	var holders []Identity
	if err := db.Where("username = ?", "alice").Find(&holders).Error; err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(holders) != 1 || holders[0].UserID != "user-1" {
		t.Fatalf("expected only user-1 to hold alice, got %+v", holders)
	}
}

func TestResolvePrincipalAllowsUsernameAcrossProviders(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "cms:7", Username: "alice"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	principal, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "sso:7", Username: "alice"})
	if err != nil {
		t.Fatalf("expected the same user id to share its username, got %v", err)
	}
	if principal.UserID != "7" || principal.Username != "alice" {
		t.Fatalf("unexpected principal %+v", principal)
	}
}

func TestResolvePrincipalLogsFailedIdentityUpdate(t *testing.T) {
	_, db := newTestService(t)
	core, logs := observer.New(zapcore.WarnLevel)
	service, err := NewService(ServiceConfig{Database: db, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	ctx := context.Background()

	if _, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "user-1", Username: "alice"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := db.Callback().Update().Before("gorm:update").Register("test:fail_updates", func(tx *gorm.DB) {
		_ = tx.AddError(errors.New("disk full"))
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	principal, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "user-1", Username: "alice.w"})
	if err != nil {
		t.Fatalf("expected resolution to survive a failed update, got %v", err)
	}
	if principal.Username != "alice.w" {
		t.Fatalf("unexpected principal %+v", principal)
	}
	entries := logs.FilterMessage("identity update failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry for the failed update, got %+v", logs.All())
	}
	if entries[0].ContextMap()["subject"] != "user-1" {
		t.Fatalf("expected subject field, got %+v", entries[0].ContextMap())
	}
}

func TestResolvePrincipalRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.ResolvePrincipal(context.Background(), auth.SessionClaims{}); err != ErrInvalidIdentity {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestPrincipalZeroValueIsAnonymous(t *testing.T) {
	if (Principal{}).IsAuthenticated() {
		t.Fatalf("zero principal must be anonymous")
	}
	if (Principal{UserID: "user-1"}).IsAuthenticated() {
		t.Fatalf("principal without username must be anonymous")
	}
}
