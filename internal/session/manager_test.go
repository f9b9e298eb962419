package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/L0stInFades/Her/internal/apperrors"
	"github.com/L0stInFades/Her/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.AutoMigrate(&models.User{}, &models.Session{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return db
}

func newTestManager(t *testing.T, db *gorm.DB, nowFn func() time.Time) *Manager {
	t.Helper()
	return NewManager(
		NewGormCredentialStore(db),
		NewGormUserDirectory(db),
		"test-secret",
		15*time.Minute,
		30*24*time.Hour,
		nowFn,
	)
}

func createTestUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := models.User{Email: "user@example.com", Password: "x", Role: models.RoleUser, Plan: models.PlanBase}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return &user
}

func TestRotate_ConsumesRefreshCredential(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db)
	m := newTestManager(t, db, nil)
	ctx := context.Background()

	pair, err := m.Issue(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rotated, err := m.Rotate(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("first rotate: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatalf("expected a fresh refresh credential")
	}

	if _, errSecond := m.Rotate(ctx, pair.RefreshToken); !apperrors.Is(errSecond, apperrors.KindRevokedOrStolen) {
		t.Fatalf("expected RevokedOrStolen on replay, got %v", errSecond)
	}
}

func TestRotate_ReplayRevokesAllSessions(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db)
	m := newTestManager(t, db, nil)
	ctx := context.Background()

	pair, err := m.Issue(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rotated, err := m.Rotate(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Replay of the consumed credential revokes the whole line.
	if _, errReplay := m.Rotate(ctx, pair.RefreshToken); !apperrors.Is(errReplay, apperrors.KindRevokedOrStolen) {
		t.Fatalf("expected RevokedOrStolen, got %v", errReplay)
	}
	if _, errAfter := m.Rotate(ctx, rotated.RefreshToken); !apperrors.Is(errAfter, apperrors.KindRevokedOrStolen) {
		t.Fatalf("expected latest credential to be revoked too, got %v", errAfter)
	}
}

func TestRotate_SequentialRotationsKeepWorking(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db)
	m := newTestManager(t, db, nil)
	ctx := context.Background()

	pair, err := m.Issue(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	for i := 0; i < 3; i++ {
		pair, err = m.Rotate(ctx, pair.RefreshToken)
		if err != nil {
			t.Fatalf("rotate %d: %v", i, err)
		}
	}

	var count int64
	if errCount := db.Model(&models.Session{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 unconsumed session, got %d", count)
	}
}

func TestRotate_RejectsAccessCredential(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db)
	m := newTestManager(t, db, nil)
	ctx := context.Background()

	pair, err := m.Issue(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, errRotate := m.Rotate(ctx, pair.AccessToken); !apperrors.Is(errRotate, apperrors.KindInvalidCredential) {
		t.Fatalf("expected InvalidCredential for wrong purpose, got %v", errRotate)
	}
}

func TestRotate_ExpiredStoredRecord(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db)

	now := time.Now().UTC()
	current := now
	m := newTestManager(t, db, func() time.Time { return current })
	ctx := context.Background()

	pair, err := m.Issue(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Advance past the stored expiry but keep the JWT verifiable by
	// shrinking only the store's view: move just before JWT expiry.
	current = now.Add(30*24*time.Hour - time.Minute)
	if errExpire := db.Model(&models.Session{}).
		Where("user_id = ?", user.ID).
		Update("expires_at", now.Add(-time.Hour)).Error; errExpire != nil {
		t.Fatalf("expire row: %v", errExpire)
	}

	if _, errRotate := m.Rotate(ctx, pair.RefreshToken); !apperrors.Is(errRotate, apperrors.KindExpired) {
		t.Fatalf("expected Expired, got %v", errRotate)
	}

	var count int64
	if errCount := db.Model(&models.Session{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("expected expired row to be deleted, got %d rows", count)
	}
}

func TestAuthenticate(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db)
	m := newTestManager(t, db, nil)
	ctx := context.Background()

	pair, err := m.Issue(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	principal, err := m.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.UserID != user.ID {
		t.Fatalf("expected user %s, got %s", user.ID, principal.UserID)
	}

	if _, errRefresh := m.Authenticate(ctx, pair.RefreshToken); !apperrors.Is(errRefresh, apperrors.KindInvalidCredential) {
		t.Fatalf("expected InvalidCredential for refresh purpose, got %v", errRefresh)
	}
	if _, errGarbage := m.Authenticate(ctx, "not-a-token"); !apperrors.Is(errGarbage, apperrors.KindInvalidCredential) {
		t.Fatalf("expected InvalidCredential for garbage, got %v", errGarbage)
	}
}

func TestAuthenticate_BannedAndMissingUser(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db)
	m := newTestManager(t, db, nil)
	ctx := context.Background()

	pair, err := m.Issue(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if errBan := db.Model(&models.User{}).Where("id = ?", user.ID).Update("banned", true).Error; errBan != nil {
		t.Fatalf("ban user: %v", errBan)
	}
	if _, errAuth := m.Authenticate(ctx, pair.AccessToken); !apperrors.Is(errAuth, apperrors.KindForbidden) {
		t.Fatalf("expected Forbidden for banned user, got %v", errAuth)
	}

	if errDelete := db.Delete(&models.User{}, "id = ?", user.ID).Error; errDelete != nil {
		t.Fatalf("delete user: %v", errDelete)
	}
	if _, errAuth := m.Authenticate(ctx, pair.AccessToken); !apperrors.Is(errAuth, apperrors.KindInvalidCredential) {
		t.Fatalf("expected InvalidCredential for missing user, got %v", errAuth)
	}
}

func TestRevoke(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db)
	m := newTestManager(t, db, nil)
	ctx := context.Background()

	first, err := m.Issue(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, errSecond := m.Issue(ctx, user.ID); errSecond != nil {
		t.Fatalf("issue second: %v", errSecond)
	}

	// Targeted logout removes only the presented credential's row.
	if errRevoke := m.Revoke(ctx, user.ID, first.RefreshToken); errRevoke != nil {
		t.Fatalf("revoke one: %v", errRevoke)
	}
	var count int64
	if errCount := db.Model(&models.Session{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected 1 remaining session, got %d", count)
	}

	if errRevokeAll := m.Revoke(ctx, user.ID, ""); errRevokeAll != nil {
		t.Fatalf("revoke all: %v", errRevokeAll)
	}
	if errCount := db.Model(&models.Session{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("expected 0 sessions after revoke-all, got %d", count)
	}
}

func TestSweepExpired(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db)
	m := newTestManager(t, db, nil)
	ctx := context.Background()

	if _, err := m.Issue(ctx, user.ID); err != nil {
		t.Fatalf("issue: %v", err)
	}
	store := NewGormCredentialStore(db)
	if err := store.Put(ctx, "stale-hash", user.ID, time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("put stale: %v", err)
	}

	removed, err := m.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 swept row, got %d", removed)
	}
}
