package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/L0stInFades/Her/internal/apperrors"
	"github.com/L0stInFades/Her/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Credential purposes carried in the JWT payload.
const (
	// PurposeAccess marks a short-lived request credential.
	PurposeAccess = "access"
	// PurposeRefresh marks a long-lived one-time rotation credential.
	PurposeRefresh = "refresh"
)

// Claims is the JWT payload for both credential purposes.
type Claims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// TokenPair bundles a freshly issued access and refresh credential.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Principal is a directory-confirmed authenticated account.
type Principal struct {
	UserID         string
	Email          string
	Role           string
	Plan           string
	PreferredModel string
	ProviderAPIKey string
}

// UserDirectory resolves account records for authentication.
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// GormUserDirectory looks up accounts via GORM.
type GormUserDirectory struct {
	db *gorm.DB
}

// NewGormUserDirectory constructs a GormUserDirectory.
func NewGormUserDirectory(db *gorm.DB) *GormUserDirectory {
	return &GormUserDirectory{db: db}
}

// FindByID returns the account with the given ID, or nil when absent.
func (d *GormUserDirectory) FindByID(ctx context.Context, id string) (*models.User, error) {
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("user directory: not initialized")
	}
	var user models.User
	errFind := d.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("user directory: find: %w", errFind)
	}
	return &user, nil
}

// Manager issues, verifies, rotates, and revokes signed credentials.
// Refresh credentials are one-time use: rotation consumes the stored
// hash row, and a missing row is treated as theft.
type Manager struct {
	store      CredentialStore
	directory  UserDirectory
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	nowFn      func() time.Time
}

// NewManager constructs a Manager. nowFn defaults to time.Now.
func NewManager(store CredentialStore, directory UserDirectory, secret string, accessTTL, refreshTTL time.Duration, nowFn func() time.Time) *Manager {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{
		store:      store,
		directory:  directory,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		nowFn:      nowFn,
	}
}

// Issue creates a fresh credential pair and persists the refresh hash.
func (m *Manager) Issue(ctx context.Context, userID string) (TokenPair, error) {
	now := m.nowFn().UTC()

	access, errAccess := m.sign(userID, PurposeAccess, now, m.accessTTL)
	if errAccess != nil {
		return TokenPair{}, fmt.Errorf("session: sign access: %w", errAccess)
	}
	refresh, errRefresh := m.sign(userID, PurposeRefresh, now, m.refreshTTL)
	if errRefresh != nil {
		return TokenPair{}, fmt.Errorf("session: sign refresh: %w", errRefresh)
	}

	if errPut := m.store.Put(ctx, HashToken(refresh), userID, now.Add(m.refreshTTL)); errPut != nil {
		return TokenPair{}, fmt.Errorf("session: persist refresh: %w", errPut)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Rotate consumes a refresh credential and issues a new pair. A
/// credential whose stored row is gone is treated as stolen: every
// session for the claimed subject is revoked best-effort.
func (m *Manager) Rotate(ctx context.Context, refresh string) (TokenPair, error) {
	claims, errVerify := m.verify(refresh, PurposeRefresh)
	if errVerify != nil {
		return TokenPair{}, errVerify
	}
	userID := claims.Subject

	record, errConsume := m.store.FindAndDelete(ctx, HashToken(refresh))
	if errConsume != nil {
		return TokenPair{}, fmt.Errorf("session: consume refresh: %w", errConsume)
	}
	if record == nil {
		m.revokeAllQuiet(ctx, userID)
		return TokenPair{}, apperrors.New(apperrors.KindRevokedOrStolen, "refresh credential has been revoked")
	}
	if record.ExpiresAt.Before(m.nowFn().UTC()) {
		return TokenPair{}, apperrors.New(apperrors.KindExpired, "refresh credential has expired")
	}

	return m.Issue(ctx, userID)
}

// Revoke deletes one session (logout) or, when refresh is empty,
// every session for the account (logout-everywhere).
func (m *Manager) Revoke(ctx context.Context, userID, refresh string) error {
	if strings.TrimSpace(refresh) == "" {
		_, errDelete := m.store.DeleteAllForUser(ctx, userID)
		return errDelete
	}
	return m.store.DeleteByHash(ctx, HashToken(refresh), userID)
}

// Authenticate verifies an access credential and resolves its subject
// through the user directory.
func (m *Manager) Authenticate(ctx context.Context, access string) (Principal, error) {
	claims, errVerify := m.verify(access, PurposeAccess)
	if errVerify != nil {
		return Principal{}, errVerify
	}

	user, errFind := m.directory.FindByID(ctx, claims.Subject)
	if errFind != nil {
		return Principal{}, fmt.Errorf("session: resolve subject: %w", errFind)
	}
	if user == nil {
		return Principal{}, apperrors.New(apperrors.KindInvalidCredential, "invalid credential")
	}
	if user.Banned {
		return Principal{}, apperrors.New(apperrors.KindForbidden, "account is banned")
	}
	return Principal{
		UserID:         user.ID,
		Email:          user.Email,
		Role:           user.Role,
		Plan:           user.Plan,
		PreferredModel: user.PreferredModel,
		ProviderAPIKey: user.ProviderAPIKey,
	}, nil
}

// SweepExpired removes refresh rows past their expiry.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx, m.nowFn().UTC())
}

// sign creates a signed JWT for the subject and purpose.
func (m *Manager) sign(userID, purpose string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// verify parses a credential and checks signature, expiry, and
// purpose. All failure causes collapse into InvalidCredential.
func (m *Manager) verify(raw, purpose string) (*Claims, error) {
	invalid := apperrors.New(apperrors.KindInvalidCredential, "invalid credential")

	token, errParse := jwt.ParseWithClaims(raw, &Claims{}, func(_ *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(m.nowFn))
	if errParse != nil {
		return nil, invalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, invalid
	}
	if claims.Purpose != purpose || strings.TrimSpace(claims.Subject) == "" {
		return nil, invalid
	}
	return claims, nil
}

// revokeAllQuiet revokes every session for the account without
// surfacing errors; theft handling must never raise.
func (m *Manager) revokeAllQuiet(ctx context.Context, userID string) {
	if _, errDelete := m.store.DeleteAllForUser(ctx, userID); errDelete != nil {
		log.WithError(errDelete).WithField("user_id", userID).Warn("session: revoke-all after suspected theft failed")
	}
}

// HashToken returns the SHA-256 hex digest used as the storage key
// for refresh credentials.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
