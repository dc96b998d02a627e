// Package vault is the single source of truth for acting on the upstream
// system as a given user. It encrypts, stores, and refreshes per-user OAuth
// tokens.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/toolhunt/toolhunt/internal/apperr"
	"github.com/toolhunt/toolhunt/internal/db/models"
)

// refreshLookahead is how close to expiry a token may get before a read
// triggers a synchronous refresh.
const refreshLookahead = 5 * time.Minute

// Token is the full credential payload stored as one encrypted blob.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Refresher exchanges a refresh token for a new access token. Satisfied by
// *toolhub.OAuth.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Vault stores per-user credentials encrypted at rest.
type Vault struct {
	db        *gorm.DB
	refresher Refresher
	key       []byte
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a vault keyed by the process-wide encryption secret.
func New(db *gorm.DB, refresher Refresher, secret string, log zerolog.Logger) *Vault {
	return &Vault{
		db:        db,
		refresher: refresher,
		key:       deriveKey(secret),
		log:       log.With().Str("component", "vault").Logger(),
		now:       time.Now,
	}
}

// Store encrypts the token payload and persists it for the user, overwriting
// any prior credential.
func (v *Vault) Store(ctx context.Context, userID string, tok Token) error {
	blob, err := v.encrypt(tok)
	if err != nil {
		return fmt.Errorf("encrypt token for user %s: %w", userID, err)
	}

	expiresAt := tok.ExpiresAt
	res := v.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
		"encrypted_token":  blob,
		"token_expires_at": expiresAt,
	})
	if res.Error != nil {
		return fmt.Errorf("store credential for user %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		user := models.User{ID: userID, EncryptedToken: blob, TokenExpiresAt: &expiresAt}
		if err := v.db.WithContext(ctx).Create(&user).Error; err != nil {
			return fmt.Errorf("store credential for user %s: %w", userID, err)
		}
	}
	return nil
}

// GetValidToken returns a usable token for the user, refreshing in place when
// the stored one is within the expiry lookahead. Concurrent refreshes for the
// same user are safe to race: both results are validly-scoped tokens and the
// last write wins.
func (v *Vault) GetValidToken(ctx context.Context, userID string) (*Token, error) {
	var user models.User
	if err := v.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %s: %w", userID, apperr.ErrNotAuthenticated)
		}
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	if len(user.EncryptedToken) == 0 {
		return nil, fmt.Errorf("no token stored for user %s: %w", userID, apperr.ErrNotAuthenticated)
	}

	tok, err := v.decrypt(user.EncryptedToken)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, apperr.ErrInvalidCredential)
	}

	expiresAt := tok.ExpiresAt
	if user.TokenExpiresAt != nil {
		expiresAt = *user.TokenExpiresAt
	}
	if v.now().Before(expiresAt.Add(-refreshLookahead)) {
		return tok, nil
	}

	v.log.Info().Str("user", userID).Time("expires_at", expiresAt).Msg("token near expiry, refreshing")
	return v.refresh(ctx, userID, tok)
}

func (v *Vault) refresh(ctx context.Context, userID string, old *Token) (*Token, error) {
	newTok, err := v.refresher.Refresh(ctx, old.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh credential for user %s: %w", userID, err)
	}

	tok := Token{
		AccessToken:  newTok.AccessToken,
		TokenType:    newTok.TokenType,
		RefreshToken: newTok.RefreshToken,
		Scope:        old.Scope,
		ExpiresAt:    newTok.Expiry,
	}
	// Some servers omit the refresh token on a refresh grant; keep the old one.
	if tok.RefreshToken == "" {
		tok.RefreshToken = old.RefreshToken
	}

	if err := v.Store(ctx, userID, tok); err != nil {
		return nil, err
	}
	v.log.Info().Str("user", userID).Time("expires_at", tok.ExpiresAt).Msg("credential refreshed")
	return &tok, nil
}

func (v *Vault) encrypt(tok Token) ([]byte, error) {
	plain, err := json.Marshal(tok)
	if err != nil {
		return nil, err
	}
	return seal(v.key, plain)
}

func (v *Vault) decrypt(blob []byte) (*Token, error) {
	plain, err := open(v.key, blob)
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}
