package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/homescout/mailsync/internal/encryption"
	"github.com/homescout/mailsync/internal/outlook"
)

// RefreshBuffer is how close to expiry an access token may get before
// GetValidAccessToken refreshes it.
const RefreshBuffer = 5 * time.Minute

var (
	// ErrInvalidState means the callback's state value is unknown, already
	// used, or older than the pending-state TTL. The user must restart the
	// connect flow.
	ErrInvalidState = errors.New("invalid or expired authorization state")
	// ErrTokenExchangeFailed is a failed authorization-code exchange.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	// ErrMissingRefreshToken means the provider granted no refresh token,
	// so long-lived access cannot be maintained.
	ErrMissingRefreshToken = errors.New("provider did not return a refresh token")
	// ErrRefreshTokenRevoked is connection-fatal: mark the connection and
	// stop retrying.
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")
	// ErrTokenRefreshFailed is transient; the job queue's retry policy
	// bounds it.
	ErrTokenRefreshFailed = errors.New("token refresh failed")
)

// oauthClient is the slice of the provider client the token manager uses
type oauthClient interface {
	AuthCodeURL(state, verifier, redirectURI string) string
	ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*outlook.Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (*outlook.Token, error)
	GetProfile(ctx context.Context, accessToken string) (*outlook.Profile, error)
}

// AuthorizationResult is the outcome of a completed code exchange. Tokens
// come back already encrypted; persistence is the caller's job.
type AuthorizationResult struct {
	UserID                string
	TenantID              string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	ExpiresAt             time.Time
	Scope                 string
	ProviderUserID        string
	DisplayName           string
	Email                 string
}

// RefreshResult carries a freshly refreshed token pair
type RefreshResult struct {
	AccessToken           string // plaintext, for immediate use
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	ExpiresAt             time.Time
}

// AccessTokenResult is GetValidAccessToken's answer. When NeedsUpdate is
// set the caller must persist the new encrypted values.
type AccessTokenResult struct {
	AccessToken           string
	NeedsUpdate           bool
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	ExpiresAt             time.Time
}

// TokenManager owns the authorization-code-with-PKCE exchange and silent
// refreshes. It never touches the database: callers control when and how
// new tokens are persisted.
type TokenManager struct {
	provider    oauthClient
	cipher      *encryption.Cipher
	pending     *PendingAuthStore
	redirectURI string
	tenantID    string
}

func NewTokenManager(provider oauthClient, cipher *encryption.Cipher, pending *PendingAuthStore, redirectURI, tenantID string) *TokenManager {
	return &TokenManager{
		provider:    provider,
		cipher:      cipher,
		pending:     pending,
		redirectURI: redirectURI,
		tenantID:    tenantID,
	}
}

// BuildAuthorizationURL generates a PKCE verifier and state pair, parks
// them as pending authorization state, and returns the provider redirect
// URL for the user.
func (m *TokenManager) BuildAuthorizationURL(userID string) (string, string, error) {
	state, err := encryption.RandomToken(32)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}
	nonce, err := encryption.RandomToken(16)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	verifier := oauth2.GenerateVerifier()

	m.pending.Put(state, PendingAuth{
		UserID:    userID,
		Nonce:     nonce,
		Verifier:  verifier,
		CreatedAt: time.Now(),
	})

	return m.provider.AuthCodeURL(state, verifier, m.redirectURI), state, nil
}

// ExchangeCode completes the connect flow: consumes the pending state
// (single use), exchanges the code with the stored verifier, and returns
// the encrypted token pair plus the mailbox owner's profile.
func (m *TokenManager) ExchangeCode(ctx context.Context, code, state string) (*AuthorizationResult, error) {
	pending, ok := m.pending.Consume(state)
	if !ok {
		return nil, ErrInvalidState
	}

	tok, err := m.provider.ExchangeCode(ctx, code, pending.Verifier, m.redirectURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}

	// Without a refresh token the connection dies with the first access
	// token. Happens when offline_access is not granted.
	if tok.RefreshToken == "" {
		return nil, ErrMissingRefreshToken
	}

	profile, err := m.provider.GetProfile(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}

	encAccess, err := m.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := m.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	return &AuthorizationResult{
		UserID:                pending.UserID,
		TenantID:              m.extractTenantID(tok.AccessToken),
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ExpiresAt:             tok.ExpiresAt,
		Scope:                 tok.Scope,
		ProviderUserID:        profile.ID,
		DisplayName:           profile.DisplayName,
		Email:                 profile.Email(),
	}, nil
}

// RefreshAccessToken decrypts the stored refresh token and trades it for a
// new pair. If the provider does not rotate the refresh token the prior one
// is kept. Callers must not retry on ErrRefreshTokenRevoked.
func (m *TokenManager) RefreshAccessToken(ctx context.Context, encRefreshToken string) (*RefreshResult, error) {
	refreshToken, err := m.cipher.Decrypt(encRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	tok, err := m.provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, outlook.ErrRefreshTokenRevoked) {
			return nil, fmt.Errorf("%w: %v", ErrRefreshTokenRevoked, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}

	encAccess, err := m.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := m.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	log.Printf("Token refreshed successfully, expires at: %s", tok.ExpiresAt)

	return &RefreshResult{
		AccessToken:           tok.AccessToken,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ExpiresAt:             tok.ExpiresAt,
	}, nil
}

// GetValidAccessToken hands back an access token good for at least the
// refresh buffer. No persistence happens here: when NeedsUpdate is true the
// caller owns writing the new encrypted values inside its own transaction
// boundary.
func (m *TokenManager) GetValidAccessToken(ctx context.Context, encAccessToken, encRefreshToken string, expiresAt time.Time) (*AccessTokenResult, error) {
	if time.Until(expiresAt) > RefreshBuffer {
		accessToken, err := m.cipher.Decrypt(encAccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		return &AccessTokenResult{
			AccessToken: accessToken,
			NeedsUpdate: false,
		}, nil
	}

	refreshed, err := m.RefreshAccessToken(ctx, encRefreshToken)
	if err != nil {
		return nil, err
	}

	return &AccessTokenResult{
		AccessToken:           refreshed.AccessToken,
		NeedsUpdate:           true,
		EncryptedAccessToken:  refreshed.EncryptedAccessToken,
		EncryptedRefreshToken: refreshed.EncryptedRefreshToken,
		ExpiresAt:             refreshed.ExpiresAt,
	}, nil
}

// extractTenantID reads the tenant (tid) claim out of the access token
// itself, avoiding an extra network call. Signature verification is the
// provider's concern, not ours: we just received this token from them.
func (m *TokenManager) extractTenantID(accessToken string) string {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		log.Printf("Warning: failed to parse access token claims: %v", err)
		return m.tenantID
	}

	if tid, ok := claims["tid"].(string); ok && tid != "" {
		return tid
	}
	return m.tenantID
}
