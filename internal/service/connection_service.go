package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/homescout/mailsync/internal/models"
	"github.com/homescout/mailsync/internal/repository"
)

var (
	// ErrConnectionRevoked means the user disconnected; nothing may use
	// this connection again.
	ErrConnectionRevoked = errors.New("connection is revoked")
	// ErrConnectionNotActive guards operations that may only run against a
	// healthy connection (new subscriptions, sends).
	ErrConnectionNotActive = errors.New("connection is not active")
)

// connectionStore is the slice of the connection repository this service uses
type connectionStore interface {
	GetByID(ctx context.Context, connectionID string) (*models.Connection, error)
	Create(ctx context.Context, conn *models.Connection) error
	UpdateTokens(ctx context.Context, connectionID string, encAccessToken, encRefreshToken string, expiresAt, prevExpiresAt time.Time) error
	MarkError(ctx context.Context, connectionID string, lastError string) error
	MarkRevoked(ctx context.Context, connectionID string) error
}

// ConnectionService owns connection lifecycle and is the single path to a
// usable access token for a stored connection. Refreshes are serialized per
// connection: two callers racing to spend the same refresh token can make
// the provider invalidate one of the resulting pairs.
type ConnectionService struct {
	repo   connectionStore
	tokens *TokenManager

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewConnectionService(repo connectionStore, tokens *TokenManager) *ConnectionService {
	return &ConnectionService{
		repo:   repo,
		tokens: tokens,
		locks:  make(map[string]*sync.Mutex),
	}
}

// connLock returns the mutex for one connection id. Entries live until the
// connection is revoked; Disconnect releases them so the map tracks live
// connections rather than every id ever touched.
func (s *ConnectionService) connLock(connectionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[connectionID] = lock
	}
	return lock
}

// releaseLock drops the per-connection mutex of a revoked connection
func (s *ConnectionService) releaseLock(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, connectionID)
}

// StartConnect begins the OAuth flow for a CRM user
func (s *ConnectionService) StartConnect(userID string) (string, string, error) {
	return s.tokens.BuildAuthorizationURL(userID)
}

// CompleteConnect finishes the callback leg: exchanges the code and
// persists a new active connection with encrypted tokens.
func (s *ConnectionService) CompleteConnect(ctx context.Context, code, state string) (*models.Connection, error) {
	result, err := s.tokens.ExchangeCode(ctx, code, state)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	conn := &models.Connection{
		ID:                   uuid.New().String(),
		UserID:               result.UserID,
		Provider:             "outlook",
		TenantID:             result.TenantID,
		Email:                result.Email,
		ProviderUserID:       result.ProviderUserID,
		DisplayName:          result.DisplayName,
		AccessToken:          result.EncryptedAccessToken,
		RefreshToken:         result.EncryptedRefreshToken,
		AccessTokenExpiresAt: result.ExpiresAt,
		Scope:                result.Scope,
		Status:               models.ConnectionStatusActive,
		SyncEnabled:          true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.repo.Create(ctx, conn); err != nil {
		return nil, err
	}

	log.Printf("Connected mailbox %s for user %s (connection %s)", conn.Email, conn.UserID, conn.ID)

	return conn, nil
}

// EnsureValidToken returns an access token valid for at least the refresh
// buffer, refreshing and persisting new tokens when needed. It holds the
// per-connection lock across the whole refresh-and-persist sequence.
//
// Connections in the error state are allowed through: a successful refresh
// is exactly what flips them back to active. Revoked connections are inert.
func (s *ConnectionService) EnsureValidToken(ctx context.Context, connectionID string) (string, *models.Connection, error) {
	lock := s.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := s.repo.GetByID(ctx, connectionID)
	if err != nil {
		return "", nil, err
	}

	if conn.Status == models.ConnectionStatusRevoked {
		return "", nil, ErrConnectionRevoked
	}

	result, err := s.tokens.GetValidAccessToken(ctx, conn.AccessToken, conn.RefreshToken, conn.AccessTokenExpiresAt)
	if err != nil {
		// Only token-class failures condemn the connection. A transient
		// refresh failure must leave status untouched so the caller's retry
		// finds the connection exactly as it was.
		if errors.Is(err, ErrRefreshTokenRevoked) || errors.Is(err, ErrMissingRefreshToken) {
			if markErr := s.repo.MarkError(ctx, connectionID, err.Error()); markErr != nil {
				log.Printf("Failed to mark connection %s errored: %v", connectionID, markErr)
			}
		}
		return "", nil, err
	}

	if !result.NeedsUpdate {
		return result.AccessToken, conn, nil
	}

	err = s.repo.UpdateTokens(ctx, connectionID,
		result.EncryptedAccessToken, result.EncryptedRefreshToken,
		result.ExpiresAt, conn.AccessTokenExpiresAt)
	if errors.Is(err, repository.ErrTokenSuperseded) {
		// Another caller refreshed first. Their tokens are newer; use
		// what they stored instead of ours.
		log.Printf("Tokens for connection %s superseded during refresh, reloading", connectionID)
		return s.reloadToken(ctx, connectionID)
	}
	if err != nil {
		return "", nil, err
	}

	conn.AccessToken = result.EncryptedAccessToken
	conn.RefreshToken = result.EncryptedRefreshToken
	conn.AccessTokenExpiresAt = result.ExpiresAt
	conn.Status = models.ConnectionStatusActive

	return result.AccessToken, conn, nil
}

// reloadToken re-reads a connection after losing a refresh race
func (s *ConnectionService) reloadToken(ctx context.Context, connectionID string) (string, *models.Connection, error) {
	conn, err := s.repo.GetByID(ctx, connectionID)
	if err != nil {
		return "", nil, err
	}

	result, err := s.tokens.GetValidAccessToken(ctx, conn.AccessToken, conn.RefreshToken, conn.AccessTokenExpiresAt)
	if err != nil {
		return "", nil, err
	}
	if result.NeedsUpdate {
		// The winning refresh just landed; its token cannot already be
		// inside the buffer again unless something is badly wrong.
		return "", nil, fmt.Errorf("reloaded tokens for connection %s are already stale", connectionID)
	}

	return result.AccessToken, conn, nil
}

// Disconnect is the explicit, terminal user action. Tokens stay stored for
// audit; pending renewal jobs for this connection become no-ops.
func (s *ConnectionService) Disconnect(ctx context.Context, connectionID string) error {
	if err := s.repo.MarkRevoked(ctx, connectionID); err != nil {
		return err
	}
	s.releaseLock(connectionID)
	log.Printf("Connection %s revoked", connectionID)
	return nil
}
