package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/homescout/mailsync/internal/models"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrTokenSuperseded means another caller refreshed the tokens first;
	// the loser should reload instead of overwriting newer credentials.
	ErrTokenSuperseded = errors.New("tokens already superseded")
)

type ConnectionRepository struct {
	db *gorm.DB
}

func NewConnectionRepository(db *gorm.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// GetByID retrieves a connection by ID
func (r *ConnectionRepository) GetByID(ctx context.Context, connectionID string) (*models.Connection, error) {
	var conn models.Connection
	result := r.db.WithContext(ctx).First(&conn, "id = ?", connectionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", result.Error)
	}
	return &conn, nil
}

// Create inserts a new connection
func (r *ConnectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	if err := r.db.WithContext(ctx).Create(conn).Error; err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

// UpdateTokens stores freshly encrypted tokens in a single atomic update.
// The update is guarded by the expiry the caller refreshed from: if another
// refresh landed in between, zero rows match and ErrTokenSuperseded is
// returned so the caller reloads instead of clobbering newer tokens.
// A successful refresh also flips an errored connection back to active.
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, connectionID string, encAccessToken, encRefreshToken string, expiresAt, prevExpiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ? AND access_token_expires_at = ? AND status <> ?", connectionID, prevExpiresAt, models.ConnectionStatusRevoked).
		Updates(map[string]interface{}{
			"access_token":            encAccessToken,
			"refresh_token":           encRefreshToken,
			"access_token_expires_at": expiresAt,
			"status":                  models.ConnectionStatusActive,
			"consecutive_errors":      0,
			"last_error":              nil,
			"updated_at":              time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTokenSuperseded
	}
	return nil
}

// MarkError records a failed refresh: status goes to error and the
// consecutive error counter grows. Tokens are left in place.
func (r *ConnectionRepository) MarkError(ctx context.Context, connectionID string, lastError string) error {
	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ? AND status <> ?", connectionID, models.ConnectionStatusRevoked).
		Updates(map[string]interface{}{
			"status":             models.ConnectionStatusError,
			"consecutive_errors": gorm.Expr("consecutive_errors + 1"),
			"last_error":         lastError,
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark connection error: %w", result.Error)
	}
	return nil
}

// MarkRevoked is the terminal disconnect transition. Tokens stay stored for
// audit; the row just becomes unusable for sync, send, and subscriptions.
func (r *ConnectionRepository) MarkRevoked(ctx context.Context, connectionID string) error {
	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connectionID).
		Updates(map[string]interface{}{
			"status":       models.ConnectionStatusRevoked,
			"sync_enabled": false,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark connection revoked: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// UpdateLastSynced records a completed sync pass
func (r *ConnectionRepository) UpdateLastSynced(ctx context.Context, connectionID string, syncedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ?", connectionID).
		Updates(map[string]interface{}{
			"last_synced_at": syncedAt,
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update last synced: %w", result.Error)
	}
	return nil
}

// ListActive retrieves all active, sync-enabled connections
func (r *ConnectionRepository) ListActive(ctx context.Context) ([]models.Connection, error) {
	var conns []models.Connection
	result := r.db.WithContext(ctx).
		Where("status = ? AND sync_enabled = ?", models.ConnectionStatusActive, true).
		Order("created_at ASC").
		Find(&conns)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list active connections: %w", result.Error)
	}
	return conns, nil
}
