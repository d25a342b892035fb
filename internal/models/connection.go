package models

import "time"

type ConnectionStatus string

const (
	ConnectionStatusActive  ConnectionStatus = "active"  // Usable for sync, send, and subscriptions
	ConnectionStatusError   ConnectionStatus = "error"   // Token refresh failed, needs attention or reconnect
	ConnectionStatusRevoked ConnectionStatus = "revoked" // User disconnected, terminal
)

// Connection binds one provider mailbox to one CRM user. The provider stays
// the system of record for mail; this row only holds the credentials and
// bookkeeping needed to reach it. Access and refresh tokens are stored
// encrypted and are never deleted, even after revocation (kept for audit).
type Connection struct {
	ID                   string           `gorm:"column:id;primaryKey"`
	UserID               string           `gorm:"column:user_id;index"`
	Provider             string           `gorm:"column:provider"`
	TenantID             string           `gorm:"column:tenant_id"`
	Email                string           `gorm:"column:email"`
	ProviderUserID       string           `gorm:"column:provider_user_id"`
	DisplayName          string           `gorm:"column:display_name"`
	AccessToken          string           `gorm:"column:access_token"`  // encrypted
	RefreshToken         string           `gorm:"column:refresh_token"` // encrypted
	AccessTokenExpiresAt time.Time        `gorm:"column:access_token_expires_at"`
	Scope                string           `gorm:"column:scope"`
	Status               ConnectionStatus `gorm:"column:status;index"`
	ConsecutiveErrors    int              `gorm:"column:consecutive_errors"`
	LastError            *string          `gorm:"column:last_error"`
	SyncEnabled          bool             `gorm:"column:sync_enabled"`
	LastSyncedAt         *time.Time       `gorm:"column:last_synced_at"`
	CreatedAt            time.Time        `gorm:"column:created_at"`
	UpdatedAt            time.Time        `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Connection) TableName() string {
	return "connection"
}

// IsActive reports whether the connection may be used to mint new
// subscriptions or sends.
func (c *Connection) IsActive() bool {
	return c.Status == ConnectionStatusActive
}
