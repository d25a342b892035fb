package models

import "time"

type SubscriptionStatus string

const (
	SubscriptionStatusActive  SubscriptionStatus = "active"  // Live at the provider
	SubscriptionStatusExpired SubscriptionStatus = "expired" // Lapsed at the provider, superseded by a new row
	SubscriptionStatusError   SubscriptionStatus = "error"   // Unusable (missing or inactive connection)
)

// WebhookSubscription is one provider-side push registration for one
// connection's inbox. At steady state exactly one active row exists per
// connection; a lapsed subscription is superseded by a freshly created row
// rather than resurrected.
type WebhookSubscription struct {
	ID                     string             `gorm:"column:id;primaryKey"`
	ConnectionID           string             `gorm:"column:connection_id;index"`
	UserID                 string             `gorm:"column:user_id"`
	ProviderSubscriptionID string             `gorm:"column:provider_subscription_id"`
	Resource               string             `gorm:"column:resource"`
	ChangeTypes            string             `gorm:"column:change_types"` // comma separated, e.g. "created,updated"
	NotificationURL        string             `gorm:"column:notification_url"`
	ExpiresAt              time.Time          `gorm:"column:expires_at"`
	ClientState            string             `gorm:"column:client_state"` // shared secret echoed back on notifications
	Status                 SubscriptionStatus `gorm:"column:status;index"`
	RenewalAttempts        int                `gorm:"column:renewal_attempts"`
	LastError              *string            `gorm:"column:last_error"`
	CreatedAt              time.Time          `gorm:"column:created_at"`
	UpdatedAt              time.Time          `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (WebhookSubscription) TableName() string {
	return "webhook_subscription"
}

// IsExpired reports whether the recorded expiry has already passed. Once
// true, renewing the provider-side subscription cannot succeed and the only
// way forward is recreation.
func (s *WebhookSubscription) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}
