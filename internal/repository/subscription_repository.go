package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/homescout/mailsync/internal/models"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create inserts a new webhook subscription
func (r *SubscriptionRepository) Create(ctx context.Context, sub *models.WebhookSubscription) error {
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetByID retrieves a subscription by ID
func (r *SubscriptionRepository) GetByID(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	result := r.db.WithContext(ctx).First(&sub, "id = ?", subscriptionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", result.Error)
	}
	return &sub, nil
}

// GetByProviderSubscriptionID resolves an inbound notification's
// subscription id to the local record.
func (r *SubscriptionRepository) GetByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	result := r.db.WithContext(ctx).First(&sub, "provider_subscription_id = ?", providerSubscriptionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", result.Error)
	}
	return &sub, nil
}

// GetActiveByConnectionID retrieves the single active subscription for a connection
func (r *SubscriptionRepository) GetActiveByConnectionID(ctx context.Context, connectionID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	result := r.db.WithContext(ctx).
		First(&sub, "connection_id = ? AND status = ?", connectionID, models.SubscriptionStatusActive)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get active subscription: %w", result.Error)
	}
	return &sub, nil
}

// ListExpiring retrieves active subscriptions whose expiry falls before the
// given cutoff. This backs the reconciliation sweep that catches renewals
// whose scheduled jobs were lost.
func (r *SubscriptionRepository) ListExpiring(ctx context.Context, before time.Time) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.SubscriptionStatusActive, before).
		Order("expires_at ASC").
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list expiring subscriptions: %w", result.Error)
	}
	return subs, nil
}

// RecordRenewal stores a successful renewal: new expiry, attempt counter
// reset, last error cleared.
func (r *SubscriptionRepository) RecordRenewal(ctx context.Context, subscriptionID string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("id = ?", subscriptionID).
		Updates(map[string]interface{}{
			"expires_at":       expiresAt,
			"status":           models.SubscriptionStatusActive,
			"renewal_attempts": 0,
			"last_error":       nil,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record renewal: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// RecordFailure increments the renewal attempt counter and stores the error
func (r *SubscriptionRepository) RecordFailure(ctx context.Context, subscriptionID string, lastError string) error {
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("id = ?", subscriptionID).
		Updates(map[string]interface{}{
			"renewal_attempts": gorm.Expr("renewal_attempts + 1"),
			"last_error":       lastError,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record failure: %w", result.Error)
	}
	return nil
}

// UpdateStatus moves a subscription to the given status
func (r *SubscriptionRepository) UpdateStatus(ctx context.Context, subscriptionID string, status models.SubscriptionStatus, lastError *string) error {
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("id = ?", subscriptionID).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastError,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update subscription status: %w", result.Error)
	}
	return nil
}

// Delete removes the local record unconditionally
func (r *SubscriptionRepository) Delete(ctx context.Context, subscriptionID string) error {
	result := r.db.WithContext(ctx).Delete(&models.WebhookSubscription{}, "id = ?", subscriptionID)
	if result.Error != nil {
		return fmt.Errorf("failed to delete subscription: %w", result.Error)
	}
	return nil
}
