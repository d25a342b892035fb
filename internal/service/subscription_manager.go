package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/homescout/mailsync/internal/encryption"
	"github.com/homescout/mailsync/internal/models"
	"github.com/homescout/mailsync/internal/outlook"
	"github.com/homescout/mailsync/internal/queue"
	"github.com/homescout/mailsync/internal/repository"
)

const (
	// MaxSubscriptionLifetime is the provider's ceiling for mail
	// subscriptions (about 3 days).
	MaxSubscriptionLifetime = 4230 * time.Minute
	// RenewalBuffer is how far before expiry a renewal runs.
	RenewalBuffer = 60 * time.Minute
	// RenewalJobPriority puts renewals ahead of everything else in the
	// queue: a missed renewal costs a subscription.
	RenewalJobPriority = 10

	inboxResource = "/me/mailFolders('inbox')/messages"
	changeTypes   = "created,updated"
)

// subscriptionClient is the slice of the provider client used here
type subscriptionClient interface {
	CreateSubscription(ctx context.Context, accessToken string, sub outlook.Subscription) (*outlook.Subscription, error)
	RenewSubscription(ctx context.Context, accessToken, subscriptionID string, expiresAt time.Time) (*outlook.Subscription, error)
	DeleteSubscription(ctx context.Context, accessToken, subscriptionID string) error
}

// subscriptionStore is the slice of the subscription repository used here
type subscriptionStore interface {
	Create(ctx context.Context, sub *models.WebhookSubscription) error
	GetByID(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error)
	GetActiveByConnectionID(ctx context.Context, connectionID string) (*models.WebhookSubscription, error)
	ListExpiring(ctx context.Context, before time.Time) ([]models.WebhookSubscription, error)
	RecordRenewal(ctx context.Context, subscriptionID string, expiresAt time.Time) error
	RecordFailure(ctx context.Context, subscriptionID string, lastError string) error
	UpdateStatus(ctx context.Context, subscriptionID string, status models.SubscriptionStatus, lastError *string) error
	Delete(ctx context.Context, subscriptionID string) error
}

// tokenSource hands out a currently-valid access token for a connection
type tokenSource interface {
	EnsureValidToken(ctx context.Context, connectionID string) (string, *models.Connection, error)
}

// JobEnqueuer is the queue contract the manager depends on
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts queue.Options) (string, error)
}

// RenewPayload is the body of a subscription:renew job
type RenewPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// SubscriptionManager keeps one live push subscription per active
// connection: created with the connection, renewed before the provider
// expires it, recreated when a renewal is missed entirely.
type SubscriptionManager struct {
	subs        subscriptionStore
	connections connectionStore
	tokens      tokenSource
	provider    subscriptionClient
	jobs        JobEnqueuer

	notificationURL string
}

func NewSubscriptionManager(
	subs subscriptionStore,
	connections connectionStore,
	tokens tokenSource,
	provider subscriptionClient,
	jobs JobEnqueuer,
	notificationURL string,
) *SubscriptionManager {
	return &SubscriptionManager{
		subs:            subs,
		connections:     connections,
		tokens:          tokens,
		provider:        provider,
		jobs:            jobs,
		notificationURL: notificationURL,
	}
}

// CreateSubscription registers a fresh push subscription for the
// connection's inbox and schedules its first renewal.
func (m *SubscriptionManager) CreateSubscription(ctx context.Context, connectionID string) (*models.WebhookSubscription, error) {
	conn, err := m.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive() {
		return nil, fmt.Errorf("%w: connection %s has status %s", ErrConnectionNotActive, connectionID, conn.Status)
	}

	accessToken, _, err := m.tokens.EnsureValidToken(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	clientState, err := encryption.RandomClientState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate client state: %w", err)
	}

	expiresAt := time.Now().Add(MaxSubscriptionLifetime)

	created, err := m.provider.CreateSubscription(ctx, accessToken, outlook.Subscription{
		Resource:           inboxResource,
		ChangeType:         changeTypes,
		NotificationURL:    m.notificationURL,
		ExpirationDateTime: expiresAt,
		ClientState:        clientState,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider subscription: %w", err)
	}

	if !created.ExpirationDateTime.IsZero() {
		expiresAt = created.ExpirationDateTime
	}

	now := time.Now()
	sub := &models.WebhookSubscription{
		ID:                     uuid.New().String(),
		ConnectionID:           conn.ID,
		UserID:                 conn.UserID,
		ProviderSubscriptionID: created.ID,
		Resource:               inboxResource,
		ChangeTypes:            changeTypes,
		NotificationURL:        m.notificationURL,
		ExpiresAt:              expiresAt,
		ClientState:            clientState,
		Status:                 models.SubscriptionStatusActive,
		RenewalAttempts:        0,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := m.subs.Create(ctx, sub); err != nil {
		return nil, err
	}

	log.Printf("Created subscription %s (provider %s) for connection %s, expires %s",
		sub.ID, created.ID, conn.ID, expiresAt)

	if err := m.scheduleRenewal(ctx, sub.ID, expiresAt.Add(-RenewalBuffer)); err != nil {
		// The reconciliation sweep will catch this subscription; the
		// registration itself succeeded.
		log.Printf("Warning: failed to schedule renewal for subscription %s: %v", sub.ID, err)
	}

	return sub, nil
}

// RenewSubscription extends a subscription at the provider. Dead
// connections make it a no-op; a renewal that failed past the recorded
// expiry self-heals by recreating the subscription from scratch.
func (m *SubscriptionManager) RenewSubscription(ctx context.Context, subscriptionID string) error {
	sub, err := m.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			log.Printf("Subscription %s no longer exists, skipping renewal", subscriptionID)
			return nil
		}
		return err
	}

	conn, err := m.connections.GetByID(ctx, sub.ConnectionID)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			reason := "connection no longer exists"
			if statusErr := m.subs.UpdateStatus(ctx, sub.ID, models.SubscriptionStatusError, &reason); statusErr != nil {
				log.Printf("Failed to mark subscription %s errored: %v", sub.ID, statusErr)
			}
			return nil
		}
		return err
	}

	// No point renewing for a revoked or errored connection; the renewal
	// chain ends here until the connection recovers.
	if !conn.IsActive() {
		reason := fmt.Sprintf("connection %s is %s", conn.ID, conn.Status)
		if statusErr := m.subs.UpdateStatus(ctx, sub.ID, models.SubscriptionStatusError, &reason); statusErr != nil {
			log.Printf("Failed to mark subscription %s errored: %v", sub.ID, statusErr)
		}
		return nil
	}

	accessToken, _, err := m.tokens.EnsureValidToken(ctx, sub.ConnectionID)
	if err != nil {
		return m.handleRenewalFailure(ctx, sub, fmt.Errorf("failed to obtain access token: %w", err))
	}

	newExpiry := time.Now().Add(MaxSubscriptionLifetime)
	renewed, err := m.provider.RenewSubscription(ctx, accessToken, sub.ProviderSubscriptionID, newExpiry)
	if err != nil {
		return m.handleRenewalFailure(ctx, sub, err)
	}

	if !renewed.ExpirationDateTime.IsZero() {
		newExpiry = renewed.ExpirationDateTime
	}

	if err := m.subs.RecordRenewal(ctx, sub.ID, newExpiry); err != nil {
		return err
	}

	log.Printf("Renewed subscription %s, new expiry %s", sub.ID, newExpiry)

	if err := m.scheduleRenewal(ctx, sub.ID, newExpiry.Add(-RenewalBuffer)); err != nil {
		log.Printf("Warning: failed to schedule next renewal for subscription %s: %v", sub.ID, err)
	}

	return nil
}

// handleRenewalFailure records the failure, then decides between retry and
// recreation. A subscription whose recorded expiry has already passed is
// unrecoverable at the provider: renewing an expired subscription id fails
// no matter how often it is retried.
func (m *SubscriptionManager) handleRenewalFailure(ctx context.Context, sub *models.WebhookSubscription, renewErr error) error {
	log.Printf("Renewal of subscription %s failed (attempt %d): %v", sub.ID, sub.RenewalAttempts+1, renewErr)

	if err := m.subs.RecordFailure(ctx, sub.ID, renewErr.Error()); err != nil {
		log.Printf("Failed to record renewal failure for subscription %s: %v", sub.ID, err)
	}

	if !sub.IsExpired() {
		// Still alive at the provider; let the job queue retry.
		return fmt.Errorf("failed to renew subscription %s: %w", sub.ID, renewErr)
	}

	log.Printf("Subscription %s already expired at provider, recreating", sub.ID)

	// Keep the failure text on the superseded row for diagnosis.
	reason := renewErr.Error()
	if err := m.subs.UpdateStatus(ctx, sub.ID, models.SubscriptionStatusExpired, &reason); err != nil {
		return fmt.Errorf("failed to mark subscription %s expired: %w", sub.ID, err)
	}

	if _, err := m.CreateSubscription(ctx, sub.ConnectionID); err != nil {
		return fmt.Errorf("failed to recreate subscription for connection %s: %w", sub.ConnectionID, err)
	}

	return nil
}

// DeleteSubscription removes a subscription. The provider call is best
// effort; the local record goes away regardless so nothing keeps pointing
// at a registration the operator can no longer act on.
func (m *SubscriptionManager) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	sub, err := m.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}

	accessToken, _, err := m.tokens.EnsureValidToken(ctx, sub.ConnectionID)
	if err != nil {
		log.Printf("Skipping provider delete for subscription %s, no usable token: %v", sub.ID, err)
	} else if err := m.provider.DeleteSubscription(ctx, accessToken, sub.ProviderSubscriptionID); err != nil {
		log.Printf("Best-effort provider delete of subscription %s failed: %v", sub.ID, err)
	}

	return m.subs.Delete(ctx, sub.ID)
}

// DeleteForConnection tears down the active subscription of a connection
// (used on disconnect).
func (m *SubscriptionManager) DeleteForConnection(ctx context.Context, connectionID string) error {
	sub, err := m.subs.GetActiveByConnectionID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}
	return m.DeleteSubscription(ctx, sub.ID)
}

// GetSubscriptionsNeedingRenewal lists active subscriptions expiring inside
// the renewal buffer. This is the safety net for lost scheduled jobs.
func (m *SubscriptionManager) GetSubscriptionsNeedingRenewal(ctx context.Context) ([]models.WebhookSubscription, error) {
	return m.subs.ListExpiring(ctx, time.Now().Add(RenewalBuffer))
}

// CheckAndRenewSubscriptions enqueues a renewal job for every subscription
// inside the buffer. Keys are stable per (subscription, recorded expiry) so
// the sweep can run repeatedly without duplicating work already in flight.
func (m *SubscriptionManager) CheckAndRenewSubscriptions(ctx context.Context) error {
	subs, err := m.GetSubscriptionsNeedingRenewal(ctx)
	if err != nil {
		return err
	}

	if len(subs) == 0 {
		return nil
	}

	log.Printf("Reconciliation sweep found %d subscription(s) needing renewal", len(subs))

	for _, sub := range subs {
		key := fmt.Sprintf("subscription-renew:%s:sweep:%d", sub.ID, sub.ExpiresAt.Unix())
		_, err := m.jobs.Enqueue(ctx, models.JobTypeSubscriptionRenew, RenewPayload{SubscriptionID: sub.ID}, queue.Options{
			Priority:       RenewalJobPriority,
			IdempotencyKey: key,
		})
		if err != nil {
			log.Printf("Failed to enqueue renewal for subscription %s: %v", sub.ID, err)
		}
	}

	return nil
}

// RunRenewalSweeper runs the reconciliation sweep periodically until the
// context ends.
func (m *SubscriptionManager) RunRenewalSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CheckAndRenewSubscriptions(ctx); err != nil {
				log.Printf("Subscription sweep failed: %v", err)
			}
		}
	}
}

// scheduleRenewal enqueues the renewal job for renewAt. The idempotency key
// combines subscription id and target time, so a duplicate enqueue from a
// retried caller is a no-op.
func (m *SubscriptionManager) scheduleRenewal(ctx context.Context, subscriptionID string, renewAt time.Time) error {
	key := fmt.Sprintf("subscription-renew:%s:%d", subscriptionID, renewAt.Unix())
	_, err := m.jobs.Enqueue(ctx, models.JobTypeSubscriptionRenew, RenewPayload{SubscriptionID: subscriptionID}, queue.Options{
		ScheduledFor:   &renewAt,
		Priority:       RenewalJobPriority,
		IdempotencyKey: key,
	})
	return err
}
