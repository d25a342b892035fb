package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/homescout/mailsync/internal/models"
	"github.com/homescout/mailsync/internal/outlook"
	"github.com/homescout/mailsync/internal/queue"
	"github.com/homescout/mailsync/internal/repository"
)

const syncPageSize = 50 // message ids fetched per sync pass

// mailClient is the slice of the provider client the mail processor uses
type mailClient interface {
	ListInboxMessageIDs(ctx context.Context, accessToken string, since *time.Time, top int) ([]string, error)
	SendMail(ctx context.Context, accessToken string, msg outlook.SendMailRequest) error
}

// syncConnectionStore adds the sync bookkeeping writes to connectionStore
type syncConnectionStore interface {
	connectionStore
	UpdateLastSynced(ctx context.Context, connectionID string, syncedAt time.Time) error
}

// SyncPayload is the body of a mailbox:sync job
type SyncPayload struct {
	ConnectionID string `json:"connection_id"`
}

// SendPayload is the body of a mail:send job
type SendPayload struct {
	ConnectionID string   `json:"connection_id"`
	To           []string `json:"to"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
}

// MailProcessor executes the sync and send jobs flowing through the queue.
// The provider stays the system of record for mail; a sync pass only pulls
// lightweight message ids and bookkeeping for the CRM side.
type MailProcessor struct {
	connections syncConnectionStore
	tokens      tokenSource
	provider    mailClient
	jobs        JobEnqueuer
}

func NewMailProcessor(connections syncConnectionStore, tokens tokenSource, provider mailClient, jobs JobEnqueuer) *MailProcessor {
	return &MailProcessor{
		connections: connections,
		tokens:      tokens,
		provider:    provider,
		jobs:        jobs,
	}
}

// EnqueueSync schedules a sync pass for a connection. The idempotency key
// coalesces notification bursts: one pending sync per connection.
func (p *MailProcessor) EnqueueSync(ctx context.Context, connectionID string) error {
	_, err := p.jobs.Enqueue(ctx, models.JobTypeMailboxSync, SyncPayload{ConnectionID: connectionID}, queue.Options{
		IdempotencyKey: fmt.Sprintf("mailbox-sync:%s", connectionID),
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue sync job: %w", err)
	}
	return nil
}

// HandleMailboxSync is the mailbox:sync job handler
func (p *MailProcessor) HandleMailboxSync(ctx context.Context, payload []byte) error {
	var body SyncPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("failed to parse sync payload: %w", err)
	}

	conn, err := p.connections.GetByID(ctx, body.ConnectionID)
	if err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			log.Printf("Connection %s no longer exists, skipping sync", body.ConnectionID)
			return nil
		}
		return err
	}

	// Revoked or sync-disabled connections make the job a no-op rather
	// than an error: nothing to retry.
	if conn.Status == models.ConnectionStatusRevoked || !conn.SyncEnabled {
		log.Printf("Skipping sync for connection %s (status: %s, sync enabled: %v)",
			conn.ID, conn.Status, conn.SyncEnabled)
		return nil
	}

	accessToken, conn, err := p.tokens.EnsureValidToken(ctx, body.ConnectionID)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenRevoked) {
			// Connection-fatal; the connection is already marked. Retrying
			// this job cannot help.
			log.Printf("Refresh token revoked for connection %s, sync abandoned", body.ConnectionID)
			return nil
		}
		return err
	}

	syncedAt := time.Now()
	ids, err := p.provider.ListInboxMessageIDs(ctx, accessToken, conn.LastSyncedAt, syncPageSize)
	if err != nil {
		return fmt.Errorf("failed to fetch message ids: %w", err)
	}

	log.Printf("Sync pass for connection %s found %d new message(s)", conn.ID, len(ids))

	if err := p.connections.UpdateLastSynced(ctx, conn.ID, syncedAt); err != nil {
		return err
	}

	return nil
}

// HandleMailSend is the mail:send job handler
func (p *MailProcessor) HandleMailSend(ctx context.Context, payload []byte) error {
	var body SendPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("failed to parse send payload: %w", err)
	}

	if len(body.To) == 0 {
		return fmt.Errorf("send job has no recipients")
	}

	conn, err := p.connections.GetByID(ctx, body.ConnectionID)
	if err != nil {
		return err
	}
	if !conn.IsActive() {
		return fmt.Errorf("%w: connection %s has status %s", ErrConnectionNotActive, conn.ID, conn.Status)
	}

	accessToken, _, err := p.tokens.EnsureValidToken(ctx, body.ConnectionID)
	if err != nil {
		return err
	}

	err = p.provider.SendMail(ctx, accessToken, outlook.SendMailRequest{
		To:      body.To,
		Subject: body.Subject,
		Body:    body.Body,
	})
	if err != nil {
		return err
	}

	log.Printf("Sent mail from connection %s to %d recipient(s)", conn.ID, len(body.To))

	return nil
}
