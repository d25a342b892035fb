package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/homescout/mailsync/internal/models"
	"github.com/homescout/mailsync/internal/queue"
	"github.com/homescout/mailsync/internal/repository"
	"github.com/homescout/mailsync/internal/service"
)

// ConnectionFlow drives the OAuth connect/disconnect lifecycle
type ConnectionFlow interface {
	StartConnect(userID string) (string, string, error)
	CompleteConnect(ctx context.Context, code, state string) (*models.Connection, error)
	Disconnect(ctx context.Context, connectionID string) error
}

// SubscriptionAdmin creates and tears down push subscriptions
type SubscriptionAdmin interface {
	CreateSubscription(ctx context.Context, connectionID string) (*models.WebhookSubscription, error)
	DeleteForConnection(ctx context.Context, connectionID string) error
}

// SyncEnqueuer schedules mailbox sync jobs
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, connectionID string) error
}

// SubscriptionLookup resolves incoming notifications to local subscriptions
type SubscriptionLookup interface {
	GetByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*models.WebhookSubscription, error)
}

// QueueAdmin is the operator surface of the job queue
type QueueAdmin interface {
	GetStats(ctx context.Context) (*queue.Stats, error)
	GetJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.ScheduledJob, error)
	RetryDeadJob(ctx context.Context, jobID string) error
}

// Server is the HTTP surface: the OAuth callback leg, the provider's webhook
// endpoint, and a small operator API over connections and the queue.
type Server struct {
	echo *echo.Echo

	connections   ConnectionFlow
	subscriptions SubscriptionAdmin
	subLookup     SubscriptionLookup
	sync          SyncEnqueuer
	queue         QueueAdmin
}

func NewServer(
	connections ConnectionFlow,
	subscriptions SubscriptionAdmin,
	subLookup SubscriptionLookup,
	sync SyncEnqueuer,
	queueAdmin QueueAdmin,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:          e,
		connections:   connections,
		subscriptions: subscriptions,
		subLookup:     subLookup,
		sync:          sync,
		queue:         queueAdmin,
	}
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)

	s.echo.GET("/auth/outlook/url", s.handleAuthURL)
	s.echo.GET("/auth/outlook/callback", s.handleAuthCallback)

	s.echo.POST("/webhooks/outlook", s.handleWebhook)

	s.echo.POST("/connections/:id/sync", s.handleManualSync)
	s.echo.POST("/connections/:id/disconnect", s.handleDisconnect)

	s.echo.GET("/admin/queue/stats", s.handleQueueStats)
	s.echo.GET("/admin/queue/jobs", s.handleQueueJobs)
	s.echo.POST("/admin/queue/jobs/:id/retry", s.handleQueueRetry)
}

// Start blocks serving HTTP until Shutdown or a listener error
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthURL(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}

	url, state, err := s.connections.StartConnect(userID)
	if err != nil {
		log.Printf("Failed to build authorization URL for user %s: %v", userID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to start authorization"})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"authorization_url": url,
		"state":             state,
	})
}

// connectionResponse is the outward shape of a connection. Token fields never
// leave the process.
type connectionResponse struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Provider    string     `json:"provider"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Status      string     `json:"status"`
	SyncEnabled bool       `json:"sync_enabled"`
	LastSynced  *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toConnectionResponse(conn *models.Connection) connectionResponse {
	return connectionResponse{
		ID:          conn.ID,
		UserID:      conn.UserID,
		Provider:    conn.Provider,
		Email:       conn.Email,
		DisplayName: conn.DisplayName,
		Status:      string(conn.Status),
		SyncEnabled: conn.SyncEnabled,
		LastSynced:  conn.LastSyncedAt,
		CreatedAt:   conn.CreatedAt,
	}
}

func (s *Server) handleAuthCallback(c echo.Context) error {
	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "code and state are required"})
	}

	ctx := c.Request().Context()

	conn, err := s.connections.CompleteConnect(ctx, code, state)
	if err != nil {
		if errors.Is(err, service.ErrInvalidState) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid or expired state"})
		}
		log.Printf("Failed to complete OAuth callback: %v", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "authorization failed"})
	}

	// Initial backfill plus the push registration. Neither failure undoes the
	// connection itself; the sweeps pick up the pieces.
	if err := s.sync.EnqueueSync(ctx, conn.ID); err != nil {
		log.Printf("Failed to enqueue initial sync for connection %s: %v", conn.ID, err)
	}
	if _, err := s.subscriptions.CreateSubscription(ctx, conn.ID); err != nil {
		log.Printf("Failed to create subscription for connection %s: %v", conn.ID, err)
	}

	return c.JSON(http.StatusOK, toConnectionResponse(conn))
}

// notification is one change event from the provider
type notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
}

type notificationBatch struct {
	Value []notification `json:"value"`
}

// handleWebhook serves the provider's notification endpoint. On registration
// the provider probes with a validationToken that must be echoed back as
// plain text; afterwards it POSTs change batches that must be acknowledged
// within seconds, so the handler only enqueues work and returns 202. A bad
// clientState drops the notification without telling the sender anything.
func (s *Server) handleWebhook(c echo.Context) error {
	if token := c.QueryParam("validationToken"); token != "" {
		return c.String(http.StatusOK, token)
	}

	var batch notificationBatch
	if err := c.Bind(&batch); err != nil {
		log.Printf("Failed to parse webhook payload: %v", err)
		return c.NoContent(http.StatusAccepted)
	}

	ctx := c.Request().Context()

	for _, n := range batch.Value {
		sub, err := s.subLookup.GetByProviderSubscriptionID(ctx, n.SubscriptionID)
		if err != nil {
			if errors.Is(err, repository.ErrSubscriptionNotFound) {
				log.Printf("Notification for unknown subscription %s, ignoring", n.SubscriptionID)
				continue
			}
			log.Printf("Failed to look up subscription %s: %v", n.SubscriptionID, err)
			continue
		}

		if subtle.ConstantTimeCompare([]byte(sub.ClientState), []byte(n.ClientState)) != 1 {
			log.Printf("Notification for subscription %s has wrong client state, ignoring", n.SubscriptionID)
			continue
		}

		if err := s.sync.EnqueueSync(ctx, sub.ConnectionID); err != nil {
			log.Printf("Failed to enqueue sync for connection %s: %v", sub.ConnectionID, err)
		}
	}

	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleManualSync(c echo.Context) error {
	connectionID := c.Param("id")

	if err := s.sync.EnqueueSync(c.Request().Context(), connectionID); err != nil {
		log.Printf("Failed to enqueue manual sync for connection %s: %v", connectionID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to enqueue sync"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "sync scheduled"})
}

func (s *Server) handleDisconnect(c echo.Context) error {
	connectionID := c.Param("id")
	ctx := c.Request().Context()

	// Tear down the push registration first so no notifications arrive for a
	// connection that can no longer act on them.
	if err := s.subscriptions.DeleteForConnection(ctx, connectionID); err != nil {
		log.Printf("Failed to delete subscription for connection %s: %v", connectionID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to remove subscription"})
	}

	if err := s.connections.Disconnect(ctx, connectionID); err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "connection not found"})
		}
		log.Printf("Failed to disconnect connection %s: %v", connectionID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to disconnect"})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleQueueStats(c echo.Context) error {
	stats, err := s.queue.GetStats(c.Request().Context())
	if err != nil {
		log.Printf("Failed to read queue stats: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read stats"})
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleQueueJobs(c echo.Context) error {
	status := models.JobStatus(c.QueryParam("status"))
	switch status {
	case models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted,
		models.JobStatusFailed, models.JobStatusDead:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid status %q", c.QueryParam("status")),
		})
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
		}
		limit = parsed
	}

	jobs, err := s.queue.GetJobsByStatus(c.Request().Context(), status, limit)
	if err != nil {
		log.Printf("Failed to list %s jobs: %v", status, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleQueueRetry(c echo.Context) error {
	jobID := c.Param("id")

	if err := s.queue.RetryDeadJob(c.Request().Context(), jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "no dead job with that id"})
		}
		log.Printf("Failed to retry job %s: %v", jobID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to retry job"})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "requeued"})
}
