package models

import "time"

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"    // Ready to run (once scheduled_for has passed)
	JobStatusProcessing JobStatus = "processing" // Claimed by a worker
	JobStatusCompleted  JobStatus = "completed"  // Handler returned successfully
	JobStatusFailed     JobStatus = "failed"     // Handler failed, waiting for retry
	JobStatusDead       JobStatus = "dead"       // Retry budget exhausted, held for inspection
)

// Job types dispatched through the queue.
const (
	JobTypeMailboxSync       = "mailbox:sync"
	JobTypeMailSend          = "mail:send"
	JobTypeSubscriptionRenew = "subscription:renew"
)

// ScheduledJob is a durable, time-scheduled unit of work. Jobs carrying an
// idempotency key are accepted at most once while an equivalent job is
// pending or processing, so at-least-once producers can enqueue blindly.
type ScheduledJob struct {
	ID             string     `gorm:"column:id;primaryKey" json:"id"`
	Type           string     `gorm:"column:type;index" json:"type"`
	Payload        string     `gorm:"column:payload" json:"payload"` // JSON
	Status         JobStatus  `gorm:"column:status;index" json:"status"`
	Priority       int        `gorm:"column:priority" json:"priority"` // higher runs first
	ScheduledFor   *time.Time `gorm:"column:scheduled_for" json:"scheduled_for,omitempty"`
	IdempotencyKey *string    `gorm:"column:idempotency_key" json:"idempotency_key,omitempty"`
	Attempts       int        `gorm:"column:attempts" json:"attempts"`
	MaxAttempts    int        `gorm:"column:max_attempts" json:"max_attempts"`
	LastError      *string    `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at" json:"updated_at"`
	ProcessedAt    *time.Time `gorm:"column:processed_at" json:"processed_at,omitempty"`
}

// TableName specifies the table name for GORM
func (ScheduledJob) TableName() string {
	return "scheduled_job"
}
