package queue

import (
	"time"
)

// State is the delivery state of a job.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

// Job is the durable envelope around one order's work. Attempt counts deliveries,
// so it is 1 during the first run of the handler.
type Job struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrderID     string     `gorm:"index;not null" json:"order_id"`
	Payload     string     `gorm:"type:text;not null" json:"payload"`
	Attempt     int        `gorm:"not null;default:0" json:"attempt"`
	MaxAttempts int        `gorm:"not null" json:"max_attempts"`
	State       State      `gorm:"index:idx_swap_jobs_due,priority:1;type:varchar(16);not null" json:"state"`
	RunAt       time.Time  `gorm:"index:idx_swap_jobs_due,priority:2;not null" json:"run_at"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LockToken   string     `gorm:"type:varchar(36)" json:"-"`
	LastError   *string    `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Job) TableName() string {
	return "swap_jobs"
}

// Final reports whether this delivery is the last one the queue will make.
func (j Job) Final() bool {
	return j.Attempt >= j.MaxAttempts
}
