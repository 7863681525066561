package models

import "time"

// EntityKind names a family of core records that carry metadata.
type EntityKind string

const (
	KindPipeline           EntityKind = "pipeline"
	KindSchedule           EntityKind = "schedule"
	KindNotificationPolicy EntityKind = "notification_policy"
)

// Core is a structural record whose mutable state lives in a Metadata row
// sharing its id.
type Core interface {
	EntityID() string
}

// Metadata holds the independently evolving fields of a core record.
type Metadata struct {
	Kind      EntityKind `json:"-"`
	ID        string     `json:"-"`
	Active    bool       `json:"active"`
	ToggledAt time.Time  `json:"metadata_updated_at"`
}

// DefaultMetadata is the record synthesized for a core that has none.
func DefaultMetadata(kind EntityKind, id string) Metadata {
	return Metadata{Kind: kind, ID: id, Active: false, ToggledAt: time.Now().UTC()}
}

// Schedule triggers a pipeline on a cron expression. Evaluating the
// expression is left to the scheduler.
type Schedule struct {
	ID         string    `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	Cron       string    `json:"cron"`
	CreatedAt  time.Time `json:"created_at"`
}

// EntityID implements Core.
func (s *Schedule) EntityID() string { return s.ID }

// NotificationPolicy describes where execution outcomes are reported.
type NotificationPolicy struct {
	ID            string    `json:"id"`
	PipelineID    string    `json:"pipeline_id"`
	Channel       string    `json:"channel"`
	Target        string    `json:"target"`
	OnFailureOnly bool      `json:"on_failure_only"`
	CreatedAt     time.Time `json:"created_at"`
}

// EntityID implements Core.
func (n *NotificationPolicy) EntityID() string { return n.ID }

// PipelineView is a pipeline merged with its metadata.
type PipelineView struct {
	*Pipeline
	Metadata
}

// ScheduleView is a schedule merged with its metadata.
type ScheduleView struct {
	*Schedule
	Metadata
}

// NotificationPolicyView is a notification policy merged with its metadata.
type NotificationPolicyView struct {
	*NotificationPolicy
	Metadata
}
