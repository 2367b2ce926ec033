package model

import "time"

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// Closed reports whether the campaign can no longer be started.
func (s CampaignStatus) Closed() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusCancelled
}

// AcceptsRecipients reports whether new contacts may join mid-run.
func (s CampaignStatus) AcceptsRecipients() bool {
	return s == CampaignStatusActive || s == CampaignStatusRunning
}

type Campaign struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	MessageTemplate string         `json:"message_template"`
	Status          CampaignStatus `json:"status"`
	SentCount       int64          `json:"sent_count"`
	FailedCount     int64          `json:"failed_count"`
	TotalRecipients int64          `json:"total_recipients"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Done reports whether every recipient reached a terminal counter.
func (c *Campaign) Done() bool {
	return c.TotalRecipients > 0 && c.SentCount+c.FailedCount >= c.TotalRecipients
}

// CampaignCounters is an exact recount derived from message states.
type CampaignCounters struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Pending int64 `json:"pending"`
	Total   int64 `json:"total"`
}
