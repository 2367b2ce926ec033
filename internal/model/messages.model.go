package model

import (
	"encoding/json"
	"time"
)

type MessageStatus string

const (
	MessageStatusPending     MessageStatus = "pending"
	MessageStatusSent        MessageStatus = "sent"
	MessageStatusDelivered   MessageStatus = "delivered"
	MessageStatusFailed      MessageStatus = "failed"
	MessageStatusUndelivered MessageStatus = "undelivered"
)

var messageTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusPending: {MessageStatusSent, MessageStatusFailed},
	MessageStatusFailed:  {MessageStatusSent, MessageStatusFailed},
	MessageStatusSent:    {MessageStatusDelivered, MessageStatusFailed, MessageStatusUndelivered},
}

// CanTransition reports whether a record in s may move to next.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	for _, allowed := range messageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s MessageStatus) Terminal() bool {
	return len(messageTransitions[s]) == 0
}

// Message is one row of sms_messages: a single recipient of a campaign.
type Message struct {
	ID                string          `json:"id"`
	CampaignID        string          `json:"campaign_id"`
	ContactID         string          `json:"contact_id"`
	PhoneNumber       string          `json:"phone_number"`
	Body              string          `json:"message"`
	Status            MessageStatus   `json:"status"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	ProviderResponse  json.RawMessage `json:"provider_response,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SentUpdate is what a successful send writes back.
type SentUpdate struct {
	Body              string
	ProviderMessageID string
	ProviderResponse  json.RawMessage
	SentAt            time.Time
}

// StatusCallback is a provider delivery notification.
type StatusCallback struct {
	ProviderMessageID string
	Status            string
	ErrorCode         string
	ErrorMessage      string
}

// RecipientStatus mirrors the message outcome on campaign_recipients.
type RecipientStatus string

const (
	RecipientStatusPending RecipientStatus = "pending"
	RecipientStatusSent    RecipientStatus = "sent"
	RecipientStatusFailed  RecipientStatus = "failed"
)

type CampaignRecipient struct {
	CampaignID        string          `json:"campaign_id"`
	ContactID         string          `json:"contact_id"`
	Status            RecipientStatus `json:"status"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
}
