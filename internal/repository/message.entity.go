package repository

import (
	"encoding/json"
	"time"

	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/pkg/pg"
)

type MessageEntity struct {
	pg.Model
	CampaignID        string     `gorm:"column:campaign_id;type:uuid;not null;uniqueIndex:ux_sms_messages_campaign_contact"`
	ContactID         string     `gorm:"column:contact_id;type:uuid;not null;uniqueIndex:ux_sms_messages_campaign_contact"`
	PhoneNumber       string     `gorm:"column:phone_number;not null"`
	Body              string     `gorm:"column:message;not null"`
	Status            string     `gorm:"column:status;not null;default:pending;index"`
	ProviderMessageID *string    `gorm:"column:provider_message_id;index"`
	ProviderResponse  *string    `gorm:"column:provider_response"`
	SentAt            *time.Time `gorm:"column:sent_at"`
	DeliveredAt       *time.Time `gorm:"column:delivered_at"`
	FailedAt          *time.Time `gorm:"column:failed_at"`
	ErrorMessage      *string    `gorm:"column:error_message"`
}

func (MessageEntity) TableName() string {
	return "sms_messages"
}

func toMessageEntity(m *model.Message) *MessageEntity {
	if m == nil {
		return nil
	}
	status := m.Status
	if status == "" {
		status = model.MessageStatusPending
	}
	e := &MessageEntity{
		Model:             pg.Model{ID: m.ID, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		CampaignID:        m.CampaignID,
		ContactID:         m.ContactID,
		PhoneNumber:       m.PhoneNumber,
		Body:              m.Body,
		Status:            string(status),
		ProviderMessageID: nullable(m.ProviderMessageID),
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		FailedAt:          m.FailedAt,
		ErrorMessage:      nullable(m.ErrorMessage),
	}
	if len(m.ProviderResponse) > 0 {
		e.ProviderResponse = nullable(string(m.ProviderResponse))
	}
	return e
}

func toMessageModel(e *MessageEntity) *model.Message {
	if e == nil {
		return nil
	}
	m := &model.Message{
		ID:                e.ID,
		CampaignID:        e.CampaignID,
		ContactID:         e.ContactID,
		PhoneNumber:       e.PhoneNumber,
		Body:              e.Body,
		Status:            model.MessageStatus(e.Status),
		ProviderMessageID: deref(e.ProviderMessageID),
		SentAt:            e.SentAt,
		DeliveredAt:       e.DeliveredAt,
		FailedAt:          e.FailedAt,
		ErrorMessage:      deref(e.ErrorMessage),
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
	if e.ProviderResponse != nil {
		m.ProviderResponse = json.RawMessage(*e.ProviderResponse)
	}
	return m
}

func toMessageModels(entities []*MessageEntity) []*model.Message {
	if entities == nil {
		return nil
	}
	models := make([]*model.Message, len(entities))
	for i, e := range entities {
		models[i] = toMessageModel(e)
	}
	return models
}

type CampaignRecipientEntity struct {
	CampaignID        string     `gorm:"column:campaign_id;type:uuid;primaryKey"`
	ContactID         string     `gorm:"column:contact_id;type:uuid;primaryKey"`
	Status            string     `gorm:"column:status;not null;default:pending"`
	ProviderMessageID *string    `gorm:"column:provider_message_id"`
	SentAt            *time.Time `gorm:"column:sent_at"`
	FailedAt          *time.Time `gorm:"column:failed_at"`
	ErrorMessage      *string    `gorm:"column:error_message"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (CampaignRecipientEntity) TableName() string {
	return "campaign_recipients"
}

func toRecipientModel(e *CampaignRecipientEntity) *model.CampaignRecipient {
	if e == nil {
		return nil
	}
	return &model.CampaignRecipient{
		CampaignID:        e.CampaignID,
		ContactID:         e.ContactID,
		Status:            model.RecipientStatus(e.Status),
		ProviderMessageID: deref(e.ProviderMessageID),
		SentAt:            e.SentAt,
		FailedAt:          e.FailedAt,
		ErrorMessage:      deref(e.ErrorMessage),
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
