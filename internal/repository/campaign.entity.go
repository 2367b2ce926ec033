package repository

import (
	"time"

	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/pkg/pg"
)

type CampaignEntity struct {
	pg.Model
	Name            string     `gorm:"column:name;not null"`
	MessageTemplate string     `gorm:"column:message_template;not null"`
	Status          string     `gorm:"column:status;not null;default:draft;index"`
	SentCount       int64      `gorm:"column:sent_count;not null;default:0"`
	FailedCount     int64      `gorm:"column:failed_count;not null;default:0"`
	TotalRecipients int64      `gorm:"column:total_recipients;not null;default:0"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
}

func (CampaignEntity) TableName() string {
	return "campaigns"
}

func toCampaignEntity(c *model.Campaign) *CampaignEntity {
	if c == nil {
		return nil
	}
	return &CampaignEntity{
		Model:           pg.Model{ID: c.ID, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt},
		Name:            c.Name,
		MessageTemplate: c.MessageTemplate,
		Status:          string(c.Status),
		SentCount:       c.SentCount,
		FailedCount:     c.FailedCount,
		TotalRecipients: c.TotalRecipients,
		CompletedAt:     c.CompletedAt,
	}
}

func toCampaignModel(e *CampaignEntity) *model.Campaign {
	if e == nil {
		return nil
	}
	return &model.Campaign{
		ID:              e.ID,
		Name:            e.Name,
		MessageTemplate: e.MessageTemplate,
		Status:          model.CampaignStatus(e.Status),
		SentCount:       e.SentCount,
		FailedCount:     e.FailedCount,
		TotalRecipients: e.TotalRecipients,
		CompletedAt:     e.CompletedAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}
