package repository

import (
	"context"
	"time"

	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/pkg/pg"
	"gorm.io/gorm/clause"
)

type CampaignRecipientRepository struct {
	*pg.DB
}

func NewCampaignRecipientRepository(db *pg.DB) *CampaignRecipientRepository {
	return &CampaignRecipientRepository{
		db,
	}
}

// UpsertPending links contacts to a campaign, leaving existing links untouched.
func (r *CampaignRecipientRepository) UpsertPending(ctx context.Context, campaignID string, contactIDs []string) error {
	if len(contactIDs) == 0 {
		return nil
	}
	rows := make([]*CampaignRecipientEntity, len(contactIDs))
	for i, id := range contactIDs {
		rows[i] = &CampaignRecipientEntity{
			CampaignID: campaignID,
			ContactID:  id,
			Status:     string(model.RecipientStatusPending),
		}
	}
	return r.Write(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 500).Error
}

func (r *CampaignRecipientRepository) MarkSent(ctx context.Context, campaignID, contactID, providerID string, at time.Time) error {
	return r.upsert(ctx, &CampaignRecipientEntity{
		CampaignID:        campaignID,
		ContactID:         contactID,
		Status:            string(model.RecipientStatusSent),
		ProviderMessageID: nullable(providerID),
		SentAt:            &at,
	}, []string{"status", "provider_message_id", "sent_at", "updated_at"})
}

func (r *CampaignRecipientRepository) MarkFailed(ctx context.Context, campaignID, contactID, reason string, at time.Time) error {
	return r.upsert(ctx, &CampaignRecipientEntity{
		CampaignID:   campaignID,
		ContactID:    contactID,
		Status:       string(model.RecipientStatusFailed),
		FailedAt:     &at,
		ErrorMessage: nullable(reason),
	}, []string{"status", "failed_at", "error_message", "updated_at"})
}

func (r *CampaignRecipientRepository) upsert(ctx context.Context, row *CampaignRecipientEntity, columns []string) error {
	return r.Write(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "contact_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).
		Create(row).Error
}

func (r *CampaignRecipientRepository) Get(ctx context.Context, campaignID, contactID string) (*model.CampaignRecipient, error) {
	var entity CampaignRecipientEntity
	err := r.Read(ctx).
		Where("campaign_id = ? AND contact_id = ?", campaignID, contactID).
		First(&entity).Error
	if err != nil {
		return nil, err
	}
	return toRecipientModel(&entity), nil
}
