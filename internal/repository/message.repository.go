package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrInvalidTransition is returned when a status change would move backwards.
	ErrInvalidTransition = errors.New("invalid message status transition")
)

var retryableStatuses = []string{string(model.MessageStatusPending), string(model.MessageStatusFailed)}

type MessageRepository struct {
	*pg.DB
}

func NewMessageRepository(db *pg.DB) *MessageRepository {
	return &MessageRepository{
		db,
	}
}

func (r *MessageRepository) Get(ctx context.Context, campaignID, contactID string) (*model.Message, error) {
	var entity MessageEntity
	err := r.Read(ctx).
		Where("campaign_id = ? AND contact_id = ?", campaignID, contactID).
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toMessageModel(&entity), nil
}

// ExistingContactIDs returns which of contactIDs already have a record in the campaign.
func (r *MessageRepository) ExistingContactIDs(ctx context.Context, campaignID string, contactIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(contactIDs) == 0 {
		return existing, nil
	}

	var ids []string
	err := r.Read(ctx).Model(&MessageEntity{}).
		Where("campaign_id = ? AND contact_id IN ?", campaignID, contactIDs).
		Pluck("contact_id", &ids).Error
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		existing[id] = true
	}
	return existing, nil
}

// CreatePending inserts pending records, skipping pairs that already exist.
// It returns only the records this call created, in input order.
func (r *MessageRepository) CreatePending(ctx context.Context, msgs []*model.Message) ([]*model.Message, error) {
	created := make([]*model.Message, 0, len(msgs))
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, m := range msgs {
			entity := toMessageEntity(m)
			entity.Status = string(model.MessageStatusPending)
			res := r.Write(ctx).
				Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "contact_id"}},
					DoNothing: true,
				}).
				Create(entity)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			created = append(created, toMessageModel(entity))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// MarkSent records a successful send. Only pending or failed rows move.
func (r *MessageRepository) MarkSent(ctx context.Context, campaignID, contactID string, u model.SentUpdate) error {
	updates := map[string]any{
		"status":              string(model.MessageStatusSent),
		"message":             u.Body,
		"provider_message_id": nullable(u.ProviderMessageID),
		"sent_at":             u.SentAt,
		"error_message":       nil,
		"updated_at":          time.Now(),
	}
	if len(u.ProviderResponse) > 0 {
		updates["provider_response"] = string(u.ProviderResponse)
	}
	return r.transition(ctx, campaignID, contactID, updates)
}

// MarkFailed records a failed attempt. Only pending or failed rows move.
func (r *MessageRepository) MarkFailed(ctx context.Context, campaignID, contactID, reason string, at time.Time) error {
	return r.transition(ctx, campaignID, contactID, map[string]any{
		"status":        string(model.MessageStatusFailed),
		"failed_at":     at,
		"error_message": nullable(reason),
		"updated_at":    time.Now(),
	})
}

func (r *MessageRepository) transition(ctx context.Context, campaignID, contactID string, updates map[string]any) error {
	res := r.Write(ctx).Model(&MessageEntity{}).
		Where("campaign_id = ? AND contact_id = ? AND status IN ?", campaignID, contactID, retryableStatuses).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := r.Get(ctx, campaignID, contactID); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// ApplyStatusCallback moves the record matching the provider id forward.
// Backward or repeated transitions return ErrInvalidTransition.
func (r *MessageRepository) ApplyStatusCallback(ctx context.Context, providerID string, next model.MessageStatus, errMsg string, at time.Time) (*model.Message, error) {
	var out *model.Message
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		var entity MessageEntity
		err := r.Write(ctx).Where("provider_message_id = ?", providerID).First(&entity).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		current := model.MessageStatus(entity.Status)
		if !current.CanTransition(next) {
			return ErrInvalidTransition
		}

		updates := map[string]any{"status": string(next), "updated_at": time.Now()}
		switch next {
		case model.MessageStatusDelivered:
			updates["delivered_at"] = at
		case model.MessageStatusFailed, model.MessageStatusUndelivered:
			updates["failed_at"] = at
			if errMsg != "" {
				updates["error_message"] = errMsg
			}
		}

		res := r.Write(ctx).Model(&MessageEntity{}).
			Where("id = ? AND status = ?", entity.ID, entity.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}

		if err := r.Write(ctx).Where("id = ?", entity.ID).First(&entity).Error; err != nil {
			return err
		}
		out = toMessageModel(&entity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListStalePending returns pending records untouched since before.
func (r *MessageRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var entities []*MessageEntity
	err := r.Read(ctx).
		Where("status = ? AND updated_at < ?", string(model.MessageStatusPending), before).
		Order("created_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toMessageModels(entities), nil
}

// Touch bumps updated_at so a sweep does not pick the same rows twice.
func (r *MessageRepository) Touch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.Write(ctx).Model(&MessageEntity{}).
		Where("id IN ?", ids).
		UpdateColumn("updated_at", time.Now()).Error
}

func (r *MessageRepository) CountByStatus(ctx context.Context, campaignID string) (map[model.MessageStatus]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.Read(ctx).Model(&MessageEntity{}).
		Select("status, COUNT(*) AS total").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.MessageStatus]int64, len(rows))
	for _, row := range rows {
		out[model.MessageStatus(row.Status)] = row.Total
	}
	return out, nil
}
