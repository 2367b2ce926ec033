package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
)

type CampaignRepository struct {
	*pg.DB
}

func NewCampaignRepository(db *pg.DB) *CampaignRepository {
	return &CampaignRepository{
		db,
	}
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	entity := toCampaignEntity(c)
	if entity.Status == "" {
		entity.Status = string(model.CampaignStatusDraft)
	}
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toCampaignModel(entity), nil
}

func (r *CampaignRepository) Get(ctx context.Context, id string) (*model.Campaign, error) {
	var entity CampaignEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return toCampaignModel(&entity), nil
}

func (r *CampaignRepository) SetStatus(ctx context.Context, id string, status model.CampaignStatus) error {
	updates := map[string]any{"status": string(status), "updated_at": time.Now()}
	if status == model.CampaignStatusCompleted {
		updates["completed_at"] = time.Now()
	}
	res := r.Write(ctx).Model(&CampaignEntity{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// IncrementSent adds one to sent_count in a single UPDATE.
func (r *CampaignRepository) IncrementSent(ctx context.Context, id string) error {
	return r.increment(ctx, id, "sent_count", 1)
}

// IncrementFailed adds one to failed_count in a single UPDATE.
func (r *CampaignRepository) IncrementFailed(ctx context.Context, id string) error {
	return r.increment(ctx, id, "failed_count", 1)
}

// AddRecipients grows total_recipients by n newly created message records.
func (r *CampaignRepository) AddRecipients(ctx context.Context, id string, n int64) error {
	if n <= 0 {
		return nil
	}
	return r.increment(ctx, id, "total_recipients", n)
}

func (r *CampaignRepository) increment(ctx context.Context, id, column string, n int64) error {
	res := r.Write(ctx).Model(&CampaignEntity{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			column:       gorm.Expr(column+" + ?", n),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("increment %s: %w", column, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// Recount recomputes the counters from message states and stores them.
// sent and delivered count as sent, failed and undelivered as failed.
func (r *CampaignRepository) Recount(ctx context.Context, id string) (*model.CampaignCounters, error) {
	var counters model.CampaignCounters
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		var rows []struct {
			Status string
			Total  int64
		}
		err := r.Write(ctx).Model(&MessageEntity{}).
			Select("status, COUNT(*) AS total").
			Where("campaign_id = ?", id).
			Group("status").
			Scan(&rows).Error
		if err != nil {
			return err
		}

		for _, row := range rows {
			switch model.MessageStatus(row.Status) {
			case model.MessageStatusSent, model.MessageStatusDelivered:
				counters.Sent += row.Total
			case model.MessageStatusFailed, model.MessageStatusUndelivered:
				counters.Failed += row.Total
			default:
				counters.Pending += row.Total
			}
			counters.Total += row.Total
		}

		res := r.Write(ctx).Model(&CampaignEntity{}).
			Where("id = ?", id).
			UpdateColumns(map[string]any{
				"sent_count":       counters.Sent,
				"failed_count":     counters.Failed,
				"total_recipients": counters.Total,
				"updated_at":       time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrCampaignNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &counters, nil
}

// ListRunning returns campaigns currently being sent.
func (r *CampaignRepository) ListRunning(ctx context.Context) ([]*model.Campaign, error) {
	var entities []*CampaignEntity
	err := r.Read(ctx).
		Where("status = ?", string(model.CampaignStatusRunning)).
		Order("created_at ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	out := make([]*model.Campaign, len(entities))
	for i, e := range entities {
		out[i] = toCampaignModel(e)
	}
	return out, nil
}
