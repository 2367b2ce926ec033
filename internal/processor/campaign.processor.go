package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimasrn/campaign-gateway/internal/fanout"
	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/internal/queue"
	"github.com/nimasrn/campaign-gateway/internal/repository"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
)

type CampaignReader interface {
	Get(ctx context.Context, id string) (*model.Campaign, error)
}

type ContactReader interface {
	GetByIDs(ctx context.Context, ids []string) ([]*model.Contact, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, campaign *model.Campaign, contacts []*model.Contact) (*fanout.Result, error)
}

// CampaignStartProcessor resolves a campaign and its contacts and fans them
// out into send jobs.
type CampaignStartProcessor struct {
	campaigns  CampaignReader
	contacts   ContactReader
	dispatcher Dispatcher
}

func NewCampaignStartProcessor(campaigns CampaignReader, contacts ContactReader, dispatcher Dispatcher) *CampaignStartProcessor {
	return &CampaignStartProcessor{
		campaigns:  campaigns,
		contacts:   contacts,
		dispatcher: dispatcher,
	}
}

func (p *CampaignStartProcessor) GetType() string {
	return model.JobNameStartCampaign
}

func (p *CampaignStartProcessor) Process(ctx context.Context, job *queue.Job) error {
	var payload model.CampaignStartJob
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(fmt.Errorf("%w: %v", ErrInvalidJob, err))
	}

	campaign, err := p.campaigns.Get(ctx, payload.CampaignID)
	if err != nil {
		if errors.Is(err, repository.ErrCampaignNotFound) {
			logger.Error("campaign start job for unknown campaign", "campaign_id", payload.CampaignID)
			return queue.Permanent(err)
		}
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign.Status.Closed() {
		logger.Warn("campaign closed before fan-out", "campaign_id", campaign.ID, "status", campaign.Status)
		return queue.Permanent(model.ErrCampaignClosed)
	}

	contacts, err := p.contacts.GetByIDs(ctx, payload.ContactIDs)
	if err != nil {
		return queue.Permanent(fmt.Errorf("%w: %v", model.ErrContactLookup, err))
	}
	if len(contacts) == 0 {
		logger.Warn("campaign start resolved no contacts", "campaign_id", campaign.ID, "requested", len(payload.ContactIDs))
		return nil
	}

	res, err := p.dispatcher.Dispatch(ctx, campaign, contacts)
	if err != nil {
		return err
	}

	logger.Info("campaign started",
		"campaign_id", campaign.ID,
		"contacts", len(contacts),
		"created", res.Created,
		"enqueued", res.Enqueued,
		"skipped", res.Skipped)
	return nil
}
