package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimasrn/campaign-gateway/internal/fanout"
	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/internal/queue"
	"github.com/nimasrn/campaign-gateway/internal/repository"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
)

var (
	ErrCampaignNotFound  = repository.ErrCampaignNotFound
	ErrContactLookup     = model.ErrContactLookup
	ErrEmptyRecipients   = model.ErrEmptyRecipients
	ErrCampaignNotActive = model.ErrCampaignNotActive
	ErrCampaignClosed    = model.ErrCampaignClosed
	ErrMissingMessageID  = errors.New("missing provider message id")
)

const DefaultPendingLimit = 10

type CampaignRepository interface {
	Get(ctx context.Context, id string) (*model.Campaign, error)
	SetStatus(ctx context.Context, id string, status model.CampaignStatus) error
	Recount(ctx context.Context, id string) (*model.CampaignCounters, error)
}

type ContactRepository interface {
	GetByIDs(ctx context.Context, ids []string) ([]*model.Contact, error)
}

type MessageRepository interface {
	ApplyStatusCallback(ctx context.Context, providerID string, next model.MessageStatus, errMsg string, at time.Time) (*model.Message, error)
	CountByStatus(ctx context.Context, campaignID string) (map[model.MessageStatus]int64, error)
}

type RecipientRepository interface {
	MarkFailed(ctx context.Context, campaignID, contactID, reason string, at time.Time) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, campaign *model.Campaign, contacts []*model.Contact) (*fanout.Result, error)
	Requeue(ctx context.Context, before time.Time, limit int) (int, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, name string, data interface{}, opts queue.JobOptions) (string, error)
}

type StartResult struct {
	CampaignID   string
	ContactCount int
	JobID        string
}

type NewContactsResult struct {
	CampaignID        string
	ProcessedContacts int
	SMSJobsAdded      int
	Skipped           int
}

type CampaignService struct {
	campaigns     CampaignRepository
	contacts      ContactRepository
	messages      MessageRepository
	recipients    RecipientRepository
	dispatcher    Dispatcher
	campaignQueue JobQueue
	now           func() time.Time
}

func NewCampaignService(campaigns CampaignRepository, contacts ContactRepository, messages MessageRepository, recipients RecipientRepository, dispatcher Dispatcher, campaignQueue JobQueue) *CampaignService {
	return &CampaignService{
		campaigns:     campaigns,
		contacts:      contacts,
		messages:      messages,
		recipients:    recipients,
		dispatcher:    dispatcher,
		campaignQueue: campaignQueue,
		now:           time.Now,
	}
}

// StartCampaign marks the campaign running and queues its fan-out.
func (s *CampaignService) StartCampaign(ctx context.Context, campaignID string, contactIDs []string) (*StartResult, error) {
	contactIDs = cleanIDs(contactIDs)
	if len(contactIDs) == 0 {
		return nil, ErrEmptyRecipients
	}

	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status.Closed() {
		return nil, fmt.Errorf("%w: status is %s", ErrCampaignClosed, campaign.Status)
	}

	contacts, err := s.contacts.GetByIDs(ctx, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContactLookup, err)
	}
	if len(contacts) == 0 {
		return nil, fmt.Errorf("%w: none of the given contacts exist", ErrEmptyRecipients)
	}

	if err := s.campaigns.SetStatus(ctx, campaign.ID, model.CampaignStatusRunning); err != nil {
		return nil, fmt.Errorf("failed to mark campaign running: %w", err)
	}

	found := make([]string, 0, len(contacts))
	for _, c := range contacts {
		found = append(found, c.ID)
	}
	jobID, err := s.campaignQueue.Enqueue(ctx, model.JobNameStartCampaign,
		model.CampaignStartJob{CampaignID: campaign.ID, ContactIDs: found}, queue.JobOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue campaign start: %w", err)
	}

	logger.Info("campaign start queued", "campaign_id", campaign.ID, "contacts", len(found), "job_id", jobID)
	return &StartResult{CampaignID: campaign.ID, ContactCount: len(found), JobID: jobID}, nil
}

// Status returns the campaign with its live counters, or with counters
// recomputed from message states when exact is set.
func (s *CampaignService) Status(ctx context.Context, campaignID string, exact bool) (*model.Campaign, error) {
	if exact {
		if _, err := s.campaigns.Recount(ctx, campaignID); err != nil {
			return nil, err
		}
	}
	return s.campaigns.Get(ctx, campaignID)
}

// MessageBreakdown counts the campaign's message records per status.
func (s *CampaignService) MessageBreakdown(ctx context.Context, campaignID string) (map[model.MessageStatus]int64, error) {
	return s.messages.CountByStatus(ctx, campaignID)
}

// ProcessNewContacts fans out contacts added to an active or running campaign.
func (s *CampaignService) ProcessNewContacts(ctx context.Context, campaignID string, contactIDs []string) (*NewContactsResult, error) {
	contactIDs = cleanIDs(contactIDs)
	if len(contactIDs) == 0 {
		return nil, ErrEmptyRecipients
	}

	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !campaign.Status.AcceptsRecipients() {
		return nil, fmt.Errorf("%w: status is %s", ErrCampaignNotActive, campaign.Status)
	}

	contacts, err := s.contacts.GetByIDs(ctx, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContactLookup, err)
	}

	res, err := s.dispatcher.Dispatch(ctx, campaign, contacts)
	if err != nil {
		return nil, err
	}

	logger.Info("new contacts processed",
		"campaign_id", campaign.ID,
		"requested", len(contactIDs),
		"created", res.Created,
		"enqueued", res.Enqueued)
	return &NewContactsResult{
		CampaignID:        campaign.ID,
		ProcessedContacts: len(contacts),
		SMSJobsAdded:      res.Enqueued,
		Skipped:           res.Skipped,
	}, nil
}

// HandleStatusCallback applies a provider delivery notification. It reports
// whether the message changed; unknown messages, intermediate statuses and
// backward moves are ignored.
func (s *CampaignService) HandleStatusCallback(ctx context.Context, cb model.StatusCallback) (bool, error) {
	if cb.ProviderMessageID == "" {
		return false, ErrMissingMessageID
	}

	var next model.MessageStatus
	switch strings.ToLower(cb.Status) {
	case "delivered":
		next = model.MessageStatusDelivered
	case "failed":
		next = model.MessageStatusFailed
	case "undelivered":
		next = model.MessageStatusUndelivered
	default:
		logger.Debug("ignoring intermediate message status", "message_sid", cb.ProviderMessageID, "status", cb.Status)
		return false, nil
	}

	errMsg := callbackError(cb)
	msg, err := s.messages.ApplyStatusCallback(ctx, cb.ProviderMessageID, next, errMsg, s.now())
	switch {
	case errors.Is(err, repository.ErrNotFound):
		logger.Warn("status callback for unknown message", "message_sid", cb.ProviderMessageID)
		return false, nil
	case errors.Is(err, repository.ErrInvalidTransition):
		logger.Info("ignoring out of order status callback", "message_sid", cb.ProviderMessageID, "status", cb.Status)
		return false, nil
	case err != nil:
		return false, err
	}

	if next != model.MessageStatusDelivered {
		if err := s.recipients.MarkFailed(ctx, msg.CampaignID, msg.ContactID, errMsg, s.now()); err != nil {
			logger.Warn("failed to update campaign recipient", "campaign_id", msg.CampaignID, "contact_id", msg.ContactID, "error", err)
		}
	}

	logger.Info("message status updated", "message_sid", cb.ProviderMessageID, "status", next)
	return true, nil
}

// ProcessPending re-enqueues pending messages that have no live job.
func (s *CampaignService) ProcessPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return s.dispatcher.Requeue(ctx, s.now(), limit)
}

func callbackError(cb model.StatusCallback) string {
	switch {
	case cb.ErrorCode != "" && cb.ErrorMessage != "":
		return cb.ErrorCode + ": " + cb.ErrorMessage
	case cb.ErrorMessage != "":
		return cb.ErrorMessage
	case cb.ErrorCode != "":
		return "provider error " + cb.ErrorCode
	}
	return ""
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
