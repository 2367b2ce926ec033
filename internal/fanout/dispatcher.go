// Package fanout turns a campaign and a contact list into pending message
// records and one delayed send job per new record.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/internal/queue"
	"github.com/nimasrn/campaign-gateway/internal/repository"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/nimasrn/campaign-gateway/pkg/prom"
)

const DefaultStagger = 100 * time.Millisecond

type MessageStore interface {
	ExistingContactIDs(ctx context.Context, campaignID string, contactIDs []string) (map[string]bool, error)
	CreatePending(ctx context.Context, msgs []*model.Message) ([]*model.Message, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.Message, error)
	Touch(ctx context.Context, ids []string) error
}

type RecipientStore interface {
	UpsertPending(ctx context.Context, campaignID string, contactIDs []string) error
}

type CampaignStore interface {
	Get(ctx context.Context, id string) (*model.Campaign, error)
	AddRecipients(ctx context.Context, id string, n int64) error
}

type ContactStore interface {
	GetByIDs(ctx context.Context, ids []string) ([]*model.Contact, error)
}

// Transactor runs fn in one database transaction carried by ctx.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type JobQueue interface {
	EnqueueBulk(ctx context.Context, jobs []queue.BulkJob) ([]string, error)
}

type Result struct {
	Created  int `json:"created"`
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
}

type Dispatcher struct {
	tx         Transactor
	messages   MessageStore
	recipients RecipientStore
	campaigns  CampaignStore
	contacts   ContactStore
	queue      JobQueue
	stagger    time.Duration
}

func NewDispatcher(tx Transactor, messages MessageStore, recipients RecipientStore, campaigns CampaignStore, contacts ContactStore, q JobQueue, stagger time.Duration) *Dispatcher {
	if stagger < 0 {
		stagger = DefaultStagger
	}
	return &Dispatcher{
		tx:         tx,
		messages:   messages,
		recipients: recipients,
		campaigns:  campaigns,
		contacts:   contacts,
		queue:      q,
		stagger:    stagger,
	}
}

// SendJobID is the queue id of the send job for one recipient. While such a
// job is live a second enqueue for the same pair is dropped.
func SendJobID(campaignID, contactID string) string {
	return "sms:" + campaignID + ":" + contactID
}

// Dispatch creates pending records for contacts not yet part of the campaign
// and enqueues their send jobs, staggered by index. Pairs that already have a
// record are skipped and never get a second job from here.
func (d *Dispatcher) Dispatch(ctx context.Context, campaign *model.Campaign, contacts []*model.Contact) (*Result, error) {
	res := &Result{}
	if len(contacts) == 0 {
		return res, nil
	}

	ids := make([]string, 0, len(contacts))
	for _, c := range contacts {
		ids = append(ids, c.ID)
	}

	existing, err := d.messages.ExistingContactIDs(ctx, campaign.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing recipients: %w", err)
	}

	byID := make(map[string]*model.Contact, len(contacts))
	pending := make([]*model.Message, 0, len(contacts))
	for _, c := range contacts {
		if existing[c.ID] {
			continue
		}
		if _, dup := byID[c.ID]; dup {
			continue
		}
		byID[c.ID] = c
		pending = append(pending, &model.Message{
			CampaignID:  campaign.ID,
			ContactID:   c.ID,
			PhoneNumber: c.PhoneNumber,
			Body:        campaign.MessageTemplate,
			Status:      model.MessageStatusPending,
		})
	}

	// rows and the total commit together; a retried start job skips
	// existing rows, so a total bumped separately could be lost
	var created []*model.Message
	err = d.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		created, err = d.messages.CreatePending(ctx, pending)
		if err != nil {
			return fmt.Errorf("failed to create pending messages: %w", err)
		}
		if len(created) == 0 {
			return nil
		}

		createdIDs := make([]string, 0, len(created))
		for _, m := range created {
			createdIDs = append(createdIDs, m.ContactID)
		}
		if err := d.recipients.UpsertPending(ctx, campaign.ID, createdIDs); err != nil {
			return fmt.Errorf("failed to upsert campaign recipients: %w", err)
		}
		if err := d.campaigns.AddRecipients(ctx, campaign.ID, int64(len(created))); err != nil {
			return fmt.Errorf("failed to update total recipients: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Created = len(created)
	res.Skipped = len(contacts) - len(created)
	if len(created) == 0 {
		logger.Info("fan-out found no new recipients", "campaign_id", campaign.ID, "skipped", res.Skipped)
		return res, nil
	}

	jobs := make([]queue.BulkJob, 0, len(created))
	for i, m := range created {
		jobs = append(jobs, sendJob(campaign, byID[m.ContactID], m, time.Duration(i)*d.stagger))
	}

	added, err := d.queue.EnqueueBulk(ctx, jobs)
	if err != nil {
		// records stay pending and are picked up by the pending sweeper
		return res, fmt.Errorf("failed to enqueue send jobs: %w", err)
	}
	res.Enqueued = len(added)
	prom.AddJobsEnqueued("fanout", res.Enqueued)

	logger.Info("campaign fan-out done",
		"campaign_id", campaign.ID,
		"created", res.Created,
		"enqueued", res.Enqueued,
		"skipped", res.Skipped)
	return res, nil
}

// Requeue enqueues send jobs for stale pending records, grouped by campaign.
// It returns how many jobs were actually added.
func (d *Dispatcher) Requeue(ctx context.Context, before time.Time, limit int) (int, error) {
	msgs, err := d.messages.ListStalePending(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending messages: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	campaigns := make(map[string]*model.Campaign)
	contactIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		contactIDs = append(contactIDs, m.ContactID)
		if _, ok := campaigns[m.CampaignID]; ok {
			continue
		}
		c, err := d.campaigns.Get(ctx, m.CampaignID)
		switch {
		case errors.Is(err, repository.ErrCampaignNotFound):
			logger.Warn("skipping pending messages of unknown campaign", "campaign_id", m.CampaignID)
		case err != nil:
			return 0, fmt.Errorf("failed to load campaign %s: %w", m.CampaignID, err)
		}
		campaigns[m.CampaignID] = c
	}

	contacts, err := d.contacts.GetByIDs(ctx, contactIDs)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrContactLookup, err)
	}
	byID := make(map[string]*model.Contact, len(contacts))
	for _, c := range contacts {
		byID[c.ID] = c
	}

	jobs := make([]queue.BulkJob, 0, len(msgs))
	touched := make([]string, 0, len(msgs))
	for _, m := range msgs {
		campaign := campaigns[m.CampaignID]
		if campaign == nil {
			continue
		}
		jobs = append(jobs, sendJob(campaign, byID[m.ContactID], m, time.Duration(len(jobs))*d.stagger))
		touched = append(touched, m.ID)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	if err := d.messages.Touch(ctx, touched); err != nil {
		return 0, fmt.Errorf("failed to touch pending messages: %w", err)
	}
	added, err := d.queue.EnqueueBulk(ctx, jobs)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue send jobs: %w", err)
	}

	prom.AddJobsEnqueued("requeue", len(added))
	logger.Info("re-enqueued pending messages", "found", len(msgs), "enqueued", len(added))
	return len(added), nil
}

func sendJob(campaign *model.Campaign, contact *model.Contact, m *model.Message, delay time.Duration) queue.BulkJob {
	phone := m.PhoneNumber
	if phone == "" && contact != nil {
		phone = contact.PhoneNumber
	}
	return queue.BulkJob{
		Name: model.JobNameSendSMS,
		Data: model.SendJob{
			CampaignID:  campaign.ID,
			ContactID:   m.ContactID,
			PhoneNumber: phone,
			Message:     campaign.MessageTemplate,
			Contact:     contact,
			Campaign:    campaign,
		},
		Options: queue.JobOptions{
			JobID: SendJobID(campaign.ID, m.ContactID),
			Delay: delay,
		},
	}
}
