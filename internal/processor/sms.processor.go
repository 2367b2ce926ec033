package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	gateway "github.com/nimasrn/campaign-gateway/internal/gateways"
	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/internal/personalizer"
	"github.com/nimasrn/campaign-gateway/internal/queue"
	"github.com/nimasrn/campaign-gateway/internal/repository"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/nimasrn/campaign-gateway/pkg/phone"
	"github.com/nimasrn/campaign-gateway/pkg/prom"
)

var ErrInvalidJob = errors.New("invalid job payload")

type Sender interface {
	Send(ctx context.Context, to, body string) *gateway.SendResult
}

type CampaignStore interface {
	Get(ctx context.Context, id string) (*model.Campaign, error)
	IncrementSent(ctx context.Context, id string) error
	IncrementFailed(ctx context.Context, id string) error
}

type MessageStore interface {
	MarkSent(ctx context.Context, campaignID, contactID string, u model.SentUpdate) error
	MarkFailed(ctx context.Context, campaignID, contactID, reason string, at time.Time) error
}

type RecipientStore interface {
	MarkSent(ctx context.Context, campaignID, contactID, providerID string, at time.Time) error
	MarkFailed(ctx context.Context, campaignID, contactID, reason string, at time.Time) error
}

// SMSProcessor handles one send job: personalize, send, record the outcome.
type SMSProcessor struct {
	sender      Sender
	campaigns   CampaignStore
	messages    MessageStore
	recipients  RecipientStore
	idempotency *IdempotencyService
	countryCode string
	now         func() time.Time
}

func NewSMSProcessor(sender Sender, campaigns CampaignStore, messages MessageStore, recipients RecipientStore, idempotency *IdempotencyService, countryCode string) *SMSProcessor {
	return &SMSProcessor{
		sender:      sender,
		campaigns:   campaigns,
		messages:    messages,
		recipients:  recipients,
		idempotency: idempotency,
		countryCode: countryCode,
		now:         time.Now,
	}
}

func (p *SMSProcessor) GetType() string {
	return model.JobNameSendSMS
}

func (p *SMSProcessor) Process(ctx context.Context, job *queue.Job) error {
	var payload model.SendJob
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(fmt.Errorf("%w: %v", ErrInvalidJob, err))
	}
	if payload.CampaignID == "" || payload.ContactID == "" {
		return queue.Permanent(fmt.Errorf("%w: missing campaign or contact id", ErrInvalidJob))
	}

	log := recipientLog(payload)
	if job.Stalled() {
		// the lease expired on the last attempt; the provider may or may not
		// have accepted it, so record the failure instead of sending again
		reason := fmt.Sprintf("job stalled after %d attempts", job.MaxAttempts)
		if err := p.recordFailure(ctx, payload, reason, true); err != nil {
			return err
		}
		prom.IncSMSResult("failed")
		return queue.Permanent(errors.New(reason))
	}

	key := RecipientKey(payload.CampaignID, payload.ContactID)
	procCtx, err := p.idempotency.AcquireProcessingLock(ctx, key)
	switch {
	case errors.Is(err, ErrAlreadyProcessed):
		log.Info("recipient already processed, skipping")
		return nil
	case err != nil:
		if errors.Is(err, ErrLockAcquireFailed) {
			log.Info("recipient locked by another worker", "final_attempt", job.FinalAttempt())
		}
		return p.exhausted(ctx, job, payload, nil, err)
	}
	defer func() { _ = p.idempotency.ReleaseLock(ctx, procCtx) }()

	campaign, err := p.campaigns.Get(ctx, payload.CampaignID)
	if err != nil && !errors.Is(err, repository.ErrCampaignNotFound) {
		return p.exhausted(ctx, job, payload, procCtx, fmt.Errorf("failed to load campaign: %w", err))
	}
	if campaign == nil || campaign.Status != model.CampaignStatusRunning {
		log.Warn("dropping send for campaign that is not running")
		if err := p.terminalFailure(ctx, procCtx, payload, model.ErrCampaignNotRunning.Error()); err != nil {
			return err
		}
		return queue.Permanent(model.ErrCampaignNotRunning)
	}

	template := payload.Message
	if template == "" {
		template = campaign.MessageTemplate
	}
	fields := map[string]string{}
	number := payload.PhoneNumber
	if payload.Contact != nil {
		fields = payload.Contact.Fields()
		if number == "" {
			number = payload.Contact.PhoneNumber
		}
	}
	body := personalizer.Render(template, fields, p.now())

	to := phone.FormatWithCode(number, p.countryCode)
	if err := phone.CheckSendable(to); err != nil {
		reason := fmt.Sprintf("invalid phone number: %v", err)
		if ferr := p.terminalFailure(ctx, procCtx, payload, reason); ferr != nil {
			return ferr
		}
		return queue.Permanent(errors.New(reason))
	}

	res := p.sender.Send(ctx, to, body)
	if res.Success {
		return p.succeeded(ctx, procCtx, payload, body, res)
	}

	sendErr := errors.New(res.Error)
	if res.NotConfigured {
		sendErr = gateway.ErrNotConfigured
	}
	terminal := res.NotConfigured || !res.Retryable || job.FinalAttempt()
	if !terminal {
		if err := p.recordFailure(ctx, payload, res.Error, false); err != nil {
			return err
		}
		if err := p.idempotency.MarkFailure(ctx, procCtx, sendErr); err != nil {
			log.Warn("failed to release recipient after failure", "error", err)
		}
		log.Info("sms attempt failed, will retry", "attempt", job.Attempts, "previous_failures", procCtx.RetryCount)
		prom.IncSMSResult("retry")
		return sendErr
	}

	if err := p.terminalFailure(ctx, procCtx, payload, res.Error); err != nil {
		return err
	}
	if job.FinalAttempt() {
		return sendErr
	}
	return queue.Permanent(sendErr)
}

func (p *SMSProcessor) succeeded(ctx context.Context, procCtx *ProcessingContext, payload model.SendJob, body string, res *gateway.SendResult) error {
	now := p.now()
	err := p.messages.MarkSent(ctx, payload.CampaignID, payload.ContactID, model.SentUpdate{
		Body:              body,
		ProviderMessageID: res.MessageID,
		ProviderResponse:  res.ProviderResponse(),
		SentAt:            now,
	})
	// the provider accepted the message, so every error below is logged and
	// the job still acks; a retry would send a second text
	log := recipientLog(payload).With("message_id", res.MessageID)
	counted := true
	if err != nil {
		counted = false
		log.Error("failed to record sent message", "error", err)
	}
	if err := p.recipients.MarkSent(ctx, payload.CampaignID, payload.ContactID, res.MessageID, now); err != nil {
		log.Warn("failed to update campaign recipient", "error", err)
	}
	if counted {
		if err := p.campaigns.IncrementSent(ctx, payload.CampaignID); err != nil {
			log.Error("failed to increment sent count", "error", err)
		}
	}
	if err := p.idempotency.MarkSuccess(ctx, procCtx); err != nil {
		log.Error("failed to mark recipient processed", "error", err)
	}

	prom.IncSMSResult("sent")
	prom.ObservePriorFailures("sent", procCtx.RetryCount)
	log.Info("sms sent", "retried", procCtx.IsRetry, "prior_failures", procCtx.RetryCount)
	return nil
}

// exhausted returns err for a retry, or on the last attempt records it as the
// recipient's terminal failure first so the record does not stay pending.
func (p *SMSProcessor) exhausted(ctx context.Context, job *queue.Job, payload model.SendJob, procCtx *ProcessingContext, err error) error {
	if !job.FinalAttempt() {
		return err
	}
	if procCtx != nil {
		if ferr := p.terminalFailure(ctx, procCtx, payload, err.Error()); ferr != nil {
			return ferr
		}
	} else {
		if ferr := p.recordFailure(ctx, payload, err.Error(), true); ferr != nil {
			return ferr
		}
		prom.IncSMSResult("failed")
	}
	return queue.Permanent(err)
}

// terminalFailure records a failure that will not be retried and counts it
// against the campaign once.
func (p *SMSProcessor) terminalFailure(ctx context.Context, procCtx *ProcessingContext, payload model.SendJob, reason string) error {
	if err := p.recordFailure(ctx, payload, reason, true); err != nil {
		return err
	}
	if err := p.idempotency.MarkSuccess(ctx, procCtx); err != nil {
		recipientLog(payload).Error("failed to mark recipient processed", "error", err)
	}
	prom.IncSMSResult("failed")
	prom.ObservePriorFailures("failed", procCtx.RetryCount)
	return nil
}

// recordFailure persists the failed state. A record that already left the
// retryable states is left alone and not counted again.
func (p *SMSProcessor) recordFailure(ctx context.Context, payload model.SendJob, reason string, terminal bool) error {
	log := recipientLog(payload)
	now := p.now()
	err := p.messages.MarkFailed(ctx, payload.CampaignID, payload.ContactID, reason, now)
	switch {
	case errors.Is(err, repository.ErrInvalidTransition), errors.Is(err, repository.ErrNotFound):
		log.Warn("message not in a retryable state, failure not counted", "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("failed to record message failure: %w", err)
	}

	if err := p.recipients.MarkFailed(ctx, payload.CampaignID, payload.ContactID, reason, now); err != nil {
		log.Warn("failed to update campaign recipient", "error", err)
	}
	if terminal {
		if err := p.campaigns.IncrementFailed(ctx, payload.CampaignID); err != nil && !errors.Is(err, repository.ErrCampaignNotFound) {
			return fmt.Errorf("failed to increment failed count: %w", err)
		}
	}
	log.Warn("sms failed", "terminal", terminal, "reason", reason)
	return nil
}

func recipientLog(payload model.SendJob) *logger.ZapLogger {
	return logger.With("campaign_id", payload.CampaignID, "contact_id", payload.ContactID)
}
