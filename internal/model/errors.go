package model

import "errors"

// Domain errors shared by the service layer and the job handlers.
var (
	ErrCampaignNotRunning = errors.New("campaign not running")
	ErrCampaignNotActive  = errors.New("campaign is not active")
	ErrCampaignClosed     = errors.New("campaign is completed or cancelled")
	ErrContactLookup      = errors.New("failed to look up contacts")
	ErrEmptyRecipients    = errors.New("no contacts provided")
)
