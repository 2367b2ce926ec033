package repository

import (
	"context"
	"testing"
	"time"

	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/internal/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContactRepository_GetByIDs(t *testing.T) {
	db := repotest.OpenSQLite(t, Entities()...)
	repo := NewContactRepository(db)
	ctx := context.Background()

	ann, err := repo.Create(ctx, &model.Contact{
		PhoneNumber:  "5551234567",
		FirstName:    "Ann",
		CustomFields: map[string]any{"next_exam_due": "2025-01-10", "license_type": "RN"},
	})
	require.NoError(t, err)
	bob, err := repo.Create(ctx, &model.Contact{PhoneNumber: "5557654321", FirstName: "Bob"})
	require.NoError(t, err)

	t.Run("keeps request order and drops unknown ids", func(t *testing.T) {
		got, err := repo.GetByIDs(ctx, []string{bob.ID, "00000000-0000-0000-0000-000000000000", ann.ID, bob.ID})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "Bob", got[0].FirstName)
		assert.Equal(t, "Ann", got[1].FirstName)
		assert.Equal(t, "active", got[1].Status)
	})

	t.Run("custom fields round trip", func(t *testing.T) {
		got, err := repo.GetByIDs(ctx, []string{ann.ID})
		require.NoError(t, err)
		require.Len(t, got, 1)
		fields := got[0].Fields()
		assert.Equal(t, "2025-01-10", fields["next_exam_due"])
		assert.Equal(t, "RN", fields["license_type"])
		assert.Equal(t, "Ann", fields["first_name"])
	})

	t.Run("empty input", func(t *testing.T) {
		got, err := repo.GetByIDs(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestCampaignRecipientRepository(t *testing.T) {
	db := repotest.OpenSQLite(t, Entities()...)
	repo := NewCampaignRecipientRepository(db)
	campaign := seedCampaign(t, NewCampaignRepository(db), model.CampaignStatusRunning)
	ctx := context.Background()

	require.NoError(t, repo.UpsertPending(ctx, campaign.ID, []string{"c1", "c2"}))
	require.NoError(t, repo.UpsertPending(ctx, campaign.ID, []string{"c1"}))

	r, err := repo.Get(ctx, campaign.ID, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.RecipientStatusPending, r.Status)

	require.NoError(t, repo.MarkSent(ctx, campaign.ID, "c1", "SM1", time.Now()))
	r, err = repo.Get(ctx, campaign.ID, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.RecipientStatusSent, r.Status)
	assert.Equal(t, "SM1", r.ProviderMessageID)

	require.NoError(t, repo.MarkFailed(ctx, campaign.ID, "c3", "no route", time.Now()))
	r, err = repo.Get(ctx, campaign.ID, "c3")
	require.NoError(t, err)
	assert.Equal(t, model.RecipientStatusFailed, r.Status)
	assert.Equal(t, "no route", r.ErrorMessage)
}
