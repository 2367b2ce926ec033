package repository

import (
	"context"

	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/pkg/pg"
)

type ContactRepository struct {
	*pg.DB
}

func NewContactRepository(db *pg.DB) *ContactRepository {
	return &ContactRepository{
		db,
	}
}

func (r *ContactRepository) Create(ctx context.Context, c *model.Contact) (*model.Contact, error) {
	entity := toContactEntity(c)
	if entity.Status == "" {
		entity.Status = "active"
	}
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toContactModel(entity), nil
}

// GetByIDs loads the given contacts in request order. Unknown ids and
// duplicates are dropped.
func (r *ContactRepository) GetByIDs(ctx context.Context, ids []string) ([]*model.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var entities []*ContactEntity
	if err := r.Read(ctx).Where("id IN ?", ids).Find(&entities).Error; err != nil {
		return nil, err
	}

	byID := make(map[string]*ContactEntity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}

	out := make([]*model.Contact, 0, len(entities))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		e, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, toContactModel(e))
	}
	return out, nil
}
