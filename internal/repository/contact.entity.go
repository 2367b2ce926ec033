package repository

import (
	"github.com/nimasrn/campaign-gateway/internal/model"
	"github.com/nimasrn/campaign-gateway/pkg/pg"
)

type ContactEntity struct {
	pg.Model
	PhoneNumber  string         `gorm:"column:phone_number;not null"`
	FirstName    string         `gorm:"column:first_name"`
	LastName     string         `gorm:"column:last_name"`
	Company      string         `gorm:"column:company"`
	Email        string         `gorm:"column:email"`
	Status       string         `gorm:"column:status;not null;default:active"`
	CustomFields map[string]any `gorm:"column:custom_fields;serializer:json"`
}

func (ContactEntity) TableName() string {
	return "contacts"
}

func toContactEntity(c *model.Contact) *ContactEntity {
	if c == nil {
		return nil
	}
	return &ContactEntity{
		Model:        pg.Model{ID: c.ID, CreatedAt: c.CreatedAt},
		PhoneNumber:  c.PhoneNumber,
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		Company:      c.Company,
		Email:        c.Email,
		Status:       c.Status,
		CustomFields: c.CustomFields,
	}
}

func toContactModel(e *ContactEntity) *model.Contact {
	if e == nil {
		return nil
	}
	return &model.Contact{
		ID:           e.ID,
		PhoneNumber:  e.PhoneNumber,
		FirstName:    e.FirstName,
		LastName:     e.LastName,
		Company:      e.Company,
		Email:        e.Email,
		Status:       e.Status,
		CustomFields: e.CustomFields,
		CreatedAt:    e.CreatedAt,
	}
}
