package pg

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Model carries a string uuid primary key, generated on insert when empty.
type Model struct {
	ID        string `gorm:"primaryKey;type:uuid"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (m *Model) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
