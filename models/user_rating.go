package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserRating 代表交易後對使用者的評價
// 競價引擎會以好評比例判斷出價者是否符合出價資格
type UserRating struct {
	gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	RateeID   uuid.UUID `gorm:"type:uuid;not null;index;<-:create"`
	RaterID   uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	Favorable bool      `gorm:"not null;<-:create"`

	// 外鍵關聯
	Ratee User `gorm:"foreignKey:RateeID"`
	Rater User `gorm:"foreignKey:RaterID"`
}

func (rating *UserRating) BeforeCreate(tx *gorm.DB) error {
	if rating.ID == uuid.Nil {
		rating.ID = uuid.New()
	}
	return nil
}
