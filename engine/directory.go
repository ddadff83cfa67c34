package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gavel/models"
)

// Directory 提供引擎需要的身份判斷
// 引擎只需要是/否的答案，帳號管理本身是外部系統的職責
type Directory interface {
	// IsModerator 判斷使用者是否為管理員
	IsModerator(ctx context.Context, userID uuid.UUID) (bool, error)
	// RatingSummary 回傳使用者收到的好評數和總評價數
	RatingSummary(ctx context.Context, userID uuid.UUID) (favorable, total int64, err error)
}

// GormDirectory 以資料庫中的User和UserRating實作Directory
type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) IsModerator(ctx context.Context, userID uuid.UUID) (bool, error) {
	const op = "GormDirectory.IsModerator"
	var user models.User
	result := d.db.WithContext(ctx).Select("is_moderator").Where("id = ?", userID).First(&user)
	if result.Error != nil {
		return false, fmt.Errorf("[%s] Fail to find user, err=%w", op, result.Error)
	}
	return user.IsModerator, nil
}

func (d *GormDirectory) RatingSummary(ctx context.Context, userID uuid.UUID) (int64, int64, error) {
	const op = "GormDirectory.RatingSummary"
	var favorable, total int64
	result := d.db.WithContext(ctx).Model(&models.UserRating{}).Where("ratee_id = ?", userID).Count(&total)
	if result.Error != nil {
		return 0, 0, fmt.Errorf("[%s] Fail to count ratings, err=%w", op, result.Error)
	}
	result = d.db.WithContext(ctx).Model(&models.UserRating{}).Where("ratee_id = ? AND favorable = ?", userID, true).Count(&favorable)
	if result.Error != nil {
		return 0, 0, fmt.Errorf("[%s] Fail to count favorable ratings, err=%w", op, result.Error)
	}
	return favorable, total, nil
}
