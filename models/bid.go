package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Bid 代表拍賣商品的出價紀錄
// 紀錄是append-only的：Amount/LimitAmount寫入後不再修改，
// 撤銷出價只會把IsRejected設為true，不會刪除或改寫紀錄
// Amount是這筆出價當下造成的可見價格，LimitAmount是出價者授權的上限，
// 一般出價兩者相等，代理出價(自動出價)時LimitAmount >= Amount
type Bid struct {
	gorm.Model

	ID            uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	AuctionItemID uuid.UUID `gorm:"type:uuid;not null;index;<-:create"`
	BidderID      uuid.UUID `gorm:"type:uuid;not null;index;<-:create"`
	Amount        int64     `gorm:"type:bigint;not null;<-:create"`
	LimitAmount   int64     `gorm:"type:bigint;not null;<-:create"`
	IsAutoBid     bool      `gorm:"not null;default:false;<-:create"`
	IsRejected    bool      `gorm:"not null;default:false"`

	// 外鍵關聯
	Bidder      User        `gorm:"foreignKey:BidderID"`
	AuctionItem AuctionItem `gorm:"foreignKey:AuctionItemID"`
}

func (bid *Bid) BeforeCreate(tx *gorm.DB) error {
	if bid.ID == uuid.Nil {
		bid.ID = uuid.New()
	}
	return nil
}
