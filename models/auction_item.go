package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuctionStatus 代表拍賣物品的生命週期狀態
type AuctionStatus string

const (
	AuctionStatusActive    AuctionStatus = "active"
	AuctionStatusEnded     AuctionStatus = "ended"
	AuctionStatusCancelled AuctionStatus = "cancelled"
)

// AuctionItem 代表拍賣系統中的商品
// 包含商品資訊、起標價、目前價格、出價階梯、拍賣時間等資訊
// CurrentPrice 和 BidCount 只能由競價引擎(engine)修改，不能由請求直接寫入
type AuctionItem struct {
	gorm.Model

	ID          uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	SellerID    uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	Title       string    `gorm:"type:varchar(255);not null"`
	Description string    `gorm:"type:text;not null"`

	// 所有金額欄位皆為整數最小貨幣單位(分)，避免浮點數誤差
	StartingPrice int64 `gorm:"type:bigint;not null;<-:create"`
	CurrentPrice  int64 `gorm:"type:bigint;not null"`
	BidStep       int64 `gorm:"type:bigint;not null;<-:create"`
	BidCount      int64 `gorm:"type:bigint;not null;default:0"`

	EndAt                time.Time     `gorm:"not null"`
	AutoExtendEnabled    bool          `gorm:"not null;default:false"`
	AllowsUnratedBidders bool          `gorm:"not null"`
	Status               AuctionStatus `gorm:"type:varchar(16);not null;default:'active'"`

	// 自動延長設定，NULL表示使用部署預設值
	ExtendThresholdMinutes *int64 `gorm:"type:bigint"`
	ExtendByMinutes        *int64 `gorm:"type:bigint"`

	// 外鍵關聯
	Seller     User  `gorm:"foreignKey:SellerID"`
	BidRecords []Bid `gorm:"foreignKey:AuctionItemID"`
}

func (item *AuctionItem) BeforeCreate(tx *gorm.DB) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	return nil
}
