package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderStatus 代表結算訂單的狀態
// 拍賣結束後訂單會以 Created 狀態建立，後續的金流處理不在本系統範圍內
type OrderStatus string

const (
	OrderStatusCreated OrderStatus = "created"
)

// Order 代表拍賣結束後為得標者建立的結算訂單
// 每個拍賣物品最多只會有一筆訂單(AuctionItemID有唯一索引)
type Order struct {
	gorm.Model

	ID            uuid.UUID   `gorm:"type:uuid;primaryKey;<-:create"`
	AuctionItemID uuid.UUID   `gorm:"type:uuid;not null;uniqueIndex;<-:create"`
	SellerID      uuid.UUID   `gorm:"type:uuid;not null;<-:create"`
	WinnerID      uuid.UUID   `gorm:"type:uuid;not null;<-:create"`
	FinalPrice    int64       `gorm:"type:bigint;not null;<-:create"`
	Status        OrderStatus `gorm:"type:varchar(16);not null;default:'created'"`

	// 外鍵關聯
	AuctionItem AuctionItem `gorm:"foreignKey:AuctionItemID"`
	Seller      User        `gorm:"foreignKey:SellerID"`
	Winner      User        `gorm:"foreignKey:WinnerID"`
}

func (order *Order) BeforeCreate(tx *gorm.DB) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	return nil
}
