package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind 代表引擎對外發出的通知事件種類
type EventKind string

const (
	// EventLeading 出價成功且目前領先
	EventLeading EventKind = "leading"
	// EventOutbid 出價被代理出價自動壓過，或原領先者被新出價取代
	EventOutbid EventKind = "outbid"
	// EventDefended 原領先者的代理出價成功守住領先
	EventDefended EventKind = "defended"
	// EventPriceChanged 商品價格或領先者變動(發給賣家)
	EventPriceChanged EventKind = "price_changed"
	// EventBidsRejected 出價者在某商品上的所有出價被駁回
	EventBidsRejected EventKind = "bids_rejected"
	// EventAuctionWon 拍賣結束且得標
	EventAuctionWon EventKind = "auction_won"
	// EventAuctionSold 拍賣結束且成交(發給賣家)
	EventAuctionSold EventKind = "auction_sold"
	// EventAuctionUnsold 拍賣結束但沒有有效出價(發給賣家)
	EventAuctionUnsold EventKind = "auction_unsold"
)

// Notification 代表一則要送出的通知
// 通知是fire-and-forget的：引擎只負責交付給Notifier，不等待也不處理投遞結果
type Notification struct {
	Recipient uuid.UUID `msgpack:"recipient"`
	Kind      EventKind `msgpack:"kind"`
	ItemID    uuid.UUID `msgpack:"itemId"`
	Price     int64     `msgpack:"price"`
	At        time.Time `msgpack:"at"`
}

// Notifier 定義了通知的邊界
// 引擎在釋放商品鎖之後才會呼叫Notify，實作不可以阻塞呼叫端；
// Notify的錯誤只會被記錄，永遠不會讓觸發它的操作失敗
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// NopNotifier 丟棄所有通知，用於不需要對外通知的部署
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, notification Notification) error {
	return nil
}
