package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gavel/models"
)

// RunSettlementSweep 掃描所有已過結束時間但仍為Active的商品並逐一結算
// 單一商品結算失敗只會被記錄，不會中斷其餘商品的處理
func (e *Engine) RunSettlementSweep(ctx context.Context) {
	const op = "Engine.RunSettlementSweep"
	now := e.clock.Now()

	var itemIDs []uuid.UUID
	if result := e.db.WithContext(ctx).Model(&models.AuctionItem{}).
		Where("status = ? AND end_at <= ?", models.AuctionStatusActive, now).
		Pluck("id", &itemIDs); result.Error != nil {
		e.logger.Error("Fail to scan expired auctions", slog.String("op", op), slog.Any("error", result.Error))
		return
	}

	for _, itemID := range itemIDs {
		if err := e.settleItem(ctx, itemID); err != nil {
			e.logger.Error("Fail to settle auction",
				slog.String("op", op),
				slog.String("itemID", itemID.String()),
				slog.Any("error", err),
			)
		}
	}
}

// settleItem 結算單一商品
// 取得與PlaceBid/RejectBidder相同的商品鎖之後才讀出價狀態，
// 因此結算和最後一刻的出價不可能交錯。重新檢查狀態與既有訂單
// 讓重複執行不會建立第二筆結算訂單
func (e *Engine) settleItem(ctx context.Context, itemID uuid.UUID) error {
	const op = "Engine.settleItem"

	lock, err := e.lockItem(ctx, itemID)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	var notifications []Notification
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.AuctionItem
		if result := tx.Where("id = ?", itemID).First(&item); result.Error != nil {
			return fmt.Errorf("[%s] Fail to find auction item, err=%w", op, result.Error)
		}

		now := e.clock.Now()
		// 拿到鎖之後重新確認：最後一刻的出價可能已經延長了結束時間，
		// 其他sweep也可能已經結算過這個商品
		if item.Status != models.AuctionStatusActive || item.EndAt.After(now) {
			return nil
		}

		// 得標的判定以Amount為準(出價當下的可見價格，也是買家實際要付的金額)，
		// 而不是出價者授權的上限
		var winningBid models.Bid
		hasWinner := true
		result := tx.Where("auction_item_id = ? AND is_rejected = ?", itemID, false).
			Order("amount DESC, created_at ASC").
			First(&winningBid)
		if result.Error != nil {
			if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("[%s] Fail to find winning bid, err=%w", op, result.Error)
			}
			hasWinner = false
		}

		item.Status = models.AuctionStatusEnded
		if result := tx.Save(&item); result.Error != nil {
			return fmt.Errorf("[%s] Fail to update auction item, err=%w", op, result.Error)
		}

		if !hasWinner {
			notifications = append(notifications, Notification{
				Recipient: item.SellerID,
				Kind:      EventAuctionUnsold,
				ItemID:    itemID,
				At:        now,
			})
			return nil
		}

		// 已存在訂單時不再建立第二筆(重複sweep的防護)
		var existing int64
		if result := tx.Model(&models.Order{}).Where("auction_item_id = ?", itemID).Count(&existing); result.Error != nil {
			return fmt.Errorf("[%s] Fail to check existing order, err=%w", op, result.Error)
		}
		if existing > 0 {
			return nil
		}

		order := models.Order{
			AuctionItemID: itemID,
			SellerID:      item.SellerID,
			WinnerID:      winningBid.BidderID,
			FinalPrice:    winningBid.Amount,
			Status:        models.OrderStatusCreated,
		}
		if result := tx.Create(&order); result.Error != nil {
			return fmt.Errorf("[%s] Fail to create settlement order, err=%w", op, result.Error)
		}

		notifications = append(notifications,
			Notification{Recipient: winningBid.BidderID, Kind: EventAuctionWon, ItemID: itemID, Price: order.FinalPrice, At: now},
			Notification{Recipient: item.SellerID, Kind: EventAuctionSold, ItemID: itemID, Price: order.FinalPrice, At: now},
		)
		return nil
	})
	if txErr != nil {
		return txErr
	}

	if err := lock.Unlock(); err != nil {
		e.logger.Warn("Fail to release item lock", slog.String("op", op), slog.Any("error", err))
	}
	e.dispatch(ctx, notifications)
	return nil
}

// Sweeper 週期性執行結算掃描的背景worker
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
}

func NewSweeper(engine *Engine, interval time.Duration) (*Sweeper, error) {
	if engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   engine.logger.With(slog.String("caller", "Sweeper")),
		closed:   true,
	}, nil
}

func (s *Sweeper) Start() {
	if !s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting settlement sweeper", slog.Duration("interval", s.interval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("settlement sweeper stopped")

		ticker := s.engine.clock.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				s.engine.RunSettlementSweep(ctx)
			}
		}
	}()
}

func (s *Sweeper) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
}
