package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gavel/models"
)

// BidOutcome PlaceBid成功時回傳的結果
type BidOutcome struct {
	// ResultingPrice 出價處理後商品的可見價格
	ResultingPrice int64
	// Winning 呼叫者是否成為(或仍是)目前領先者
	Winning bool
}

// PlaceBid 處理一筆新出價
// limit是出價者授權的上限金額：一般出價時等於出價金額本身，
// 代理出價(isAutoBid)時是願意自動跟價到的最高金額。
//
// limit必須為正數，否則在取鎖之前即以RuleBidTooLow回報。
// 其餘驗證依序進行，第一個失敗即回傳：
//  1. 商品存在、狀態為Active且尚未到結束時間，否則RuleAuctionClosed
//  2. 出價者符合賣家設定的資格條件，否則RuleBidderNotEligible
//  3. 出價者在此商品上沒有被駁回的紀錄，否則RuleBidderBanned
//  4. limit不低於最低進場金額，否則RuleBidTooLow
//
// 驗證、自動延長、價格計算和寫入都在同一個商品鎖與同一筆交易內完成；
// 通知在鎖釋放後才送出
func (e *Engine) PlaceBid(ctx context.Context, itemID, bidderID uuid.UUID, limit int64, isAutoBid bool) (BidOutcome, error) {
	const op = "Engine.PlaceBid"

	if limit <= 0 {
		return BidOutcome{}, NewRuleError(RuleBidTooLow, fmt.Sprintf("bid limit must be positive, got %d", limit))
	}

	lock, err := e.lockItem(ctx, itemID)
	if err != nil {
		return BidOutcome{}, err
	}
	defer lock.Unlock()

	var outcome BidOutcome
	var notifications []Notification
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.AuctionItem
		if result := tx.Where("id = ?", itemID).First(&item); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return NewRuleError(RuleAuctionClosed, "auction item does not exist")
			}
			return fmt.Errorf("[%s] Fail to find auction item, err=%w", op, result.Error)
		}

		now := e.clock.Now()
		if item.Status != models.AuctionStatusActive || !now.Before(item.EndAt) {
			return NewRuleError(RuleAuctionClosed, "auction is not open for bidding")
		}

		if err := e.checkEligibility(ctx, &item, bidderID); err != nil {
			return err
		}

		var rejectedCount int64
		if result := tx.Model(&models.Bid{}).
			Where("auction_item_id = ? AND bidder_id = ? AND is_rejected = ?", itemID, bidderID, true).
			Count(&rejectedCount); result.Error != nil {
			return fmt.Errorf("[%s] Fail to count rejected bids, err=%w", op, result.Error)
		}
		if rejectedCount > 0 {
			return NewRuleError(RuleBidderBanned, "bidder has rejected bids on this item")
		}

		minEntry := item.StartingPrice
		if item.BidCount > 0 {
			minEntry = item.CurrentPrice + item.BidStep
		}
		if limit < minEntry {
			return NewRuleError(RuleBidTooLow, fmt.Sprintf("minimum entry amount is %d", minEntry))
		}

		// 自動延長和本次出價屬於同一個原子單位：出價沒有成立時也不會延長
		if item.AutoExtendEnabled {
			policy := e.extendPolicyFor(item.ExtendThresholdMinutes, item.ExtendByMinutes)
			if item.EndAt.Sub(now) <= time.Duration(policy.ThresholdMinutes)*time.Minute {
				item.EndAt = now.Add(time.Duration(policy.ExtendMinutes) * time.Minute)
			}
		}

		champion, hasChampion, err := currentChampion(tx, itemID)
		if err != nil {
			return fmt.Errorf("[%s] Fail to find champion bid, err=%w", op, err)
		}

		record := models.Bid{
			Model:         gorm.Model{CreatedAt: now},
			AuctionItemID: itemID,
			BidderID:      bidderID,
			LimitAmount:   limit,
			IsAutoBid:     isAutoBid,
		}

		switch {
		case !hasChampion:
			// 第一筆有效出價：直接以起標價領先
			record.Amount = item.StartingPrice
			outcome = BidOutcome{ResultingPrice: item.StartingPrice, Winning: true}
			notifications = append(notifications,
				Notification{Recipient: bidderID, Kind: EventLeading, ItemID: itemID, Price: record.Amount, At: now},
				Notification{Recipient: item.SellerID, Kind: EventPriceChanged, ItemID: itemID, Price: record.Amount, At: now},
			)

		case champion.BidderID == bidderID:
			// 領先者調高自己的上限：價格不變，只新增一筆紀錄
			record.Amount = item.CurrentPrice
			outcome = BidOutcome{ResultingPrice: item.CurrentPrice, Winning: true}
			notifications = append(notifications,
				Notification{Recipient: bidderID, Kind: EventLeading, ItemID: itemID, Price: record.Amount, At: now},
			)

		case limit > champion.LimitAmount:
			// 新出價者超越原領先者
			price := min(limit, champion.LimitAmount+item.BidStep)
			record.Amount = price
			outcome = BidOutcome{ResultingPrice: price, Winning: true}
			notifications = append(notifications,
				Notification{Recipient: bidderID, Kind: EventLeading, ItemID: itemID, Price: price, At: now},
				Notification{Recipient: champion.BidderID, Kind: EventOutbid, ItemID: itemID, Price: price, At: now},
				Notification{Recipient: item.SellerID, Kind: EventPriceChanged, ItemID: itemID, Price: price, At: now},
			)

		default:
			// 原領先者的代理出價自動守住領先，可見價格抬升到新出價者的上限。
			// 只為落敗的出價者寫入一筆紀錄，不會為守住領先的一方補寫紀錄，
			// 因此領先者歷史紀錄上的金額可能低於商品目前的價格
			record.Amount = limit
			outcome = BidOutcome{ResultingPrice: limit, Winning: false}
			notifications = append(notifications,
				Notification{Recipient: bidderID, Kind: EventOutbid, ItemID: itemID, Price: limit, At: now},
				Notification{Recipient: champion.BidderID, Kind: EventDefended, ItemID: itemID, Price: limit, At: now},
				Notification{Recipient: item.SellerID, Kind: EventPriceChanged, ItemID: itemID, Price: limit, At: now},
			)
		}

		if result := tx.Create(&record); result.Error != nil {
			return fmt.Errorf("[%s] Fail to create bid record, err=%w", op, result.Error)
		}

		item.CurrentPrice = outcome.ResultingPrice
		item.BidCount++
		if result := tx.Save(&item); result.Error != nil {
			return fmt.Errorf("[%s] Fail to update auction item, err=%w", op, result.Error)
		}
		return nil
	})
	if txErr != nil {
		return BidOutcome{}, txErr
	}

	// 先釋放鎖再送通知，通知的I/O不能在鎖的保護範圍內
	if err := lock.Unlock(); err != nil {
		e.logger.Warn("Fail to release item lock", slog.String("op", op), slog.Any("error", err))
	}
	e.dispatch(ctx, notifications)

	e.logger.Info("Bid admitted",
		slog.String("itemID", itemID.String()),
		slog.String("bidderID", bidderID.String()),
		slog.Int64("price", outcome.ResultingPrice),
		slog.Bool("winning", outcome.Winning),
	)
	return outcome, nil
}

// checkEligibility 檢查出價者是否符合賣家設定的資格條件：
// 沒有任何評價時，只有允許未評價出價者的商品可以出價；
// 有評價時，好評比例必須達到門檻
func (e *Engine) checkEligibility(ctx context.Context, item *models.AuctionItem, bidderID uuid.UUID) error {
	const op = "Engine.checkEligibility"
	favorable, total, err := e.directory.RatingSummary(ctx, bidderID)
	if err != nil {
		return fmt.Errorf("[%s] Fail to get rating summary, err=%w", op, err)
	}
	if total == 0 {
		if !item.AllowsUnratedBidders {
			return NewRuleError(RuleBidderNotEligible, "item does not allow unrated bidders")
		}
		return nil
	}
	if favorable*ratingThresholdDenominator < total*ratingThresholdNumerator {
		return NewRuleError(RuleBidderNotEligible, "favorable rating ratio is below threshold")
	}
	return nil
}

// currentChampion 回傳商品目前的有效領先出價：
// 未被駁回的紀錄中上限金額最高者，同額時先出價者優先
func currentChampion(tx *gorm.DB, itemID uuid.UUID) (models.Bid, bool, error) {
	var champion models.Bid
	result := tx.Where("auction_item_id = ? AND is_rejected = ?", itemID, false).
		Order("limit_amount DESC, created_at ASC").
		First(&champion)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return models.Bid{}, false, nil
		}
		return models.Bid{}, false, result.Error
	}
	return champion, true, nil
}
