package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gavel/models"
)

// RejectBidder 駁回targetBidderID在itemID上的所有出價，並從剩餘的有效紀錄
// 重新推導商品的價格與出價數。駁回是以出價者為範圍的：不是撤銷單筆出價，
// 而是把該出價者在此商品上的每一筆紀錄都標記為已駁回。
//
// 只有商品賣家或管理員可以執行，否則回傳RuleNotAuthorized。
// 這個操作不會新增任何出價紀錄，只翻轉旗標並重算衍生欄位
func (e *Engine) RejectBidder(ctx context.Context, itemID, targetBidderID, actingUserID uuid.UUID) error {
	const op = "Engine.RejectBidder"

	lock, err := e.lockItem(ctx, itemID)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	var notifications []Notification
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.AuctionItem
		if result := tx.Where("id = ?", itemID).First(&item); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return NewRuleError(RuleAuctionClosed, "auction item does not exist")
			}
			return fmt.Errorf("[%s] Fail to find auction item, err=%w", op, result.Error)
		}

		if item.SellerID != actingUserID {
			isModerator, err := e.directory.IsModerator(ctx, actingUserID)
			if err != nil {
				return fmt.Errorf("[%s] Fail to check moderator, err=%w", op, err)
			}
			if !isModerator {
				return NewRuleError(RuleNotAuthorized, "acting user is neither the seller nor a moderator")
			}
		}

		if result := tx.Model(&models.Bid{}).
			Where("auction_item_id = ? AND bidder_id = ?", itemID, targetBidderID).
			Update("is_rejected", true); result.Error != nil {
			return fmt.Errorf("[%s] Fail to reject bids, err=%w", op, result.Error)
		}

		// 依照領先者的排序規則撈回剩餘的有效出價，重新推導價格
		var remaining []models.Bid
		if result := tx.Where("auction_item_id = ? AND is_rejected = ?", itemID, false).
			Order("limit_amount DESC, created_at ASC").
			Find(&remaining); result.Error != nil {
			return fmt.Errorf("[%s] Fail to list remaining bids, err=%w", op, result.Error)
		}

		item.CurrentPrice = resolvePrice(&item, remaining)
		// 注意：這裡的出價數是剩餘有效紀錄的數量，是對真實出價事件數的近似
		item.BidCount = int64(len(remaining))
		if result := tx.Save(&item); result.Error != nil {
			return fmt.Errorf("[%s] Fail to update auction item, err=%w", op, result.Error)
		}

		notifications = append(notifications, Notification{
			Recipient: targetBidderID,
			Kind:      EventBidsRejected,
			ItemID:    itemID,
			Price:     item.CurrentPrice,
			At:        e.clock.Now(),
		})
		return nil
	})
	if txErr != nil {
		return txErr
	}

	if err := lock.Unlock(); err != nil {
		e.logger.Warn("Fail to release item lock", slog.String("op", op), slog.Any("error", err))
	}
	e.dispatch(ctx, notifications)

	e.logger.Info("Bidder rejected",
		slog.String("itemID", itemID.String()),
		slog.String("bidderID", targetBidderID.String()),
		slog.String("actingUserID", actingUserID.String()),
	)
	return nil
}

// resolvePrice 從剩餘的有效出價推導商品的可見價格
// remaining必須已按上限金額遞減、出價時間遞增排序：
//   - 沒有剩餘出價：回到起標價
//   - 只剩一筆：唯一出價者以起標價領先，不論其紀錄上的上限為何
//   - 兩筆以上：若領先者比第二名更早出價(防守型)，價格為第二名的上限；
//     否則(後來居上型)價格為min(領先者上限, 第二名上限+出價階梯)
func resolvePrice(item *models.AuctionItem, remaining []models.Bid) int64 {
	switch len(remaining) {
	case 0:
		return item.StartingPrice
	case 1:
		return item.StartingPrice
	default:
		winner, runnerUp := remaining[0], remaining[1]
		if winner.CreatedAt.Before(runnerUp.CreatedAt) {
			return runnerUp.LimitAmount
		}
		return min(winner.LimitAmount, runnerUp.LimitAmount+item.BidStep)
	}
}
