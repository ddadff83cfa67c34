package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrLockTimeout 表示在限定時間內無法取得商品鎖，屬於可重試的錯誤，
	// 發生時不會造成任何狀態變更
	ErrLockTimeout = errors.New("timed out acquiring per-item lock")
)

// RuleKind 區分各種業務規則失敗，讓呼叫端能對使用者顯示對應的訊息
type RuleKind string

const (
	// RuleAuctionClosed 商品不存在、非Active狀態或已超過結束時間
	RuleAuctionClosed RuleKind = "auction_closed"
	// RuleBidderNotEligible 出價者不符合賣家設定的資格條件(未評價或好評比例不足)
	RuleBidderNotEligible RuleKind = "bidder_not_eligible"
	// RuleBidderBanned 出價者在此商品上有被駁回的出價紀錄
	RuleBidderBanned RuleKind = "bidder_banned"
	// RuleBidTooLow 出價上限低於最低進場金額
	RuleBidTooLow RuleKind = "bid_too_low"
	// RuleNotAuthorized 操作者不是賣家也不是管理員
	RuleNotAuthorized RuleKind = "not_authorized"
)

// RuleError 代表一個業務規則失敗
// 這類錯誤會同步回報給呼叫端且不造成任何狀態變更，也不應該被重試
type RuleError struct {
	Kind   RuleKind
	Reason string
}

func (e *RuleError) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// NewRuleError 建立指定種類的業務規則錯誤
func NewRuleError(kind RuleKind, reason string) *RuleError {
	return &RuleError{Kind: kind, Reason: reason}
}

// RuleKindOf 取出err中的RuleKind，若err不是RuleError則回傳false
func RuleKindOf(err error) (RuleKind, bool) {
	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		return ruleErr.Kind, true
	}
	return "", false
}
