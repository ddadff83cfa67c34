// Package engine 實作拍賣的競價解析與結算核心：
// 接受新出價並依照代理出價規則重新計算價格與領先者、
// 駁回出價者並從剩餘紀錄重建狀態、以及在拍賣結束時建立結算訂單。
// 同一商品上的所有變更操作都會透過ItemLocker序列化。
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AutoExtendPolicy 自動延長設定：出價落在結束前ThresholdMinutes分鐘內時，
// 將結束時間延長到出價當下的ExtendMinutes分鐘後
type AutoExtendPolicy struct {
	ThresholdMinutes int64
	ExtendMinutes    int64
}

// DefaultAutoExtendPolicy 部署預設的自動延長設定
var DefaultAutoExtendPolicy = AutoExtendPolicy{
	ThresholdMinutes: 5,
	ExtendMinutes:    5,
}

// 好評比例門檻：好評數 / 總評價數 >= 80% 才能出價
const (
	ratingThresholdNumerator   = 4
	ratingThresholdDenominator = 5
)

type engineOptions struct {
	clock    clock.Clock
	logger   *slog.Logger
	policy   AutoExtendPolicy
	lockWait time.Duration
}

type Option func(*engineOptions)

// WithClock 注入時鐘(主要用於測試)
func WithClock(c clock.Clock) Option {
	return func(o *engineOptions) {
		o.clock = c
	}
}

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithAutoExtendPolicy 設置部署層級的自動延長設定
func WithAutoExtendPolicy(policy AutoExtendPolicy) Option {
	return func(o *engineOptions) {
		o.policy = policy
	}
}

// WithLockWait 設置取得商品鎖的等待上限
func WithLockWait(d time.Duration) Option {
	return func(o *engineOptions) {
		o.lockWait = d
	}
}

// Engine 拍賣競價引擎
// 所有欄位在建構後不再變更，方法可以被多個goroutine同時呼叫
type Engine struct {
	db        *gorm.DB
	locker    ItemLocker
	notifier  Notifier
	directory Directory
	clock     clock.Clock
	logger    *slog.Logger
	policy    AutoExtendPolicy
	lockWait  time.Duration
}

func New(db *gorm.DB, locker ItemLocker, notifier Notifier, directory Directory, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if locker == nil {
		return nil, errors.New("locker cannot be nil")
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if directory == nil {
		directory = NewGormDirectory(db)
	}

	// 默認選項
	options := engineOptions{
		clock:    clock.NewClock(),
		logger:   slog.Default(),
		policy:   DefaultAutoExtendPolicy,
		lockWait: 5 * time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Engine{
		db:        db,
		locker:    locker,
		notifier:  notifier,
		directory: directory,
		clock:     options.clock,
		logger:    options.logger.With(slog.String("caller", "Engine")),
		policy:    options.policy,
		lockWait:  options.lockWait,
	}, nil
}

// lockItem 在lockWait限制內取得商品鎖
func (e *Engine) lockItem(ctx context.Context, itemID uuid.UUID) (ItemLock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockWait)
	defer cancel()
	return e.locker.Lock(lockCtx, itemID)
}

// dispatch 送出一批通知
// 必須在商品鎖釋放之後呼叫；任何投遞錯誤只記錄不回傳
func (e *Engine) dispatch(ctx context.Context, notifications []Notification) {
	for _, notification := range notifications {
		if err := e.notifier.Notify(ctx, notification); err != nil {
			e.logger.Error("Fail to dispatch notification",
				slog.String("kind", string(notification.Kind)),
				slog.String("itemID", notification.ItemID.String()),
				slog.Any("error", err),
			)
		}
	}
}

// extendPolicyFor 回傳商品生效的自動延長設定，商品未覆寫時使用部署預設值
func (e *Engine) extendPolicyFor(thresholdMinutes, extendMinutes *int64) AutoExtendPolicy {
	policy := e.policy
	if thresholdMinutes != nil {
		policy.ThresholdMinutes = *thresholdMinutes
	}
	if extendMinutes != nil {
		policy.ExtendMinutes = *extendMinutes
	}
	return policy
}
