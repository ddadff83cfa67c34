package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gavel/engine"
	"gavel/models"
)

// setupDB 建立一個獨立的in-memory資料庫
// 每個測試使用不同的DSN，避免共享快取下互相污染
func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.UserRating{},
		&models.AuctionItem{},
		&models.Bid{},
		&models.Order{},
	))
	return db
}

// recordingNotifier 記錄引擎送出的所有通知
type recordingNotifier struct {
	mu            sync.Mutex
	notifications []engine.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification engine.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *recordingNotifier) Recorded() []engine.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]engine.Notification, len(n.notifications))
	copy(out, n.notifications)
	return out
}

func (n *recordingNotifier) KindsFor(recipient uuid.UUID) []engine.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []engine.EventKind
	for _, notification := range n.notifications {
		if notification.Recipient == recipient {
			kinds = append(kinds, notification.Kind)
		}
	}
	return kinds
}

func (n *recordingNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = nil
}

type testEnv struct {
	t        *testing.T
	db       *gorm.DB
	clock    *fakeclock.FakeClock
	notifier *recordingNotifier
	locker   *engine.LocalItemLocker
	engine   *engine.Engine
}

func setupEngine(t *testing.T, opts ...engine.Option) *testEnv {
	t.Helper()
	db := setupDB(t)
	fc := fakeclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	notifier := &recordingNotifier{}
	locker := engine.NewLocalItemLocker()

	allOpts := append([]engine.Option{
		engine.WithClock(fc),
		engine.WithLockWait(time.Second),
	}, opts...)
	core, err := engine.New(db, locker, notifier, nil, allOpts...)
	require.NoError(t, err)

	return &testEnv{
		t:        t,
		db:       db,
		clock:    fc,
		notifier: notifier,
		locker:   locker,
		engine:   core,
	}
}

func (env *testEnv) createUser(username string, moderator bool) uuid.UUID {
	env.t.Helper()
	user := models.User{Username: username, IsModerator: moderator}
	require.NoError(env.t, env.db.Create(&user).Error)
	return user.ID
}

// createItem 建立一個預設可出價的商品：起標價100、階梯10、24小時後結束
func (env *testEnv) createItem(mutate func(*models.AuctionItem)) *models.AuctionItem {
	env.t.Helper()
	item := &models.AuctionItem{
		SellerID:             uuid.New(),
		Title:                "vintage camera",
		Description:          "tested and working",
		StartingPrice:        100,
		CurrentPrice:         100,
		BidStep:              10,
		EndAt:                env.clock.Now().Add(24 * time.Hour),
		AllowsUnratedBidders: true,
		Status:               models.AuctionStatusActive,
	}
	if mutate != nil {
		mutate(item)
	}
	require.NoError(env.t, env.db.Create(item).Error)
	return item
}

func (env *testEnv) rateUser(ratee uuid.UUID, favorable, unfavorable int) {
	env.t.Helper()
	for i := 0; i < favorable; i++ {
		require.NoError(env.t, env.db.Create(&models.UserRating{RateeID: ratee, RaterID: uuid.New(), Favorable: true}).Error)
	}
	for i := 0; i < unfavorable; i++ {
		require.NoError(env.t, env.db.Create(&models.UserRating{RateeID: ratee, RaterID: uuid.New(), Favorable: false}).Error)
	}
}

func (env *testEnv) reloadItem(itemID uuid.UUID) models.AuctionItem {
	env.t.Helper()
	var item models.AuctionItem
	require.NoError(env.t, env.db.Where("id = ?", itemID).First(&item).Error)
	return item
}

func (env *testEnv) bidsFor(itemID uuid.UUID) []models.Bid {
	env.t.Helper()
	var bids []models.Bid
	require.NoError(env.t, env.db.Where("auction_item_id = ?", itemID).Order("created_at ASC").Find(&bids).Error)
	return bids
}

func (env *testEnv) ordersFor(itemID uuid.UUID) []models.Order {
	env.t.Helper()
	var orders []models.Order
	require.NoError(env.t, env.db.Where("auction_item_id = ?", itemID).Find(&orders).Error)
	return orders
}
