package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"gavel/adapters/notify"
	redisAdapter "gavel/adapters/redis"
	"gavel/adapters/sse"
	"gavel/engine"
	"gavel/models"
)

// BidEvent SSE推送給瀏覽器的出價事件
type BidEvent struct {
	Kind  string    `json:"kind"`
	Price int64     `json:"price"`
	Time  time.Time `json:"time"`
}

type ServerImpl struct {
	core          *engine.Engine
	sweeper       *engine.Sweeper
	notifier      *notify.StreamNotifier
	sseManager    sse.IConnectionManager[BidEvent]
	groupConsumer redisAdapter.IGroupConsumer[engine.Notification]
	htmlChecker   *bluemonday.Policy
	redisClient   *redis.Client
	db            *gorm.DB
	wg            sync.WaitGroup
	cancelFunc    context.CancelFunc

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化通知發布者
	producer, err := redisAdapter.NewProducer[engine.Notification](redisClient, config.Redis.StreamKeys.Notification)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create producer, err=%w", op, err)
	}
	notifier, err := notify.NewStreamNotifier(producer)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create notifier, err=%w", op, err)
	}

	// 初始化SSE管理器，從通知stream把價格事件廣播給瀏覽器
	consumer, err := redisAdapter.NewConsumer(
		redisClient,
		config.Redis.StreamKeys.Notification,
		redisAdapter.WithConsumerParseFunc(func(m map[string]any) (sse.PublishRequest[BidEvent], error) {
			notification, err := redisAdapter.DecodeFromMessage[engine.Notification](m)
			if err != nil {
				return sse.PublishRequest[BidEvent]{}, fmt.Errorf("fail to parse message to sse.PublishRequest[BidEvent], err=%w", err)
			}
			return sse.PublishRequest[BidEvent]{
				Channel: notification.ItemID.String(),
				Message: BidEvent{
					Kind:  string(notification.Kind),
					Price: notification.Price,
					Time:  notification.At,
				},
			}, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
	}
	sseManager, err := sse.NewConnectionManager[BidEvent](consumer, sse.WithManagerLogger(slog.Default()))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}

	// 初始化通知投遞worker的group consumer
	groupConsumer, err := redisAdapter.NewGroupConsumer[engine.Notification](
		redisClient,
		config.Redis.StreamKeys.Notification,
		config.Redis.ConsumerGroup,
		config.ID,
		redisAdapter.WithGroupConsumerLogger[engine.Notification](slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create group consumer, err=%w", op, err)
	}

	// 初始化商品鎖與競價引擎
	locker, err := redisAdapter.NewItemLocker(
		redisClient,
		config.Redis.KeyPrefix,
		redisAdapter.WithAutoRenewMutexExpiry(config.Redis.LockExpiry),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create item locker, err=%w", op, err)
	}
	core, err := engine.New(db, locker, notifier, nil,
		engine.WithLockWait(config.Engine.LockWait),
		engine.WithAutoExtendPolicy(engine.AutoExtendPolicy{
			ThresholdMinutes: config.Engine.ExtendThresholdMinutes,
			ExtendMinutes:    config.Engine.ExtendByMinutes,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create engine, err=%w", op, err)
	}
	sweeper, err := engine.NewSweeper(core, config.Engine.SweepInterval)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sweeper, err=%w", op, err)
	}

	return &ServerImpl{
		core:          core,
		sweeper:       sweeper,
		notifier:      notifier,
		sseManager:    sseManager,
		groupConsumer: groupConsumer,
		htmlChecker:   bluemonday.UGCPolicy(),
		redisClient:   redisClient,
		db:            db,
		config:        config,
	}, nil
}

func (impl *ServerImpl) Start() error {
	const op = "ServerImpl.Start"
	// 啟動通知發布者
	impl.notifier.Start()
	// 啟動sse connection manager
	impl.sseManager.Start()
	// 啟動group consumer
	if err := impl.groupConsumer.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start group consumer, err=%w", op, err)
	}
	// 啟動結算sweeper
	impl.sweeper.Start()
	// 啟動一個worker把通知stream中的訊息交給外部投遞系統
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel
	slog.Info("Start notification dispatch worker")
	impl.wg.Add(1)
	go func() {
		logger := slog.Default().With(slog.String("caller", "NotificationDispatch"))
		defer impl.wg.Done()
		defer slog.Info("Notification dispatch worker stopped")
		ch := impl.groupConsumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				// 實際的投遞(email、推播)由外部系統負責，這裡只負責交付
				logger.Info("Deliver notification",
					slog.String("recipient", msg.Data.Recipient.String()),
					slog.String("kind", string(msg.Data.Kind)),
					slog.String("itemID", msg.Data.ItemID.String()),
					slog.Int64("price", msg.Data.Price),
				)
				if err := msg.Done(ctx); err != nil {
					logger.Error("Fail to ack notification", slog.Any("error", err))
					if err := msg.Fail(ctx, err); err != nil {
						logger.Error("Fail to fail notification", slog.Any("error", err))
					}
				}
			}
		}
	}()
	return nil
}

func (impl *ServerImpl) Close() {
	// 關閉worker
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.wg.Wait()
	// 關閉group consumer
	if err := impl.groupConsumer.Close(); err != nil {
		slog.Error("Fail to close group consumer", slog.Any("error", err))
	}
	// 關閉sweeper
	impl.sweeper.Close()
	// 關閉sse connection manager
	impl.sseManager.Done()
	// 關閉通知發布者
	impl.notifier.Close()
}

// RegisterHandlers 註冊所有HTTP路由
func (impl *ServerImpl) RegisterHandlers(router *gin.Engine) {
	router.POST("/auction/item", impl.PostAuctionItem)
	router.GET("/auction/item/:itemID", impl.GetAuctionItem)
	router.POST("/auction/item/:itemID/bids", impl.PostAuctionItemBids)
	router.POST("/auction/item/:itemID/reject-bidder", impl.PostAuctionItemRejectBidder)
	router.GET("/auction/item/:itemID/events", impl.GetAuctionItemEvents)
	router.GET("/auction/items", impl.GetAuctionItems)
}

// authenticate 解析並驗證請求攜帶的access token，失敗時回傳nil
func (impl *ServerImpl) authenticate(c *gin.Context) *JWT {
	const op = "authenticate"
	tokenString, err := c.Cookie("access_token")
	if err != nil {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			return nil
		}
		tokenString = strings.TrimPrefix(header, "Bearer ")
	}
	token, err := ParseAndValidateJWT(tokenString, impl.config.Auth.PublicKey, impl.config.Auth.Issuer, impl.config.Auth.Audience)
	if err != nil {
		slog.Error("Fail to parse and validate JWT", slog.String("op", op), slog.Any("error", err))
		return nil
	}
	// Subject必須是使用者ID
	if _, err := uuid.Parse(token.Subject); err != nil {
		slog.Error("Fail to parse token subject", slog.String("op", op), slog.Any("error", err))
		return nil
	}
	return token
}

type postAuctionItemRequest struct {
	Title                  string    `json:"title" binding:"required"`
	Description            *string   `json:"description"`
	StartingPrice          *int64    `json:"startingPrice"`
	BidStep                int64     `json:"bidStep" binding:"required"`
	EndAt                  time.Time `json:"endAt" binding:"required"`
	AutoExtendEnabled      *bool     `json:"autoExtendEnabled"`
	AllowsUnratedBidders   *bool     `json:"allowsUnratedBidders"`
	ExtendThresholdMinutes *int64    `json:"extendThresholdMinutes"`
	ExtendByMinutes        *int64    `json:"extendByMinutes"`
}

// Add a new auction item
// (POST /auction/item)
func (impl *ServerImpl) PostAuctionItem(c *gin.Context) {
	const op = "PostAuctionItem"
	token := impl.authenticate(c)
	if token == nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	var request postAuctionItemRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	// 檢查拍賣設定是否合法
	if request.EndAt.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid auction end time"})
		return
	}
	if request.BidStep <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Bid step must be positive"})
		return
	}
	// 處理拍賣描述和預設值
	if request.Description != nil {
		request.Description = lo.ToPtr(impl.htmlChecker.Sanitize(*request.Description))
	}
	if request.Description == nil {
		request.Description = lo.ToPtr("")
	}
	if request.StartingPrice == nil {
		request.StartingPrice = lo.ToPtr(int64(0))
	}
	if *request.StartingPrice < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Starting price cannot be negative"})
		return
	}
	// 儲存拍賣物品
	auction := models.AuctionItem{
		SellerID:               uuid.MustParse(token.Subject),
		Title:                  request.Title,
		Description:            *request.Description,
		StartingPrice:          *request.StartingPrice,
		CurrentPrice:           *request.StartingPrice,
		BidStep:                request.BidStep,
		EndAt:                  request.EndAt,
		AutoExtendEnabled:      request.AutoExtendEnabled != nil && *request.AutoExtendEnabled,
		AllowsUnratedBidders:   request.AllowsUnratedBidders == nil || *request.AllowsUnratedBidders,
		Status:                 models.AuctionStatusActive,
		ExtendThresholdMinutes: request.ExtendThresholdMinutes,
		ExtendByMinutes:        request.ExtendByMinutes,
	}
	if result := impl.db.Create(&auction); result.Error != nil {
		slog.Error("Fail to create auction item", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Location", auction.ID.String())
	c.Status(http.StatusCreated)
}

type bidRecordView struct {
	Bidder     string    `json:"bidder"`
	Amount     int64     `json:"amount"`
	IsAutoBid  bool      `json:"isAutoBid"`
	IsRejected bool      `json:"isRejected"`
	Time       time.Time `json:"time"`
}

// Get auction item details
// (GET /auction/item/{itemID})
func (impl *ServerImpl) GetAuctionItem(c *gin.Context) {
	const op = "GetAuctionItem"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	// 檢查拍賣物品是否存在
	auction := models.AuctionItem{ID: itemID}
	if result := impl.db.
		Preload("BidRecords", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at DESC")
		}).
		Preload("BidRecords.Bidder").
		First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction item", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	// 取得所有出價紀錄
	// 注意：代理防守成功時不會為防守方補寫紀錄，所以紀錄上的金額可能低於currentPrice
	bidRecords := make([]bidRecordView, len(auction.BidRecords))
	for i, bid := range auction.BidRecords {
		bidRecords[i] = bidRecordView{
			Bidder:     bid.Bidder.Username,
			Amount:     bid.Amount,
			IsAutoBid:  bid.IsAutoBid,
			IsRejected: bid.IsRejected,
			Time:       bid.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"title":         auction.Title,
		"description":   auction.Description,
		"startingPrice": auction.StartingPrice,
		"currentPrice":  auction.CurrentPrice,
		"bidStep":       auction.BidStep,
		"bidCount":      auction.BidCount,
		"endAt":         auction.EndAt,
		"status":        auction.Status,
		"bidRecords":    bidRecords,
	})
}

type postBidRequest struct {
	Limit     int64 `json:"limit" binding:"required"`
	IsAutoBid bool  `json:"isAutoBid"`
}

// Place a bid on an auction item
// (POST /auction/item/{itemID}/bids)
func (impl *ServerImpl) PostAuctionItemBids(c *gin.Context) {
	const op = "PostAuctionItemBids"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	token := impl.authenticate(c)
	if token == nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	var request postBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	outcome, err := impl.core.PlaceBid(c.Request.Context(), itemID, uuid.MustParse(token.Subject), request.Limit, request.IsAutoBid)
	if err != nil {
		impl.renderEngineError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"resultingPrice": outcome.ResultingPrice,
		"winning":        outcome.Winning,
	})
}

type rejectBidderRequest struct {
	BidderID uuid.UUID `json:"bidderId" binding:"required"`
}

// Reject all bids from a bidder on an auction item
// (POST /auction/item/{itemID}/reject-bidder)
func (impl *ServerImpl) PostAuctionItemRejectBidder(c *gin.Context) {
	const op = "PostAuctionItemRejectBidder"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	token := impl.authenticate(c)
	if token == nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	var request rejectBidderRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	if err := impl.core.RejectBidder(c.Request.Context(), itemID, request.BidderID, uuid.MustParse(token.Subject)); err != nil {
		impl.renderEngineError(c, op, err)
		return
	}
	c.Status(http.StatusOK)
}

// renderEngineError 把引擎的錯誤轉成對應的HTTP狀態
// 業務規則錯誤必須和一般的伺服器錯誤區分開，讓前端能顯示對應訊息
func (impl *ServerImpl) renderEngineError(c *gin.Context, op string, err error) {
	if kind, ok := engine.RuleKindOf(err); ok {
		status := http.StatusBadRequest
		switch kind {
		case engine.RuleAuctionClosed:
			status = http.StatusGone
		case engine.RuleBidderNotEligible, engine.RuleBidderBanned, engine.RuleNotAuthorized:
			status = http.StatusForbidden
		case engine.RuleBidTooLow:
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"kind": string(kind), "message": err.Error()})
		return
	}
	if errors.Is(err, engine.ErrLockTimeout) {
		// 可重試的錯誤，沒有造成任何狀態變更
		c.JSON(http.StatusServiceUnavailable, gin.H{"kind": "lock_timeout", "message": "item is busy, retry later"})
		return
	}
	slog.Error("Engine operation failed", slog.String("op", op), slog.Any("error", err))
	c.Status(http.StatusInternalServerError)
}

// Track auction item events
// (GET /auction/item/{itemID}/events)
func (impl *ServerImpl) GetAuctionItemEvents(c *gin.Context) {
	const op = "GetAuctionItemEvents"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	// 檢查拍賣物品是否存在
	auction := models.AuctionItem{ID: itemID}
	if result := impl.db.First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction item", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	// 檢查拍賣物品是否已經結束拍賣
	if auction.Status != models.AuctionStatusActive {
		c.JSON(http.StatusGone, gin.H{"message": "Auction has ended"})
		return
	}
	// SSE請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	ch, err := impl.sseManager.Subscribe(itemID.String())
	if err != nil {
		slog.Error("Fail to subscribe to item events", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	for {
		select {
		case <-w.CloseNotify():
			impl.sseManager.Unsubscribe(itemID.String(), ch)
			return
		case event, ok := <-ch:
			// 通道在manager關閉時會被close，此時結束串流
			if !ok {
				return
			}
			c.SSEvent("bid", event)
			w.Flush()
		// 30秒沒有事件就發送一個空行，確保瀏覽器和Cloudflare不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

// List auction items
// (GET /auction/items)
func (impl *ServerImpl) GetAuctionItems(c *gin.Context) {
	const op = "GetAuctionItems"
	now := time.Now()
	query := impl.db.Model(&models.AuctionItem{})
	//  - title
	if title := c.Query("title"); title != "" {
		query = query.Where("title LIKE ?", "%"+title+"%")
	}
	//  - excludeEnded
	if c.Query("excludeEnded") == "true" {
		query = query.Where("status = ? AND end_at > ?", models.AuctionStatusActive, now)
	}
	//  - size
	size := 20
	if s := c.Query("size"); s != "" {
		if _, err := fmt.Sscanf(s, "%d", &size); err != nil || size <= 0 || size > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid size"})
			return
		}
	}
	query = query.Order("end_at ASC, id ASC").Limit(size)
	// 查詢拍賣物品
	var auctions []models.AuctionItem
	if result := query.Find(&auctions); result.Error != nil {
		slog.Error("Fail to list auction items", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	output := make([]gin.H, len(auctions))
	for i, auction := range auctions {
		output[i] = gin.H{
			"id":           auction.ID,
			"title":        auction.Title,
			"currentPrice": auction.CurrentPrice,
			"bidCount":     auction.BidCount,
			"endAt":        auction.EndAt,
			"isEnded":      auction.Status != models.AuctionStatusActive || now.After(auction.EndAt),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(auctions),
		"items": output,
	})
}
