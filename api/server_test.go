package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gavel/adapters/sse"
	"gavel/engine"
	"gavel/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type serverTestEnv struct {
	t          *testing.T
	db         *gorm.DB
	router     *gin.Engine
	impl       *ServerImpl
	privateKey ed25519.PrivateKey
}

// setupServer 建立一個以in-memory資料庫和行程內商品鎖組裝的測試伺服器
func setupServer(t *testing.T) *serverTestEnv {
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

	core, err := engine.New(db, engine.NewLocalItemLocker(), nil, nil)
	require.NoError(t, err)

	source := newStubEventSource()
	manager, err := sse.NewConnectionManager[BidEvent](source)
	require.NoError(t, err)
	manager.Start()
	t.Cleanup(manager.Done)

	publicKey, privateKey := generateTestKey(t)
	impl := &ServerImpl{
		core:        core,
		sseManager:  manager,
		htmlChecker: bluemonday.UGCPolicy(),
		db:          db,
		config: ServerConfig{
			Auth: AuthConfig{PublicKey: publicKey},
		},
	}
	router := gin.New()
	impl.RegisterHandlers(router)

	return &serverTestEnv{
		t:          t,
		db:         db,
		router:     router,
		impl:       impl,
		privateKey: privateKey,
	}
}

// stubEventSource 測試用的上游事件來源
type stubEventSource struct {
	events chan sse.PublishRequest[BidEvent]
	once   sync.Once
}

func newStubEventSource() *stubEventSource {
	return &stubEventSource{events: make(chan sse.PublishRequest[BidEvent])}
}

func (s *stubEventSource) Start() {}

func (s *stubEventSource) Subscribe() <-chan sse.PublishRequest[BidEvent] {
	return s.events
}

func (s *stubEventSource) Close() {
	s.once.Do(func() { close(s.events) })
}

func (env *serverTestEnv) request(method, path string, body any, asUser *uuid.UUID) *httptest.ResponseRecorder {
	env.t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(env.t, err)
		reader = bytes.NewBuffer(encoded)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if asUser != nil {
		req.Header.Set("Authorization", "Bearer "+signTestToken(env.t, env.privateKey, *asUser, time.Hour))
	}
	recorder := httptest.NewRecorder()
	env.router.ServeHTTP(recorder, req)
	return recorder
}

func (env *serverTestEnv) createItem(mutate func(*models.AuctionItem)) *models.AuctionItem {
	env.t.Helper()
	item := &models.AuctionItem{
		SellerID:             uuid.New(),
		Title:                "vintage camera",
		Description:          "tested and working",
		StartingPrice:        100,
		CurrentPrice:         100,
		BidStep:              10,
		EndAt:                time.Now().Add(24 * time.Hour),
		AllowsUnratedBidders: true,
		Status:               models.AuctionStatusActive,
	}
	if mutate != nil {
		mutate(item)
	}
	require.NoError(env.t, env.db.Create(item).Error)
	return item
}

func TestPostAuctionItem(t *testing.T) {
	t.Run("requires authentication", func(t *testing.T) {
		env := setupServer(t)
		recorder := env.request(http.MethodPost, "/auction/item", gin.H{
			"title":   "camera",
			"bidStep": 10,
			"endAt":   time.Now().Add(time.Hour),
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	})

	t.Run("creates item", func(t *testing.T) {
		env := setupServer(t)
		seller := uuid.New()
		recorder := env.request(http.MethodPost, "/auction/item", gin.H{
			"title":         "camera",
			"description":   "like new",
			"startingPrice": 500,
			"bidStep":       25,
			"endAt":         time.Now().Add(time.Hour),
		}, &seller)
		require.Equal(t, http.StatusCreated, recorder.Code)

		itemID, err := uuid.Parse(recorder.Header().Get("Location"))
		require.NoError(t, err)

		var item models.AuctionItem
		require.NoError(t, env.db.Where("id = ?", itemID).First(&item).Error)
		assert.Equal(t, seller, item.SellerID)
		assert.EqualValues(t, 500, item.StartingPrice)
		assert.EqualValues(t, 500, item.CurrentPrice)
		assert.Equal(t, models.AuctionStatusActive, item.Status)
	})

	t.Run("sanitizes description", func(t *testing.T) {
		env := setupServer(t)
		seller := uuid.New()
		recorder := env.request(http.MethodPost, "/auction/item", gin.H{
			"title":       "camera",
			"description": `nice <script>alert("x")</script> shot`,
			"bidStep":     10,
			"endAt":       time.Now().Add(time.Hour),
		}, &seller)
		require.Equal(t, http.StatusCreated, recorder.Code)

		var item models.AuctionItem
		itemID := uuid.MustParse(recorder.Header().Get("Location"))
		require.NoError(t, env.db.Where("id = ?", itemID).First(&item).Error)
		assert.NotContains(t, item.Description, "<script>")
	})

	t.Run("rejects past end time", func(t *testing.T) {
		env := setupServer(t)
		seller := uuid.New()
		recorder := env.request(http.MethodPost, "/auction/item", gin.H{
			"title":   "camera",
			"bidStep": 10,
			"endAt":   time.Now().Add(-time.Hour),
		}, &seller)
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})

	t.Run("rejects negative starting price", func(t *testing.T) {
		env := setupServer(t)
		seller := uuid.New()
		recorder := env.request(http.MethodPost, "/auction/item", gin.H{
			"title":         "camera",
			"startingPrice": -1,
			"bidStep":       10,
			"endAt":         time.Now().Add(time.Hour),
		}, &seller)
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}

func TestPostAuctionItemBids(t *testing.T) {
	t.Run("requires authentication", func(t *testing.T) {
		env := setupServer(t)
		item := env.createItem(nil)
		recorder := env.request(http.MethodPost, "/auction/item/"+item.ID.String()+"/bids", gin.H{"limit": 150}, nil)
		assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	})

	t.Run("places first bid", func(t *testing.T) {
		env := setupServer(t)
		item := env.createItem(nil)
		bidder := uuid.New()

		recorder := env.request(http.MethodPost, "/auction/item/"+item.ID.String()+"/bids", gin.H{
			"limit":     150,
			"isAutoBid": true,
		}, &bidder)
		require.Equal(t, http.StatusOK, recorder.Code)

		var response struct {
			ResultingPrice int64 `json:"resultingPrice"`
			Winning        bool  `json:"winning"`
		}
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		assert.EqualValues(t, 100, response.ResultingPrice)
		assert.True(t, response.Winning)
	})

	t.Run("bid too low maps to 400", func(t *testing.T) {
		env := setupServer(t)
		item := env.createItem(nil)
		bidder := uuid.New()

		recorder := env.request(http.MethodPost, "/auction/item/"+item.ID.String()+"/bids", gin.H{"limit": 50}, &bidder)
		require.Equal(t, http.StatusBadRequest, recorder.Code)

		var response struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		assert.Equal(t, string(engine.RuleBidTooLow), response.Kind)
	})

	t.Run("non-positive limit maps to 400", func(t *testing.T) {
		env := setupServer(t)
		item := env.createItem(nil)
		bidder := uuid.New()

		recorder := env.request(http.MethodPost, "/auction/item/"+item.ID.String()+"/bids", gin.H{"limit": 0}, &bidder)
		require.Equal(t, http.StatusBadRequest, recorder.Code)

		var response struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		assert.Equal(t, string(engine.RuleBidTooLow), response.Kind)
	})

	t.Run("closed auction maps to 410", func(t *testing.T) {
		env := setupServer(t)
		item := env.createItem(func(item *models.AuctionItem) {
			item.Status = models.AuctionStatusEnded
		})
		bidder := uuid.New()

		recorder := env.request(http.MethodPost, "/auction/item/"+item.ID.String()+"/bids", gin.H{"limit": 150}, &bidder)
		assert.Equal(t, http.StatusGone, recorder.Code)
	})

	t.Run("unknown item maps to 410", func(t *testing.T) {
		env := setupServer(t)
		bidder := uuid.New()

		recorder := env.request(http.MethodPost, "/auction/item/"+uuid.NewString()+"/bids", gin.H{"limit": 150}, &bidder)
		assert.Equal(t, http.StatusGone, recorder.Code)
	})

	t.Run("restricted item maps to 403", func(t *testing.T) {
		env := setupServer(t)
		item := env.createItem(func(item *models.AuctionItem) {
			item.AllowsUnratedBidders = false
		})
		bidder := uuid.New()

		recorder := env.request(http.MethodPost, "/auction/item/"+item.ID.String()+"/bids", gin.H{"limit": 150}, &bidder)
		assert.Equal(t, http.StatusForbidden, recorder.Code)
	})

	t.Run("malformed item id maps to 404", func(t *testing.T) {
		env := setupServer(t)
		bidder := uuid.New()

		recorder := env.request(http.MethodPost, "/auction/item/not-a-uuid/bids", gin.H{"limit": 150}, &bidder)
		assert.Equal(t, http.StatusNotFound, recorder.Code)
	})
}

func TestPostAuctionItemRejectBidder(t *testing.T) {
	t.Run("seller rejects bidder", func(t *testing.T) {
		env := setupServer(t)
		item := env.createItem(nil)
		bidder := uuid.New()

		recorder := env.request(http.MethodPost, "/auction/item/"+item.ID.String()+"/bids", gin.H{"limit": 150}, &bidder)
		require.Equal(t, http.StatusOK, recorder.Code)

		recorder = env.request(http.MethodPost, "/auction/item/"+item.ID.String()+"/reject-bidder", gin.H{
			"bidderId": bidder,
		}, &item.SellerID)
		require.Equal(t, http.StatusOK, recorder.Code)

		var bid models.Bid
		require.NoError(t, env.db.Where("auction_item_id = ? AND bidder_id = ?", item.ID, bidder).First(&bid).Error)
		assert.True(t, bid.IsRejected)
	})

	t.Run("stranger maps to 403", func(t *testing.T) {
		env := setupServer(t)
		item := env.createItem(nil)
		bidder := uuid.New()
		stranger := models.User{Username: "stranger"}
		require.NoError(t, env.db.Create(&stranger).Error)

		recorder := env.request(http.MethodPost, "/auction/item/"+item.ID.String()+"/bids", gin.H{"limit": 150}, &bidder)
		require.Equal(t, http.StatusOK, recorder.Code)

		recorder = env.request(http.MethodPost, "/auction/item/"+item.ID.String()+"/reject-bidder", gin.H{
			"bidderId": bidder,
		}, &stranger.ID)
		assert.Equal(t, http.StatusForbidden, recorder.Code)
	})
}

func TestGetAuctionItem(t *testing.T) {
	t.Run("unknown item", func(t *testing.T) {
		env := setupServer(t)
		recorder := env.request(http.MethodGet, "/auction/item/"+uuid.NewString(), nil, nil)
		assert.Equal(t, http.StatusNotFound, recorder.Code)
	})

	t.Run("returns details with bid records", func(t *testing.T) {
		env := setupServer(t)
		item := env.createItem(nil)
		bidder := models.User{Username: "bob"}
		require.NoError(t, env.db.Create(&bidder).Error)

		recorder := env.request(http.MethodPost, "/auction/item/"+item.ID.String()+"/bids", gin.H{"limit": 150}, &bidder.ID)
		require.Equal(t, http.StatusOK, recorder.Code)

		recorder = env.request(http.MethodGet, "/auction/item/"+item.ID.String(), nil, nil)
		require.Equal(t, http.StatusOK, recorder.Code)

		var response struct {
			Title        string `json:"title"`
			CurrentPrice int64  `json:"currentPrice"`
			BidCount     int64  `json:"bidCount"`
			BidRecords   []struct {
				Bidder string `json:"bidder"`
				Amount int64  `json:"amount"`
			} `json:"bidRecords"`
		}
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		assert.Equal(t, "vintage camera", response.Title)
		assert.EqualValues(t, 100, response.CurrentPrice)
		assert.EqualValues(t, 1, response.BidCount)
		require.Len(t, response.BidRecords, 1)
		assert.Equal(t, "bob", response.BidRecords[0].Bidder)
		assert.EqualValues(t, 100, response.BidRecords[0].Amount)
	})
}

func TestGetAuctionItems(t *testing.T) {
	env := setupServer(t)
	env.createItem(nil)
	env.createItem(func(item *models.AuctionItem) {
		item.Title = "old radio"
		item.Status = models.AuctionStatusEnded
	})

	t.Run("lists all", func(t *testing.T) {
		recorder := env.request(http.MethodGet, "/auction/items", nil, nil)
		require.Equal(t, http.StatusOK, recorder.Code)

		var response struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		assert.Equal(t, 2, response.Count)
	})

	t.Run("excludes ended", func(t *testing.T) {
		recorder := env.request(http.MethodGet, "/auction/items?excludeEnded=true", nil, nil)
		require.Equal(t, http.StatusOK, recorder.Code)

		var response struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		assert.Equal(t, 1, response.Count)
	})

	t.Run("invalid size", func(t *testing.T) {
		recorder := env.request(http.MethodGet, "/auction/items?size=0", nil, nil)
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}

func TestGetAuctionItemEvents_EndsWhenManagerShutsDown(t *testing.T) {
	env := setupServer(t)
	item := env.createItem(nil)

	server := httptest.NewServer(env.router)
	defer server.Close()

	// 串流建立後關閉manager，訂閱通道會被close，handler必須結束回應
	go func() {
		time.Sleep(200 * time.Millisecond)
		env.impl.sseManager.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		server.URL+"/auction/item/"+item.ID.String()+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	assert.NoError(t, err)
}
