package redis

import (
	"io"
	"log/slog"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func init() {
	// 測試期間丟棄所有日誌輸出
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// TestMessage 測試用的通知內容
type TestMessage struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

func setupTest(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	client, mock := redismock.NewClientMock()
	cleanup := func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		client.Close()
	}
	return client, mock, cleanup
}
