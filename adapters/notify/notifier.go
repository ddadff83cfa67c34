// Package notify 提供engine.Notifier的Redis Stream實作
// 引擎產生的通知會被寫進stream，由通知worker和SSE廣播各自消費；
// 投遞本身交給背景的Producer，因此Notify永遠不會阻塞引擎
package notify

import (
	"context"
	"errors"

	redisAdapter "gavel/adapters/redis"
	"gavel/engine"
)

type StreamNotifier struct {
	producer redisAdapter.IProducer[engine.Notification]
}

func NewStreamNotifier(producer redisAdapter.IProducer[engine.Notification]) (*StreamNotifier, error) {
	if producer == nil {
		return nil, errors.New("producer cannot be nil")
	}
	return &StreamNotifier{producer: producer}, nil
}

// Start 啟動背景發布者
func (n *StreamNotifier) Start() {
	n.producer.Start()
}

// Notify 把通知交給背景發布者後立刻返回
func (n *StreamNotifier) Notify(ctx context.Context, notification engine.Notification) error {
	return n.producer.Publish(notification)
}

// Close 關閉背景發布者
func (n *StreamNotifier) Close() {
	n.producer.Close()
}
