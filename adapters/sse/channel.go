package sse

import (
	"sync"
)

// Channel 管理單一商品頻道的所有SSE訂閱者，
// 收到的競標事件會同步送達每一個訂閱者。
type Channel[T any] struct {
	mu      sync.RWMutex
	readers map[<-chan T]chan<- T
}

// NewChannel 建立一個沒有任何訂閱者的頻道。
func NewChannel[T any]() IChannel[T] {
	return &Channel[T]{
		readers: make(map[<-chan T]chan<- T),
	}
}

// Subscribe 註冊一個新的訂閱者，回傳用於接收事件的唯讀通道。
func (c *Channel[T]) Subscribe() <-chan T {
	ch := make(chan T)
	c.mu.Lock()
	c.readers[ch] = ch
	c.mu.Unlock()
	return ch
}

// Unsubscribe 移除指定的訂閱者並關閉其通道，
// 不在清單中的通道會被忽略。
func (c *Channel[T]) Unsubscribe(ch <-chan T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	writer, ok := c.readers[ch]
	if !ok {
		return
	}
	delete(c.readers, ch)
	close(writer)
}

// UnsubscribeAll 關閉所有訂閱者的通道並清空清單。
func (c *Channel[T]) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, writer := range c.readers {
		close(writer)
	}
	clear(c.readers)
}

// Broadcast 將事件依序寫入每個訂閱者的通道，
// 任一訂閱者未讀取時會阻塞，由上層的worker負責消化速度。
func (c *Channel[T]) Broadcast(message T) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, writer := range c.readers {
		writer <- message
	}
}

// IsIdle 回報頻道是否已經沒有任何訂閱者。
func (c *Channel[T]) IsIdle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.readers) == 0
}
