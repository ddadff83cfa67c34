package sse_test

import (
	"io"
	"log"
	"sync"

	"gavel/adapters/sse"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

// Message 表示一個 SSE 訊息，包含資料字段。
type Message struct {
	Data string `json:"data"`
}

// fakeSubscriber 以行程內的channel模擬上游訊息來源
type fakeSubscriber struct {
	ch   chan sse.PublishRequest[Message]
	once sync.Once
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{ch: make(chan sse.PublishRequest[Message])}
}

func (f *fakeSubscriber) Start() {}

func (f *fakeSubscriber) Subscribe() <-chan sse.PublishRequest[Message] {
	return f.ch
}

func (f *fakeSubscriber) Close() {
	f.once.Do(func() { close(f.ch) })
}
