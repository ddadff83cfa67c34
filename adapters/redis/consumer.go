package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer 從Redis Stream讀取競標通知的廣播型消費者
// 每個Consumer從啟動時的stream尾端($)開始獨立讀取，不使用consumer group，
// 因此同一份通知會被每一台API伺服器各自收到一次，用於推送SSE事件
type Consumer[T any] struct {
	client  *redis.Client
	stream  string
	lastID  string
	events  chan T
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
	logger  *slog.Logger
	options consumerOptions[T]
}

type consumerOptions[T any] struct {
	logger       *slog.Logger
	bufferSize   int
	blockTimeout time.Duration
	parseFunc    func(map[string]any) (T, error)
}

type ConsumerOption[T any] func(*consumerOptions[T])

// WithConsumerLogger 設置日誌記錄器
func WithConsumerLogger[T any](logger *slog.Logger) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.logger = logger
	}
}

// WithConsumerBufferSize 設置下游channel的緩衝大小
func WithConsumerBufferSize[T any](size int) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithConsumerBlockTimeout 設置XREAD的阻塞等待時間
func WithConsumerBlockTimeout[T any](d time.Duration) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithConsumerParseFunc 設置自定義的通知解析函數
func WithConsumerParseFunc[T any](fn func(map[string]any) (T, error)) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.parseFunc = fn
	}
}

func NewConsumer[T any](client *redis.Client, stream string, opts ...ConsumerOption[T]) (*Consumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := consumerOptions[T]{
		logger:       slog.Default(),
		bufferSize:   100,
		blockTimeout: time.Second,
		parseFunc:    DecodeFromMessage[T],
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	c := &Consumer[T]{
		client:  client,
		stream:  stream,
		lastID:  "$",
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Consumer"), slog.String("stream", stream)),
		options: options,
	}
	return c, nil
}

func (c *Consumer[T]) Start() {
	if !c.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.events = make(chan T, c.options.bufferSize)
	c.closed = false
	c.cancel = cancel
	c.logger.Info("starting stream consumer")

	c.wg.Add(1)
	go c.poll(ctx)
}

// poll 反覆讀取stream並把解析成功的通知送往下游，
// 解析失敗的消息記錄後跳過，不會中斷讀取
func (c *Consumer[T]) poll(ctx context.Context) {
	defer c.wg.Done()
	defer c.logger.Info("consumer goroutine stopped")
	defer close(c.events)

	for ctx.Err() == nil {
		message, err := c.nextMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if !errors.Is(err, redis.Nil) {
				c.logger.Error("fetch message error", slog.Any("error", err))
			}
			continue
		}

		data, err := c.options.parseFunc(message.Values)
		if err != nil {
			c.logger.Error("failed to parse message",
				slog.String("messageId", message.ID),
				slog.Any("error", err))
			continue
		}

		select {
		case <-ctx.Done():
			return
		case c.events <- data:
			c.logger.Debug("message sent to downstream",
				slog.String("messageId", message.ID))
		}
	}
}

func (c *Consumer[T]) nextMessage(ctx context.Context) (redis.XMessage, error) {
	streams, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.stream, c.lastID},
		Count:   1,
		Block:   c.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return redis.XMessage{}, redis.Nil
	}

	message := streams[0].Messages[0]
	c.lastID = message.ID
	c.logger.Debug("received message", slog.String("messageId", message.ID))
	return message, nil
}

// Subscribe 取得接收通知的唯讀channel，Close後channel會被關閉
func (c *Consumer[T]) Subscribe() <-chan T {
	return c.events
}

// Close 停止讀取並等待背景goroutine結束
func (c *Consumer[T]) Close() {
	if c.closed {
		return
	}
	c.logger.Info("closing stream consumer")
	c.closed = true
	c.cancel()
	c.wg.Wait()
	c.logger.Info("stream consumer closed")
}
