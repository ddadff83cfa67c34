package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// AutoRenewMutex 帶自動續期的分散式互斥鎖
// 商品的臨界區(出價解析、駁回重算、結算)長度取決於資料庫的回應速度，
// 無法保證在固定的過期時間內完成，因此取得鎖之後由背景goroutine
// 定期延長過期時間，直到Unlock或續期失敗為止
type AutoRenewMutex struct {
	*redsync.Mutex
	cancel  context.CancelFunc
	active  bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	options autoRenewMutexOptions
}

type autoRenewMutexOptions struct {
	expiry        time.Duration
	renewInterval time.Duration
	retryDelay    time.Duration
	skipLockError bool
}

type AutoRenewMutexOption func(*autoRenewMutexOptions)

// WithAutoRenewMutexExpiry 設置鎖的過期時間
func WithAutoRenewMutexExpiry(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.expiry = d
	}
}

// WithAutoRenewMutexRenewInterval 設置自動續期間隔，預設為過期時間的1/3
func WithAutoRenewMutexRenewInterval(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.renewInterval = d
	}
}

// WithAutoRenewMutexRetryDelay 設置取鎖失敗後的重試延遲
func WithAutoRenewMutexRetryDelay(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.retryDelay = d
	}
}

// WithAutoRenewMutexSkipLockError 設置是否忽略Redis通訊錯誤並繼續重試
func WithAutoRenewMutexSkipLockError(skip bool) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.skipLockError = skip
	}
}

// NewAutoRenewMutex 建立一把指定key的自動續期互斥鎖
func NewAutoRenewMutex(client *redis.Client, key string, opts ...AutoRenewMutexOption) IAutoRenewMutex {
	// 默認選項
	options := autoRenewMutexOptions{
		expiry:     8 * time.Second,
		retryDelay: 500 * time.Millisecond,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}

	rs := redsync.New(goredis.NewPool(client))
	return &AutoRenewMutex{
		Mutex: rs.NewMutex(
			key,
			redsync.WithExpiry(options.expiry),
			redsync.WithTries(1),
			redsync.WithRetryDelay(options.retryDelay),
		),
		options: options,
	}
}

// Lock 阻塞直到取得鎖或ctx到期
// 鎖被其他持有者佔用時會以retryDelay的間隔重試，
// 成功後啟動自動續期並回傳一個隨鎖釋放而取消的context
func (m *AutoRenewMutex) Lock(ctx context.Context) (context.Context, error) {
	timer := time.NewTimer(1)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		err := m.Mutex.LockContext(ctx)
		if err == nil {
			lockCtx, cancel := context.WithCancel(ctx)
			m.cancel = cancel
			m.beginRenewal(lockCtx)
			return lockCtx, nil
		}
		// Redis通訊錯誤重試不會改善，除非設置了skipLockError
		var commErr *redsync.RedisError
		if !m.options.skipLockError && errors.As(err, &commErr) {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		timer.Reset(m.options.retryDelay)
	}
}

// Unlock 停止自動續期並釋放鎖
func (m *AutoRenewMutex) Unlock() (bool, error) {
	m.endRenewal()
	m.wg.Wait()
	return m.Mutex.Unlock()
}

// Valid 回報鎖是否仍然有效(未過期且續期中)
func (m *AutoRenewMutex) Valid() bool {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	return active && time.Now().Before(m.Mutex.Until())
}

func (m *AutoRenewMutex) beginRenewal(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return
	}
	m.active = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.options.renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// 續期失敗代表鎖已經丟失，持有者的lockCtx會被取消
				if ok, err := m.Mutex.Extend(); err != nil || !ok {
					m.endRenewal()
					return
				}
			}
		}
	}()
}

func (m *AutoRenewMutex) endRenewal() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return
	}
	m.active = false
	if m.cancel != nil {
		m.cancel()
	}
}
