package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gavel/engine"
)

// ItemLocker 以Redis分散式鎖實作engine.ItemLocker
// 每個商品對應一把以商品ID為鍵的AutoRenewMutex，
// 讓多個服務實例對同一商品的變更操作互斥
type ItemLocker struct {
	client    *redis.Client
	keyPrefix string
	opts      []AutoRenewMutexOption
}

func NewItemLocker(client *redis.Client, keyPrefix string, opts ...AutoRenewMutexOption) (*ItemLocker, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	return &ItemLocker{
		client:    client,
		keyPrefix: keyPrefix,
		opts:      opts,
	}, nil
}

// Lock 取得指定商品的分散式鎖
// 等待時間由ctx的期限決定，超過期限回傳engine.ErrLockTimeout
func (l *ItemLocker) Lock(ctx context.Context, itemID uuid.UUID) (engine.ItemLock, error) {
	key := fmt.Sprintf("%sauction:%s:lock", l.keyPrefix, itemID)
	mutex := NewAutoRenewMutex(l.client, key, l.opts...)

	if _, err := mutex.Lock(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, engine.ErrLockTimeout
		}
		return nil, fmt.Errorf("failed to acquire item lock: %w", err)
	}
	return &itemLock{mutex: mutex}, nil
}

type itemLock struct {
	mutex    IAutoRenewMutex
	unlocked bool
	mu       sync.Mutex
}

func (lk *itemLock) Unlock() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.unlocked {
		return nil
	}
	lk.unlocked = true
	if _, err := lk.mutex.Unlock(); err != nil {
		return fmt.Errorf("failed to release item lock: %w", err)
	}
	return nil
}
