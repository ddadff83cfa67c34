package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ItemLock 代表一個已取得的商品鎖
type ItemLock interface {
	// Unlock 釋放鎖，重複呼叫是安全的
	Unlock() error
}

// ItemLocker 提供以商品為範圍的互斥鎖
// 同一個商品的所有變更操作(PlaceBid、RejectBidder、結算)都必須先取得該商品的鎖；
// 不同商品之間不會互相競爭。Lock必須遵守ctx的期限，
// 無法在期限內取得鎖時回傳ErrLockTimeout
type ItemLocker interface {
	Lock(ctx context.Context, itemID uuid.UUID) (ItemLock, error)
}

// localLockEntry 單一商品的鎖狀態，refs用來在沒有等待者時回收map條目
type localLockEntry struct {
	ch   chan struct{}
	refs int
}

// LocalItemLocker 行程內的商品鎖，用於單節點部署和測試
// 多節點部署應改用adapters/redis提供的分散式商品鎖
type LocalItemLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*localLockEntry
}

func NewLocalItemLocker() *LocalItemLocker {
	return &LocalItemLocker{
		locks: make(map[uuid.UUID]*localLockEntry),
	}
}

// Lock 取得指定商品的鎖，等待時間由ctx的期限決定
func (l *LocalItemLocker) Lock(ctx context.Context, itemID uuid.UUID) (ItemLock, error) {
	l.mu.Lock()
	entry, ok := l.locks[itemID]
	if !ok {
		entry = &localLockEntry{ch: make(chan struct{}, 1)}
		l.locks[itemID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return &localItemLock{locker: l, itemID: itemID, entry: entry}, nil
	case <-ctx.Done():
		l.release(itemID, entry)
		return nil, ErrLockTimeout
	}
}

func (l *LocalItemLocker) release(itemID uuid.UUID, entry *localLockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, itemID)
	}
}

type localItemLock struct {
	locker   *LocalItemLocker
	itemID   uuid.UUID
	entry    *localLockEntry
	unlocked bool
	mu       sync.Mutex
}

func (lk *localItemLock) Unlock() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.unlocked {
		return nil
	}
	lk.unlocked = true
	<-lk.entry.ch
	lk.locker.release(lk.itemID, lk.entry)
	return nil
}
