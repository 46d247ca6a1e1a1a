package wallet

import (
	"context"
	"sync"
)

// AccountLocker serializes mutations per account. Unrelated accounts never contend.
type AccountLocker struct {
	mu    sync.Mutex
	slots map[AccountID]*accountSlot
}

type accountSlot struct {
	token chan struct{}
	refs  int
}

// NewAccountLocker returns an empty locker.
func NewAccountLocker() *AccountLocker {
	return &AccountLocker{slots: make(map[AccountID]*accountSlot)}
}

// Lock blocks until the account is free or ctx is done. The returned func releases it.
func (locker *AccountLocker) Lock(ctx context.Context, accountID AccountID) (func(), error) {
	slot := locker.acquireSlot(accountID)
	select {
	case slot.token <- struct{}{}:
		return func() {
			<-slot.token
			locker.releaseSlot(accountID)
		}, nil
	case <-ctx.Done():
		locker.releaseSlot(accountID)
		return nil, ctx.Err()
	}
}

func (locker *AccountLocker) acquireSlot(accountID AccountID) *accountSlot {
	locker.mu.Lock()
	defer locker.mu.Unlock()
	slot, ok := locker.slots[accountID]
	if !ok {
		slot = &accountSlot{token: make(chan struct{}, 1)}
		locker.slots[accountID] = slot
	}
	slot.refs++
	return slot
}

func (locker *AccountLocker) releaseSlot(accountID AccountID) {
	locker.mu.Lock()
	defer locker.mu.Unlock()
	slot, ok := locker.slots[accountID]
	if !ok {
		return
	}
	slot.refs--
	if slot.refs == 0 {
		delete(locker.slots, accountID)
	}
}

// held reports how many callers hold or wait for accountID.
func (locker *AccountLocker) held(accountID AccountID) int {
	locker.mu.Lock()
	defer locker.mu.Unlock()
	if slot, ok := locker.slots[accountID]; ok {
		return slot.refs
	}
	return 0
}
