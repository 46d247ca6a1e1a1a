// Package rediscache shares the registry's balance cache between wallet instances.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/go-redis/redis/v8"
)

const (
	defaultKeyPrefix    = "wallet:balance:"
	fieldAmount         = "amount"
	fieldRefreshed      = "refreshed"
	fieldSequence       = "sequence"
	errorOperationCache = "cache"
	errorSubjectBalance = "balance"
	errorCodeLoad       = "load"
	errorCodeStore      = "store"
	errorCodeDrop       = "drop"
	errorCodeDecode     = "decode"
)

// storeScript writes the balance hash unless it already records a newer sequence.
// The sequence field survives a drop until the key expires.
const storeScript = `
local stored = redis.call('HGET', KEYS[1], 'sequence')
if stored and tonumber(stored) > tonumber(ARGV[3]) then
	return 0
end
redis.call('HSET', KEYS[1], 'amount', ARGV[1], 'refreshed', ARGV[2], 'sequence', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`

// Cache implements wallet.BalanceCache on Redis hashes with an expiry.
type Cache struct {
	client    redis.Cmdable
	ttl       time.Duration
	keyPrefix string
}

// Option customizes a Cache.
type Option func(*Cache)

// WithKeyPrefix namespaces the cache keys.
func WithKeyPrefix(prefix string) Option {
	return func(cache *Cache) {
		if prefix != "" {
			cache.keyPrefix = prefix
		}
	}
}

// New returns a Cache whose keys expire after ttl.
func New(client redis.Cmdable, ttl time.Duration, opts ...Option) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", wallet.ErrInvalidServiceConfig)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: cache ttl must be positive", wallet.ErrInvalidServiceConfig)
	}
	cache := &Cache{client: client, ttl: ttl, keyPrefix: defaultKeyPrefix}
	for _, option := range opts {
		if option != nil {
			option(cache)
		}
	}
	return cache, nil
}

// LoadBalance implements wallet.BalanceCache.
func (cache *Cache) LoadBalance(ctx context.Context, accountID wallet.AccountID) (wallet.CachedBalance, bool, error) {
	values, err := cache.client.HMGet(ctx, cache.key(accountID), fieldAmount, fieldRefreshed, fieldSequence).Result()
	if errors.Is(err, redis.Nil) {
		return wallet.CachedBalance{}, false, nil
	}
	if err != nil {
		return wallet.CachedBalance{}, false, wrapCacheError(errorCodeLoad, err)
	}
	if len(values) != 3 || values[0] == nil || values[1] == nil {
		return wallet.CachedBalance{}, false, nil
	}
	fields := make([]int64, len(values))
	for index, value := range values {
		if value == nil {
			continue
		}
		parsed, err := parseField(value)
		if err != nil {
			return wallet.CachedBalance{}, false, wrapCacheError(errorCodeDecode, err)
		}
		fields[index] = parsed
	}
	amount, err := wallet.NewAmountMinor(fields[0])
	if err != nil {
		return wallet.CachedBalance{}, false, wrapCacheError(errorCodeDecode, err)
	}
	return wallet.CachedBalance{Amount: amount, RefreshedUnixUTC: fields[1], Sequence: fields[2]}, true, nil
}

// StoreBalance implements wallet.BalanceCache. A write older than the stored
// sequence is discarded by the script and reported as success.
func (cache *Cache) StoreBalance(ctx context.Context, accountID wallet.AccountID, balance wallet.CachedBalance) error {
	err := cache.client.Eval(ctx, storeScript, []string{cache.key(accountID)},
		balance.Amount.Int64(), balance.RefreshedUnixUTC, balance.Sequence, cache.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return wrapCacheError(errorCodeStore, err)
	}
	return nil
}

// DropBalance implements wallet.BalanceCache. The sequence field is kept.
func (cache *Cache) DropBalance(ctx context.Context, accountID wallet.AccountID) error {
	if err := cache.client.HDel(ctx, cache.key(accountID), fieldAmount, fieldRefreshed).Err(); err != nil {
		return wrapCacheError(errorCodeDrop, err)
	}
	return nil
}

func (cache *Cache) key(accountID wallet.AccountID) string {
	return cache.keyPrefix + accountID.String()
}

func parseField(value any) (int64, error) {
	text, ok := value.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected field type %T", value)
	}
	return strconv.ParseInt(text, 10, 64)
}

func wrapCacheError(code string, err error) error {
	return wallet.WrapError(errorOperationCache, errorSubjectBalance, code, err)
}
