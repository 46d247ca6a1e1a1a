package rediscache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTTL       = 5 * time.Minute
	testAccountID = "seller-1"
	testKey       = defaultKeyPrefix + testAccountID
)

func TestLoadBalanceMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache, err := New(client, testTTL)
	require.NoError(t, err)

	mock.ExpectHMGet(testKey, fieldAmount, fieldRefreshed, fieldSequence).SetVal([]interface{}{nil, nil, nil})
	_, found, err := cache.LoadBalance(context.Background(), accountID(t))
	require.NoError(t, err)
	assert.False(t, found)

	// A dropped entry keeps only its sequence.
	mock.ExpectHMGet(testKey, fieldAmount, fieldRefreshed, fieldSequence).SetVal([]interface{}{nil, nil, "4"})
	_, found, err = cache.LoadBalance(context.Background(), accountID(t))
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBalanceHit(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache, err := New(client, testTTL)
	require.NoError(t, err)

	mock.ExpectHMGet(testKey, fieldAmount, fieldRefreshed, fieldSequence).SetVal([]interface{}{"1500", "1700000000", "9"})
	cached, found, err := cache.LoadBalance(context.Background(), accountID(t))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, wallet.AmountMinor(1500), cached.Amount)
	assert.Equal(t, int64(1700000000), cached.RefreshedUnixUTC)
	assert.Equal(t, int64(9), cached.Sequence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBalanceRejectsCorruptValues(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache, err := New(client, testTTL)
	require.NoError(t, err)

	mock.ExpectHMGet(testKey, fieldAmount, fieldRefreshed, fieldSequence).SetVal([]interface{}{"many", "1", "1"})
	_, _, err = cache.LoadBalance(context.Background(), accountID(t))
	assert.Error(t, err)

	mock.ExpectHMGet(testKey, fieldAmount, fieldRefreshed, fieldSequence).SetVal([]interface{}{"-5", "1", "1"})
	_, _, err = cache.LoadBalance(context.Background(), accountID(t))
	assert.ErrorIs(t, err, wallet.ErrInvalidAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBalanceConnectionError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache, err := New(client, testTTL)
	require.NoError(t, err)

	connectionErr := errors.New("dial tcp: connection refused")
	mock.ExpectHMGet(testKey, fieldAmount, fieldRefreshed, fieldSequence).SetErr(connectionErr)
	_, found, err := cache.LoadBalance(context.Background(), accountID(t))
	assert.False(t, found)
	assert.ErrorIs(t, err, connectionErr)
	var operationError *wallet.OperationError
	require.ErrorAs(t, err, &operationError)
	assert.Equal(t, "cache.balance.load", operationError.Path())
}

func TestStoreBalanceRunsSequenceGuard(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache, err := New(client, testTTL)
	require.NoError(t, err)

	mock.ExpectEval(storeScript, []string{testKey}, int64(42), int64(7), int64(3), testTTL.Milliseconds()).SetVal(int64(1))
	err = cache.StoreBalance(context.Background(), accountID(t), wallet.CachedBalance{Amount: 42, RefreshedUnixUTC: 7, Sequence: 3})
	require.NoError(t, err)

	// The script returns 0 when a newer sequence is already stored.
	mock.ExpectEval(storeScript, []string{testKey}, int64(40), int64(8), int64(2), testTTL.Milliseconds()).SetVal(int64(0))
	err = cache.StoreBalance(context.Background(), accountID(t), wallet.CachedBalance{Amount: 40, RefreshedUnixUTC: 8, Sequence: 2})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Contains(t, storeScript, "tonumber(stored) > tonumber(ARGV[3])")
}

func TestStoreBalanceError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache, err := New(client, testTTL)
	require.NoError(t, err)

	mock.ExpectEval(storeScript, []string{testKey}, int64(42), int64(7), int64(3), testTTL.Milliseconds()).SetErr(errors.New("READONLY"))
	err = cache.StoreBalance(context.Background(), accountID(t), wallet.CachedBalance{Amount: 42, RefreshedUnixUTC: 7, Sequence: 3})
	var operationError *wallet.OperationError
	require.ErrorAs(t, err, &operationError)
	assert.Equal(t, "cache.balance.store", operationError.Path())
}

func TestDropBalanceKeepsSequence(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache, err := New(client, testTTL, WithKeyPrefix("tenant-a:"))
	require.NoError(t, err)

	mock.ExpectHDel("tenant-a:"+testAccountID, fieldAmount, fieldRefreshed).SetVal(2)
	require.NoError(t, cache.DropBalance(context.Background(), accountID(t)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewValidatesArguments(t *testing.T) {
	client, _ := redismock.NewClientMock()
	_, err := New(nil, testTTL)
	assert.ErrorIs(t, err, wallet.ErrInvalidServiceConfig)
	_, err = New(client, 0)
	assert.ErrorIs(t, err, wallet.ErrInvalidServiceConfig)
}

func accountID(t *testing.T) wallet.AccountID {
	t.Helper()
	id, err := wallet.NewAccountID(testAccountID)
	require.NoError(t, err)
	return id
}
