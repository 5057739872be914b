package lock

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/petgourmet/billing-backend/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ProcessLock{}))
	return &Service{
		db:         db,
		log:        zap.NewNop().Sugar(),
		ttl:        time.Minute,
		maxRetries: 2,
		retryDelay: time.Millisecond,
	}
}

func TestProcessLock_Expired(t *testing.T) {
	now := time.Now()
	live := &models.ProcessLock{ExpiresAt: now.Add(time.Minute)}
	stale := &models.ProcessLock{ExpiresAt: now.Add(-time.Second)}

	require.False(t, live.Expired(now))
	require.True(t, stale.Expired(now))

	var nilLock *models.ProcessLock
	require.False(t, nilLock.Expired(now))
}

func TestErrLockUnavailable_IsWrapFriendly(t *testing.T) {
	err := fmt.Errorf("webhook deferred: %w", ErrLockUnavailable)
	require.True(t, errors.Is(err, ErrLockUnavailable))
}

func TestAcquire_ReclaimsExpiredLock(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	key := "reconcile:SUB-U1-7-abcd"

	// A crashed holder left an expired row behind; nobody ran the
	// cleanup endpoint.
	stale := &models.ProcessLock{
		LockKey:   key,
		LockID:    "dead-holder",
		ExpiresAt: time.Now().Add(-time.Minute),
		Metadata:  datatypes.JSON([]byte(`{}`)),
	}
	require.NoError(t, s.db.Create(stale).Error)

	lockID, err := s.Acquire(ctx, key)
	require.NoError(t, err)
	require.NotEmpty(t, lockID)
	require.NotEqual(t, "dead-holder", lockID)

	info, err := s.GetInfo(ctx, key)
	require.NoError(t, err)
	require.Equal(t, lockID, info.LockID)
	require.False(t, info.Expired(time.Now()))
}

func TestAcquire_HeldLockIsUnavailable(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first, err := s.Acquire(ctx, "reconcile:SUB-U1-7-abcd")
	require.NoError(t, err)

	_, err = s.Acquire(ctx, "reconcile:SUB-U1-7-abcd")
	require.ErrorIs(t, err, ErrLockUnavailable)

	require.NoError(t, s.Release(ctx, "reconcile:SUB-U1-7-abcd", first))
	second, err := s.Acquire(ctx, "reconcile:SUB-U1-7-abcd")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestWithLock_ReleasesAfterFailure(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithLock(ctx, "k", func(ctx context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	active, err := s.IsActive(ctx, "k")
	require.NoError(t, err)
	require.False(t, active)
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	require.True(t, isUniqueViolation(errors.New(`ERROR: duplicate key value violates unique constraint "idx_process_locks_lock_key" (SQLSTATE 23505)`)))
	require.False(t, isUniqueViolation(errors.New("connection refused")))
	require.False(t, isUniqueViolation(nil))
}
