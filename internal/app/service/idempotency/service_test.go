package idempotency

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
	require.NoError(t, db.AutoMigrate(&models.IdempotencyRecord{}))
	return &Service{
		db:      db,
		log:     zap.NewNop().Sugar(),
		ttl:     time.Hour,
		timeout: time.Second,
	}
}

func TestKey_Deterministic(t *testing.T) {
	a := Key("SUB-U1-7-abcd", "123456", "activate_subscription")
	b := Key("SUB-U1-7-abcd", "123456", "activate_subscription")
	require.Equal(t, a, b)
	require.Equal(t, "SUB-U1-7-abcd:123456:activate_subscription", a)

	c := Key("SUB-U1-7-abcd", "123456", "record_billing")
	require.NotEqual(t, a, c)
}

func TestIdempotencyRecord_Valid(t *testing.T) {
	now := time.Now()
	live := &models.IdempotencyRecord{ExpiresAt: now.Add(time.Hour)}
	stale := &models.IdempotencyRecord{ExpiresAt: now.Add(-time.Minute)}

	require.True(t, live.Valid(now))
	require.False(t, stale.Valid(now))

	var nilRecord *models.IdempotencyRecord
	require.False(t, nilRecord.Valid(now))
}

func TestErrTimeout_IsWrapFriendly(t *testing.T) {
	err := fmt.Errorf("activation: %w", ErrTimeout)
	require.True(t, errors.Is(err, ErrTimeout))
}

func TestExecute_ReplaysFromCache(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	key := Key("SUB-U1-7-abcd", "123456", "activate_subscription")

	runs := 0
	fn := func(ctx context.Context) (any, error) {
		runs++
		return map[string]any{"entity_id": 7, "status": "active"}, nil
	}

	first, err := s.Execute(ctx, key, fn)
	require.NoError(t, err)
	require.False(t, first.FromCache)
	require.Equal(t, 1, runs)

	// Redelivery of the same event returns the stored result without
	// re-running side effects.
	second, err := s.Execute(ctx, key, fn)
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, 1, runs)
	require.JSONEq(t, string(first.Result), string(second.Result))
}

func TestExecute_FailureLeavesNoRecord(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	key := Key("SUB-U1-7-abcd", "123456", "activate_subscription")

	boom := errors.New("gateway down")
	_, err := s.Execute(ctx, key, func(ctx context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	// A genuine retry after the failure runs again.
	outcome, err := s.Execute(ctx, key, func(ctx context.Context) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, err)
	require.False(t, outcome.FromCache)
}

func TestExecute_ExpiredRecordRefreshesInPlace(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	key := Key("SUB-U1-7-abcd", "123456", "activate_subscription")

	stale := &models.IdempotencyRecord{
		IdempotencyKey: key,
		Result:         datatypes.JSON([]byte(`{"old":true}`)),
		ExpiresAt:      time.Now().Add(-time.Minute),
	}
	require.NoError(t, s.db.Create(stale).Error)

	outcome, err := s.Execute(ctx, key, func(ctx context.Context) (any, error) {
		return map[string]any{"fresh": true}, nil
	})
	require.NoError(t, err)
	require.False(t, outcome.FromCache)

	// The unique key still maps to a single, refreshed record.
	var records []models.IdempotencyRecord
	require.NoError(t, s.db.Where("idempotency_key = ?", key).Find(&records).Error)
	require.Len(t, records, 1)
	require.Equal(t, stale.ID, records[0].ID)
	require.JSONEq(t, `{"fresh":true}`, string(records[0].Result))
	require.True(t, records[0].Valid(time.Now()))
}
