package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/pkg/config"
	"github.com/petgourmet/billing-backend/pkg/logctx"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrLockUnavailable is returned when all acquisition attempts found a
// live lock held by someone else. Webhook callers treat this as "another
// process is handling this event" and respond 200 to avoid retry storms.
var ErrLockUnavailable = errors.New("lock: already held")

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxRetries = 3
	DefaultRetryDelay = 500 * time.Millisecond
)

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger

	ttl        time.Duration
	maxRetries int
	retryDelay time.Duration
}

func NewService(db *gorm.DB, cfg *config.Config, log *zap.SugaredLogger) *Service {
	s := &Service{
		db:         db,
		log:        log,
		ttl:        cfg.Reconciliation.LockTTL,
		maxRetries: cfg.Reconciliation.LockMaxRetries,
		retryDelay: cfg.Reconciliation.LockRetryDelay,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.maxRetries <= 0 {
		s.maxRetries = DefaultMaxRetries
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}
	return s
}

// Acquire takes the named lock and returns the holder token. The unique
// index on lock_key arbitrates between concurrent acquirers; an expired
// row is force-released inline so a crashed holder never wedges the key.
func (s *Service) Acquire(ctx context.Context, key string) (string, error) {
	return s.AcquireWithTTL(ctx, key, s.ttl)
}

func (s *Service) AcquireWithTTL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if key == "" {
		return "", fmt.Errorf("lock: empty key")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		// Reap an expired row for this key so the insert below can win.
		if err := s.reapExpired(ctx, key); err != nil {
			return "", fmt.Errorf("lock: reap expired: %w", err)
		}

		lockID := uuid.New().String()
		row := &models.ProcessLock{
			LockKey:   key,
			LockID:    lockID,
			ExpiresAt: time.Now().Add(ttl),
			Metadata:  datatypes.JSON([]byte(`{}`)),
		}
		err := s.db.WithContext(ctx).Create(row).Error
		if err == nil {
			return lockID, nil
		}
		if !isUniqueViolation(err) {
			return "", fmt.Errorf("lock: insert: %w", err)
		}

		// Someone holds the key. If their lease expired between our reap
		// and insert, force-release and retry the same attempt.
		info, infoErr := s.GetInfo(ctx, key)
		if infoErr == nil && info != nil && info.Expired(time.Now()) {
			if err := s.ForceRelease(ctx, key); err != nil {
				logctx.FromCtx(ctx, s.log).Warnw("lock_force_release_failed", "key", key, "error", err)
			}
			attempt--
			continue
		}

		if attempt < s.maxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * s.retryDelay):
			}
		}
	}

	logctx.FromCtx(ctx, s.log).Infow("lock_unavailable", "key", key, "retries", s.maxRetries)
	return "", ErrLockUnavailable
}

// Release deletes the lock row. When lockID is non-empty only the row
// created by that holder is removed, so a holder whose lease expired and
// was reused cannot release the new holder's lock.
func (s *Service) Release(ctx context.Context, key, lockID string) error {
	q := s.db.WithContext(ctx).Where("lock_key = ?", key)
	if lockID != "" {
		q = q.Where("lock_id = ?", lockID)
	}
	if err := q.Delete(&models.ProcessLock{}).Error; err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	return nil
}

// ForceRelease unconditionally removes the lock row for key.
func (s *Service) ForceRelease(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("lock_key = ?", key).Delete(&models.ProcessLock{}).Error; err != nil {
		return fmt.Errorf("lock: force release: %w", err)
	}
	return nil
}

// IsActive reports whether a non-expired lock exists for key.
func (s *Service) IsActive(ctx context.Context, key string) (bool, error) {
	info, err := s.GetInfo(ctx, key)
	if err != nil {
		return false, err
	}
	return info != nil && !info.Expired(time.Now()), nil
}

// GetInfo returns the lock row for key, or nil when absent.
func (s *Service) GetInfo(ctx context.Context, key string) (*models.ProcessLock, error) {
	var row models.ProcessLock
	err := s.db.WithContext(ctx).Where("lock_key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock: get info: %w", err)
	}
	return &row, nil
}

// CleanExpired bulk-deletes every expired lock row and returns the count.
func (s *Service) CleanExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&models.ProcessLock{})
	if res.Error != nil {
		return 0, fmt.Errorf("lock: clean expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// WithLock runs fn while holding the named lock, releasing it even when
// fn fails.
func (s *Service) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockID, err := s.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Release(context.WithoutCancel(ctx), key, lockID); err != nil {
			logctx.FromCtx(ctx, s.log).Errorw("lock_release_failed", "key", key, "error", err)
		}
	}()
	return fn(ctx)
}

func (s *Service) reapExpired(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).
		Where("lock_key = ? AND expires_at < ?", key, time.Now()).
		Delete(&models.ProcessLock{}).Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// Driver errors that gorm does not translate still carry the
	// postgres unique_violation code in their message.
	return err != nil && (strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key"))
}
