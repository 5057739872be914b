package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/pkg/config"
	"github.com/petgourmet/billing-backend/pkg/logctx"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrTimeout is returned when the wrapped operation exceeded its
// wall-clock budget. It is distinct from a business failure so callers
// can decide retry-ability.
var ErrTimeout = errors.New("idempotency: operation timed out")

const (
	DefaultTTL     = 24 * time.Hour
	DefaultTimeout = 30 * time.Second
)

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger

	ttl     time.Duration
	timeout time.Duration
}

func NewService(db *gorm.DB, cfg *config.Config, log *zap.SugaredLogger) *Service {
	s := &Service{
		db:      db,
		log:     log,
		ttl:     cfg.Reconciliation.IdempotencyTTL,
		timeout: cfg.Reconciliation.OperationTimeout,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s
}

// Key derives the deterministic idempotency key for a gateway event so
// transport-level redeliveries collapse to one execution.
func Key(correlationID, subjectID, kind string) string {
	return fmt.Sprintf("%s:%s:%s", correlationID, subjectID, kind)
}

// Outcome is what Execute hands back: the (possibly cached) serialized
// result and whether it came from a previous run.
type Outcome struct {
	FromCache bool
	Result    json.RawMessage
}

// Execute runs fn at most once per key inside the record's validity
// window. A failed fn leaves no record so a genuine retry can run; a
// failed record write is logged loudly but does not fail the already
// completed operation.
func (s *Service) Execute(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (*Outcome, error) {
	if key == "" {
		return nil, fmt.Errorf("idempotency: empty key")
	}

	var existing models.IdempotencyRecord
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&existing).Error
	if err == nil && existing.Valid(time.Now()) {
		logctx.FromCtx(ctx, s.log).Infow("idempotency_replay", "key", key)
		return &Outcome{FromCache: true, Result: json.RawMessage(existing.Result)}, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("idempotency: lookup: %w", err)
	}

	result, err := s.runWithTimeout(ctx, fn)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		// The operation succeeded; an unserializable result only costs
		// the replay cache.
		logctx.FromCtx(ctx, s.log).Errorw("idempotency_marshal_failed", "key", key, "error", err)
		payload = []byte(`{}`)
	}

	record := &models.IdempotencyRecord{
		IdempotencyKey: key,
		Result:         datatypes.JSON(payload),
		ExpiresAt:      time.Now().Add(s.ttl),
	}
	if existing.ID != 0 {
		// Expired record for the same key: refresh in place.
		record.ID = existing.ID
	}
	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		logctx.FromCtx(ctx, s.log).Errorw("idempotency_persist_failed", "key", key, "error", err)
	}

	return &Outcome{FromCache: false, Result: payload}, nil
}

func (s *Service) runWithTimeout(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type opResult struct {
		value any
		err   error
	}
	done := make(chan opResult, 1)
	go func() {
		value, err := fn(opCtx)
		done <- opResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-opCtx.Done():
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, opCtx.Err()
	}
}

// CleanExpired removes stale records; returns the count deleted.
func (s *Service) CleanExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&models.IdempotencyRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("idempotency: clean expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}
