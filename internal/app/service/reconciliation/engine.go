package reconciliation

import (
	"context"
	"errors"
	"time"

	"github.com/petgourmet/billing-backend/internal/app/service/idempotency"
	"github.com/petgourmet/billing-backend/internal/app/service/lock"
	"github.com/petgourmet/billing-backend/internal/app/service/matcher"
	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"
	"github.com/petgourmet/billing-backend/pkg/config"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNoMatch means no internal entity could be tied to the event.
	// Inside the orphan grace window this is not a failure.
	ErrNoMatch = errors.New("reconciliation: no matching entity")
	// ErrAlreadyActive is a success-flavored condition: replayed
	// activation of an already-active subscription.
	ErrAlreadyActive = errors.New("reconciliation: subscription already active")
	// ErrNotActivatable means the match is in a state activation cannot
	// start from (cancelled, error).
	ErrNotActivatable = errors.New("reconciliation: subscription not activatable")
)

// Gateway is the slice of the MercadoPago client the engine needs.
// Narrowed to an interface so tests can stub gateway behavior.
type Gateway interface {
	GetPayment(ctx context.Context, id string) (*mercadopago.Payment, error)
	SearchPaymentsByReference(ctx context.Context, reference string) ([]*mercadopago.Payment, error)
	SearchPaymentsByPayerEmail(ctx context.Context, email string, begin, end time.Time) ([]*mercadopago.Payment, error)
	GetPreapproval(ctx context.Context, id string) (*mercadopago.Preapproval, error)
	CreatePreapproval(ctx context.Context, req *mercadopago.CreatePreapprovalRequest) (*mercadopago.Preapproval, error)
	CancelPreapproval(ctx context.Context, id string) (*mercadopago.Preapproval, error)
}

// Engine turns matched entities plus gateway events into state
// transitions. All mutations for one correlation id run inside a single
// lock-held critical section; replays are absorbed by the idempotency
// service and by upsert-style writes.
type Engine struct {
	db      *gorm.DB
	gateway Gateway
	matcher *matcher.Matcher
	locks   *lock.Service
	idem    *idempotency.Service
	log     *zap.SugaredLogger

	orphanGrace time.Duration
	now         func() time.Time
}

func NewEngine(
	db *gorm.DB,
	client *mercadopago.Client,
	m *matcher.Matcher,
	locks *lock.Service,
	idem *idempotency.Service,
	cfg *config.Config,
	log *zap.SugaredLogger,
) *Engine {
	grace := cfg.Reconciliation.OrphanGrace
	if grace <= 0 {
		grace = time.Hour
	}
	return &Engine{
		db:          db,
		gateway:     client,
		matcher:     m,
		locks:       locks,
		idem:        idem,
		log:         log,
		orphanGrace: grace,
		now:         time.Now,
	}
}
