package statistics

import (
	"context"
	"fmt"
	"sync"

	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StatisticType string

const (
	// Daily billing counts and revenue from the billing ledger
	StatisticTypeDailyBillingCount StatisticType = "daily_billing_count"
	StatisticTypeDailyRevenue      StatisticType = "daily_revenue"
	StatisticTypeTotalRevenue      StatisticType = "total_revenue"

	// Subscription base
	StatisticTypeDailyNewSubscriptionCount StatisticType = "daily_new_subscription_count"
	StatisticTypeSubscriptionStatusCount   StatisticType = "subscription_status_count"
	StatisticTypeActiveSubscriptionCount   StatisticType = "active_subscription_count"
)

// Filter types supported by certain statistic types
type BillingStatisticFilterType string

const (
	BillingStatisticFilterTypePaymentMethod    BillingStatisticFilterType = "payment_method"
	BillingStatisticFilterTypeBillingStatus    BillingStatisticFilterType = "status"
	BillingStatisticFilterTypeSubscriptionType BillingStatisticFilterType = "subscription_type"
)

var filterTypes = []BillingStatisticFilterType{
	BillingStatisticFilterTypePaymentMethod,
	BillingStatisticFilterTypeBillingStatus,
	BillingStatisticFilterTypeSubscriptionType,
}

var validFilters = map[BillingStatisticFilterType][]StatisticType{
	BillingStatisticFilterTypePaymentMethod:    {StatisticTypeDailyBillingCount, StatisticTypeDailyRevenue},
	BillingStatisticFilterTypeBillingStatus:    {StatisticTypeDailyBillingCount, StatisticTypeDailyRevenue},
	BillingStatisticFilterTypeSubscriptionType: {StatisticTypeDailyNewSubscriptionCount, StatisticTypeActiveSubscriptionCount},
}

type BillingStatisticDataItem struct {
	ID StatisticType `json:"id"`
}

type BillingStatisticRequest struct {
	Filters   []*types.CommonFilter       `json:"filters"`
	DataItems []*BillingStatisticDataItem `json:"data_items"`
}

func (f *BillingStatisticRequest) GetFilters(statisticType StatisticType) *BillingStatisticRequest {
	if f == nil || len(f.Filters) == 0 {
		return f
	}
	var result BillingStatisticRequest
	for _, filter := range f.Filters {
		if statisticTypes, ok := validFilters[BillingStatisticFilterType(filter.Field)]; ok {
			if lo.Contains(statisticTypes, statisticType) {
				result.Filters = append(result.Filters, filter)
			}
		} else {
			result.Filters = append(result.Filters, filter)
		}
	}
	return &result
}

// Build composes a WHERE clause from the provided filters.
func (f *BillingStatisticRequest) Build(builder clause.Builder) {
	if len(f.Filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	for i, filter := range f.Filters {
		if i > 0 {
			builder.WriteString(" AND ")
		}
		filter.Build(builder)
	}
}

type BillingStatisticResponseDataItem struct {
	Date  string  `json:"date"`
	Label string  `json:"label,omitempty"`
	Value float64 `json:"value"`
}

type BillingStatisticResponse struct {
	DataItems map[StatisticType][]BillingStatisticResponseDataItem `json:"data_items"`
}

// Service provides statistics operations over the billing ledger and the
// subscription base.
type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service { return &Service{db: db} }

func (s *Service) getDailyBillingCount(ctx context.Context, request *BillingStatisticRequest) ([]BillingStatisticResponseDataItem, error) {
	var results []BillingStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table((models.BillingHistory{}).TableName()).
		Select("TO_CHAR(billing_date, 'YYYY-MM-DD') as date, count(*) as value").
		Where(clause.Where{Exprs: []clause.Expression{request.GetFilters(StatisticTypeDailyBillingCount)}}).
		Group("TO_CHAR(billing_date, 'YYYY-MM-DD')").
		Order("date")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyRevenue(ctx context.Context, request *BillingStatisticRequest) ([]BillingStatisticResponseDataItem, error) {
	var results []BillingStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table((models.BillingHistory{}).TableName()).
		Select("TO_CHAR(billing_date, 'YYYY-MM-DD') as date, sum(amount) as value").
		Where("status = ?", "approved").
		Where(clause.Where{Exprs: []clause.Expression{request.GetFilters(StatisticTypeDailyRevenue)}}).
		Group("TO_CHAR(billing_date, 'YYYY-MM-DD')").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true})
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getTotalRevenue(ctx context.Context, _ *BillingStatisticRequest) ([]BillingStatisticResponseDataItem, error) {
	var results []BillingStatisticResponseDataItem
	err := s.db.WithContext(ctx).Raw(`
WITH min_max_dates AS (
    SELECT MIN(DATE(billing_date)) as min_date, MAX(DATE(billing_date)) as max_date
    FROM subscription_billing_history
    WHERE status = 'approved'
),
distinct_dates AS (
    SELECT generate_series(min_date, max_date, '1 day'::interval) as date FROM min_max_dates
),
revenue_date AS (
    SELECT TO_CHAR(d.date, 'YYYY-MM-DD') as date, COALESCE(SUM(b.amount), 0) as value
    FROM distinct_dates d
    LEFT JOIN subscription_billing_history b
      ON TO_CHAR(b.billing_date, 'YYYY-MM-DD') = TO_CHAR(d.date, 'YYYY-MM-DD')
     AND b.status = 'approved'
    GROUP BY d.date
)
SELECT d.date as date, SUM(s.value) as value
FROM revenue_date d
LEFT JOIN revenue_date s ON s.date <= d.date
GROUP BY d.date
ORDER BY d.date DESC
`).Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyNewSubscriptionCount(ctx context.Context, request *BillingStatisticRequest) ([]BillingStatisticResponseDataItem, error) {
	var results []BillingStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table((models.Subscription{}).TableName()).
		Select("TO_CHAR(created_at, 'YYYY-MM-DD') as date, count(distinct user_id) as value").
		Where(clause.Where{Exprs: []clause.Expression{request.GetFilters(StatisticTypeDailyNewSubscriptionCount)}}).
		Group("TO_CHAR(created_at, 'YYYY-MM-DD')").
		Order("date desc")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getSubscriptionStatusCount(ctx context.Context, _ *BillingStatisticRequest) ([]BillingStatisticResponseDataItem, error) {
	var results []BillingStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table((models.Subscription{}).TableName()).
		Select("status as label, count(*) as value").
		Group("status").
		Order("label")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getActiveSubscriptionCount(ctx context.Context, request *BillingStatisticRequest) ([]BillingStatisticResponseDataItem, error) {
	var results []BillingStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table((models.Subscription{}).TableName()).
		Select("count(*) as value").
		Where(clause.Where{Exprs: []clause.Expression{request.GetFilters(StatisticTypeActiveSubscriptionCount)}}).
		Where("status = ?", types.SubscriptionStatusActive)
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getBillingStatistic(ctx context.Context, request *BillingStatisticRequest, dataItem *BillingStatisticDataItem) ([]BillingStatisticResponseDataItem, error) {
	switch dataItem.ID {
	case StatisticTypeDailyBillingCount:
		return s.getDailyBillingCount(ctx, request)
	case StatisticTypeDailyRevenue:
		return s.getDailyRevenue(ctx, request)
	case StatisticTypeTotalRevenue:
		return s.getTotalRevenue(ctx, request)
	case StatisticTypeDailyNewSubscriptionCount:
		return s.getDailyNewSubscriptionCount(ctx, request)
	case StatisticTypeSubscriptionStatusCount:
		return s.getSubscriptionStatusCount(ctx, request)
	case StatisticTypeActiveSubscriptionCount:
		return s.getActiveSubscriptionCount(ctx, request)
	default:
		return nil, fmt.Errorf("invalid data item id: %s", dataItem.ID)
	}
}

func (s *Service) GetBillingStatistic(ctx context.Context, request *BillingStatisticRequest) (*BillingStatisticResponse, error) {
	var wg sync.WaitGroup
	errChan := make(chan error, len(request.DataItems))
	resChan := make(chan *lo.Entry[StatisticType, []BillingStatisticResponseDataItem], len(request.DataItems))

	for _, item := range request.DataItems {
		wg.Add(1)
		go func(di *BillingStatisticDataItem) {
			defer wg.Done()
			// check filter applicability
			for _, filter := range request.Filters {
				ft := BillingStatisticFilterType(filter.Field)
				if lo.Contains(filterTypes, ft) && !lo.Contains(validFilters[ft], di.ID) {
					resChan <- &lo.Entry[StatisticType, []BillingStatisticResponseDataItem]{Key: di.ID, Value: nil}
					return
				}
			}
			res, err := s.getBillingStatistic(ctx, request, di)
			if err != nil {
				errChan <- err
				return
			}
			resChan <- &lo.Entry[StatisticType, []BillingStatisticResponseDataItem]{Key: di.ID, Value: res}
		}(item)
	}

	go func() { wg.Wait(); close(errChan); close(resChan) }()

	results := make(map[StatisticType][]BillingStatisticResponseDataItem)
	for i := 0; i < len(request.DataItems); i++ {
		select {
		case err := <-errChan:
			if err != nil {
				return nil, err
			}
		case entry := <-resChan:
			results[entry.Key] = entry.Value
		}
	}
	return &BillingStatisticResponse{DataItems: results}, nil
}

var Module = fx.Options(
	fx.Provide(New),
)
