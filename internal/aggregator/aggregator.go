package aggregator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ipick/trackd/internal/config"
	"github.com/ipick/trackd/internal/metrics"
	"github.com/ipick/trackd/internal/models"
	"github.com/ipick/trackd/internal/storage"
)

// Job rolls up the prior day's events into one aggregate row per shop.
// Designed to tolerate extra invocations: the existence check and the
// insert are one atomic operation, so re-runs and concurrent runs never
// double-count.
type Job struct {
	shops      storage.ShopRepo
	events     storage.EventStore
	orders     storage.OrderRepo
	aggregates storage.AggregateRepo
	cfg        config.AggregatorConfig
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewJob creates a daily aggregation job.
func NewJob(stores *storage.Stores, cfg config.AggregatorConfig, logger *zap.Logger, m *metrics.Metrics) *Job {
	return &Job{
		shops:      stores.Shops,
		events:     stores.Events,
		orders:     stores.Orders,
		aggregates: stores.Aggregates,
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
	}
}

// RunYesterday aggregates the previous UTC calendar day.
func (j *Job) RunYesterday(ctx context.Context) error {
	day := time.Now().UTC().AddDate(0, 0, -1)
	return j.Run(ctx, day)
}

// Run aggregates one UTC calendar day for every active shop. Shops are
// independent units of work: a failure in one shop is logged and the rest
// of the batch continues.
func (j *Job) Run(ctx context.Context, day time.Time) error {
	start := time.Now()
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24*time.Hour - time.Nanosecond)

	shops, err := j.shops.ListActive(ctx)
	if err != nil {
		j.logger.Error("aggregator failed to list shops", zap.Error(err))
		if j.metrics != nil {
			j.metrics.AggregatorRuns.WithLabelValues("error").Inc()
		}
		return err
	}

	j.logger.Info("daily aggregation starting",
		zap.String("date", dayStart.Format("2006-01-02")),
		zap.Int("shops", len(shops)),
	)

	workers := j.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, shop := range shops {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(shop *models.Shop) {
			defer wg.Done()
			defer func() { <-sem }()
			j.processShop(ctx, shop, dayStart, dayEnd)
		}(shop)
	}
	wg.Wait()

	j.logger.Info("daily aggregation completed",
		zap.String("date", dayStart.Format("2006-01-02")),
		zap.Duration("duration", time.Since(start)),
	)
	if j.metrics != nil {
		j.metrics.AggregatorRuns.WithLabelValues("ok").Inc()
		j.metrics.AggregatorDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

func (j *Job) processShop(ctx context.Context, shop *models.Shop, dayStart, dayEnd time.Time) {
	log := j.logger.With(
		zap.String("shop_id", shop.ID),
		zap.String("date", dayStart.Format("2006-01-02")),
	)

	exists, err := j.aggregates.Exists(ctx, shop.ID, dayStart)
	if err != nil {
		log.Error("aggregate existence check failed", zap.Error(err))
		j.shopOutcome("error")
		return
	}
	if exists {
		log.Info("aggregate already exists, skipping")
		j.shopOutcome("skipped")
		return
	}

	sessions, err := j.events.DistinctSessions(ctx, shop.ID, dayStart, dayEnd)
	if err != nil {
		log.Error("session count failed", zap.Error(err))
		j.shopOutcome("error")
		return
	}

	counts, err := j.events.CountByType(ctx, shop.ID, dayStart, dayEnd)
	if err != nil {
		log.Error("event count failed", zap.Error(err))
		j.shopOutcome("error")
		return
	}
	productViews := int(counts[models.EventProductView] + counts[models.EventPageView])

	// GMV and AOV are computed for observability; the aggregate row itself
	// stores only sessions and product views.
	gmv, aov, orderCount := 0.0, 0.0, 0
	orders, err := j.orders.QueryWindow(ctx, shop.ID, dayStart, dayEnd, 0)
	if err != nil {
		log.Warn("order scan failed, GMV omitted", zap.Error(err))
	} else {
		for _, o := range orders {
			gmv += o.TotalPrice
		}
		orderCount = len(orders)
		if orderCount > 0 {
			aov = gmv / float64(orderCount)
		}
	}

	created, err := j.aggregates.CreateIfAbsent(ctx, &models.Aggregate{
		ShopID:       shop.ID,
		Date:         dayStart,
		Sessions:     sessions,
		ProductViews: productViews,
	})
	if err != nil {
		log.Error("aggregate write failed", zap.Error(err))
		j.shopOutcome("error")
		return
	}
	if !created {
		// A concurrent run won the insert between our check and write.
		log.Info("aggregate created concurrently, skipping")
		j.shopOutcome("skipped")
		return
	}

	log.Info("aggregate created",
		zap.Int("sessions", sessions),
		zap.Int("product_views", productViews),
		zap.Int("orders", orderCount),
		zap.Float64("gmv", gmv),
		zap.Float64("aov", aov),
	)
	j.shopOutcome("ok")
}

func (j *Job) shopOutcome(outcome string) {
	if j.metrics != nil {
		j.metrics.AggregatorShops.WithLabelValues(outcome).Inc()
	}
}
