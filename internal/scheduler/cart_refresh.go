package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/glamlocks/storefront/internal/cartsync"
	"github.com/glamlocks/storefront/pkg/logger"
)

// CartRefreshScheduler periodically reconciles the local cart with the
// backend, the "next natural trigger" that picks up state a dropped
// sync cycle left behind.
type CartRefreshScheduler struct {
	cron     *cron.Cron
	engine   *cartsync.Engine
	schedule string
}

// NewCartRefreshScheduler creates a scheduler with a cron schedule
// expression (e.g. "@every 5m").
func NewCartRefreshScheduler(engine *cartsync.Engine, schedule string) *CartRefreshScheduler {
	return &CartRefreshScheduler{
		cron:     cron.New(),
		engine:   engine,
		schedule: schedule,
	}
}

// Start begins the background refresh.
func (s *CartRefreshScheduler) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.engine.Sync(ctx)
	})
	if err != nil {
		logger.Error("Failed to schedule cart refresh", err, map[string]interface{}{
			"schedule": s.schedule,
		})
		return err
	}

	s.cron.Start()
	logger.Info("Cart refresh scheduler started", map[string]interface{}{
		"schedule": s.schedule,
	})
	return nil
}

// Stop halts the background refresh.
func (s *CartRefreshScheduler) Stop() {
	s.cron.Stop()
	logger.Info("Cart refresh scheduler stopped", nil)
}
