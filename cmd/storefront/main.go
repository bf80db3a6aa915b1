package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/glamlocks/storefront"
	"github.com/glamlocks/storefront/config"
	"github.com/glamlocks/storefront/internal/events"
	"github.com/glamlocks/storefront/internal/scheduler"
	"github.com/glamlocks/storefront/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", err)
	}

	logger.Initialize(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		EnableColor: true,
	})

	client, err := storefront.New(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize storefront client", err)
	}
	defer client.Close()

	client.Bus.Subscribe(events.CartChanged, func(evt events.Event) {
		logger.Debug("Cart badge update", map[string]interface{}{
			"count": evt.Payload,
		})
	})

	refresh := scheduler.NewCartRefreshScheduler(client.Sync, cfg.Sync.RefreshSchedule)
	if err := refresh.Start(); err != nil {
		logger.Fatal("Failed to start cart refresh scheduler", err)
	}

	logger.Info("Storefront client ready", map[string]interface{}{
		"api_base": cfg.API.BaseURL,
		"session":  client.Sessions.GetOrCreate(),
		"cart":     client.Cart.Count(),
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	refresh.Stop()
	client.CancelRequests()
	logger.Info("Storefront client shut down", nil)
}
