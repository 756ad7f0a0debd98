package main

import (
	"context"
	"flag"
	"log"
	"strings"

	"github.com/robertarktes/seat-holds/internal/app"
	"github.com/robertarktes/seat-holds/internal/config"
	"github.com/robertarktes/seat-holds/internal/observability"
)

func main() {
	titles := flag.String("titles", strings.Join(app.DefaultTitles, ","), "comma separated show titles")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx := context.Background()
	backend, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer backend.Close()

	var list []string
	for _, t := range strings.Split(*titles, ",") {
		if t = strings.TrimSpace(t); t != "" {
			list = append(list, t)
		}
	}

	n, err := app.Seed(ctx, backend.Store, list)
	if err != nil {
		logger.WithError(err).Error("seeding failed")
		return
	}
	if n == 0 {
		logger.Info("store already holds shows, nothing seeded")
		return
	}
	logger.WithField("shows", n).Info("seeded shows")
}
