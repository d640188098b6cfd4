package main

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/okian/irtengine/internal/adapters/repository"
	service "github.com/okian/irtengine/internal/app"
	"github.com/okian/irtengine/internal/config"
	"github.com/okian/irtengine/internal/domain/ability"
	"github.com/okian/irtengine/internal/domain/aggregate"
	"github.com/okian/irtengine/internal/domain/dedupe"
	"github.com/okian/irtengine/internal/domain/scoring"
	"github.com/okian/irtengine/internal/domain/selection"
	"github.com/okian/irtengine/pkg/logger"
)

// buildService assembles the service from cfg. The returned close func stops
// the service and releases what it was built on; it is safe to call once.
func buildService(ctx context.Context, cfg *config.Config) (*service.Service, func(), error) {
	log := logger.Get()

	estimator, err := ability.New(cfg.Estimator)
	if err != nil {
		return nil, nil, err
	}
	taxonomy, err := aggregate.NewTaxonomy(cfg.Taxonomy)
	if err != nil {
		return nil, nil, err
	}
	scoringOpts := []scoring.Option{
		scoring.WithMarkingScheme(cfg.Scoring.MarkingScheme()),
		scoring.WithNumericTolerance(cfg.Scoring.NumericTolerance),
	}
	if len(cfg.Scoring.PercentileTable) > 0 {
		table, err := scoring.NewScoreTable(cfg.Scoring.PercentileTable)
		if err != nil {
			return nil, nil, err
		}
		scoringOpts = append(scoringOpts, scoring.WithScoreTable(table))
	}

	store, err := repository.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	var (
		deduper dedupe.Deduper
		rdb     *goredis.Client
	)
	switch cfg.Dedupe.Backend {
	case "redis":
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.Dedupe.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, errors.Join(fmt.Errorf("redis %s: %w", cfg.Dedupe.RedisAddr, err), rdb.Close(), store.Close())
		}
		deduper = dedupe.NewRedisDeduper(rdb,
			dedupe.WithKeyPrefix(cfg.Dedupe.KeyPrefix),
			dedupe.WithTTL(cfg.Dedupe.TTL))
	default:
		deduper = dedupe.NewMemoryDeduper(dedupe.WithMaxSize(cfg.Dedupe.Size))
	}

	svc := service.New(
		service.WithLogger(log),
		service.WithStore(store),
		service.WithDeduper(deduper),
		service.WithEstimator(estimator),
		service.WithAggregator(aggregate.New(
			aggregate.WithTaxonomy(taxonomy),
			aggregate.WithWeights(cfg.Weights),
			aggregate.WithLogger(log),
		)),
		service.WithSelector(selection.New(
			selection.WithConfig(cfg.Selector),
			selection.WithLogger(log),
		)),
		service.WithScoringEngine(scoring.New(scoringOpts...)),
		service.WithWorkerCount(cfg.WorkerCount),
		service.WithQueueSize(cfg.QueueSize),
	)

	closeFn := func() {
		svc.Stop()
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				log.Warn(context.Background(), "redis close failed", logger.Error(err))
			}
		}
	}
	return svc, closeFn, nil
}
