package app

import (
	"context"
	"fmt"

	"github.com/doubtdesk/teacher-core/config"
	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/persistence/memory"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/persistence/postgres"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/persistence/redis"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/persistence/sqlite"
	apihttp "github.com/doubtdesk/teacher-core/internal/interface/http"
)

type stores struct {
	quota quota.Store

	// purger is nil for backends that expire records on their own.
	purger quota.Purger

	plans     quota.PlanDirectory
	recaps    teaching.RecapRepository
	snapshots teaching.SnapshotCache
}

// openStores connects the configured backends. Postgres is opened when it
// holds quota counters or when DATABASE_URL is set, and then also serves
// plans and recaps. Redis is opened when it holds counters or REDIS_URL is
// set, and then also caches snapshots.
func (a *App) openStores(ctx context.Context, cfg *config.Config) (stores, error) {
	var (
		pg *postgres.Connection
		rc *redis.Client
		sq *sqlite.DB
	)
	backend := cfg.Quota.Backend

	if backend == config.QuotaBackendPostgres || cfg.Database.URL != "" {
		conn, err := postgres.NewConnection(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MaxIdleConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
			MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
			QueryTimeout:    cfg.Database.QueryTimeout,
		})
		if err != nil {
			return stores{}, err
		}
		pg = conn
		a.addCloser("postgres", func() error { conn.Close(); return nil })
		a.Health.AddCheck("postgres", apihttp.PingCheck(conn))

		if cfg.Database.AutoMigrate {
			if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
				return stores{}, fmt.Errorf("postgres migrations: %w", err)
			}
		}
	}

	if !cfg.Redis.Disabled && (backend == config.QuotaBackendRedis || cfg.Redis.URL != "") {
		client, err := redis.NewClient(ctx, redis.Config{
			URL:          cfg.Redis.URL,
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   3,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return stores{}, err
		}
		rc = client
		a.addCloser("redis", client.Close)
		a.Health.AddCheck("redis", apihttp.PingCheck(client))
	}

	if backend == config.QuotaBackendSQLite {
		db, err := sqlite.Open(ctx, cfg.SQLite.Path, cfg.SQLite.BusyTimeout)
		if err != nil {
			return stores{}, err
		}
		sq = db
		a.addCloser("sqlite", db.Close)
		a.Health.AddCheck("sqlite", apihttp.PingCheck(db))
	}

	var st stores
	switch backend {
	case config.QuotaBackendPostgres:
		s := postgres.NewQuotaStore(pg)
		st.quota, st.purger = s, s
	case config.QuotaBackendRedis:
		st.quota = redis.NewQuotaStore(rc, cfg.Quota.RetainFor)
	case config.QuotaBackendSQLite:
		s := sqlite.NewQuotaStore(sq)
		st.quota, st.purger = s, s
	default:
		s := memory.NewQuotaStore()
		st.quota, st.purger = s, s
	}

	defaultPlan := quota.Plan(cfg.Quota.DefaultPlan)
	switch {
	case pg != nil:
		st.plans = postgres.NewPlanDirectory(pg, defaultPlan)
		st.recaps = postgres.NewSessionRepository(pg)
	case sq != nil:
		st.plans = quota.StaticPlans{Default: defaultPlan}
		st.recaps = sqlite.NewRecapStore(sq)
	default:
		st.plans = quota.StaticPlans{Default: defaultPlan}
		st.recaps = memory.NewRecapStore()
	}

	if rc != nil {
		st.snapshots = redis.NewSnapshotCache(rc, cfg.Redis.SnapshotTTL)
	} else {
		st.snapshots = memory.NewSnapshotCache()
	}

	a.logger.Info("stores ready",
		"quota_backend", backend,
		"postgres", pg != nil,
		"redis", rc != nil,
		"sqlite", sq != nil,
	)
	return st, nil
}

// PlanTable builds the tier table from configured ceilings.
func PlanTable(q config.QuotaConfig) (quota.PlanTable, error) {
	type row struct {
		plan                      quota.Plan
		turns, activations, mins string
	}
	rows := []row{
		{quota.PlanFree, q.FreeTextTurns, q.FreeActivations, q.FreeMinutes},
		{quota.PlanMonthly, q.MonthlyTextTurns, q.MonthlyActivations, q.MonthlyMinutes},
		{quota.PlanYearly, q.YearlyTextTurns, q.YearlyActivations, q.YearlyMinutes},
	}

	plans := make(map[quota.Plan]quota.PlanLimits, len(rows))
	for _, r := range rows {
		turns, err := quota.ParseLimit(r.turns)
		if err != nil {
			return quota.PlanTable{}, fmt.Errorf("%s text turns: %w", r.plan, err)
		}
		activations, err := quota.ParseLimit(r.activations)
		if err != nil {
			return quota.PlanTable{}, fmt.Errorf("%s activations: %w", r.plan, err)
		}
		mins, err := quota.ParseLimit(r.mins)
		if err != nil {
			return quota.PlanTable{}, fmt.Errorf("%s minutes: %w", r.plan, err)
		}
		plans[r.plan] = quota.PlanLimits{
			TextTurnsPerDay:           turns,
			TeachingActivationsPerDay: activations,
			TeachingMinutesPerMonth:   mins,
		}
	}

	table := quota.NewPlanTable(plans)
	if _, err := table.Lookup(quota.Plan(q.DefaultPlan)); err != nil {
		return quota.PlanTable{}, fmt.Errorf("QUOTA_DEFAULT_PLAN: %w", err)
	}
	return table, nil
}
