package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/config"
	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/events"
	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty/store"
	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/metrics"
	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/store/postgres"
	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/store/sqlite"
)

// app holds everything a command needs, wired from one Config.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     loyalty.Store
	registry  *prometheus.Registry
	publisher loyalty.Publisher
	ledger    *loyalty.Ledger
	lb        *loyalty.Leaderboard
	service   *loyalty.Service

	ping    func(ctx context.Context) error
	closers []func() error
}

// newApp opens storage, connects the event publisher and builds the
// loyalty services.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, publisher: loyalty.NopPublisher{}}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("load time zone: %w", err)
	}
	rules, err := buildRules(cfg.Rewards)
	if err != nil {
		return nil, err
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(a.registry)

	if cfg.NATS.URL != "" {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
		logger.Info("publishing ledger events", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	calendar := loyalty.PeriodCalendar{Location: loc}

	opts := loyalty.DefaultOptions()
	opts.Calendar = calendar
	opts.Rules = rules
	opts.DiscountCodes = loyalty.RandomCodes(cfg.Rewards.CodePrefix, cfg.Rewards.CodeLength)
	opts.MaxCodeAttempts = cfg.Rewards.MaxCodeAttempts
	opts.MaxCodesPerWrite = cfg.Ledger.MaxCodesPerWrite
	opts.MaxPoints = cfg.Ledger.MaxTransactionPoints
	opts.ReferralBonus = cfg.Referral.BonusPoints
	opts.RequireFirstEntry = cfg.Referral.RequireFirstEntry
	opts.OperationTimeout = cfg.Ledger.OperationTimeout
	opts.Logger = logger
	opts.Metrics = collector
	opts.Publisher = a.publisher
	a.ledger = loyalty.NewLedger(a.store, opts)

	a.lb = loyalty.NewLeaderboard(a.store, calendar, nil)

	sopts := loyalty.DefaultServiceOptions()
	sopts.ReferralCodes = loyalty.RandomCodes(cfg.Referral.CodePrefix, cfg.Referral.CodeLength)
	sopts.DefaultLimit = cfg.Leaderboard.DefaultLimit
	sopts.MaxLimit = cfg.Leaderboard.MaxLimit
	sopts.Logger = logger
	a.service = loyalty.NewService(a.store, a.ledger, a.lb, sopts)

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	db := a.cfg.Database
	switch db.Driver {
	case "sqlite":
		s, err := sqlite.New(db.Path)
		if err != nil {
			return fmt.Errorf("open sqlite %s: %w", db.Path, err)
		}
		a.store, a.ping = s, s.Ping
		a.closers = append(a.closers, s.Close)
	case "postgres":
		s, err := postgres.Connect(ctx, db.DSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		a.store, a.ping = s, s.Ping
		a.closers = append(a.closers, s.Close)
	case "memory":
		a.store = store.NewMemory()
		a.logger.Warn("using in-memory store; data is lost on exit")
	default:
		return fmt.Errorf("unknown database driver %q", db.Driver)
	}
	a.logger.Info("storage ready", "driver", db.Driver)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// buildRules converts enabled rule configs into reward rules.
func buildRules(cfg config.RewardsConfig) ([]loyalty.RewardRule, error) {
	var rules []loyalty.RewardRule
	for _, rc := range cfg.Rules {
		if !rc.Enabled {
			continue
		}
		pct, err := decimal.NewFromString(rc.Percentage)
		if err != nil {
			return nil, fmt.Errorf("reward rule %s: percentage %q: %w", rc.ID, rc.Percentage, err)
		}
		rule := loyalty.RewardRule{
			ID:         rc.ID,
			Basis:      loyalty.Basis(rc.Basis),
			Interval:   rc.Interval,
			Percentage: pct,
			Validity:   rc.Validity,
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
