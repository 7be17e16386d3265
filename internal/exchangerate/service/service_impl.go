package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/config"
	"github.com/smallbiznis/costflow/internal/exchangerate/domain"
	"github.com/smallbiznis/costflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Cfg   config.Config
	Repo  domain.Repository
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       domain.Repository
	staleAfter time.Duration
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("exchangerate.service"),
		clock:      p.Clock,
		repo:       p.Repo,
		staleAfter: p.Cfg.Cache.StaleRateAfter,
	}
}

func (s *Service) Append(ctx context.Context, req domain.AppendRequest) (*domain.ExchangeRate, error) {
	base, err := domain.NormalizeCurrency(req.BaseCurrency)
	if err != nil {
		return nil, err
	}
	quote, err := domain.NormalizeCurrency(req.QuoteCurrency)
	if err != nil {
		return nil, err
	}
	if base == quote {
		return nil, domain.ErrSameCurrency
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(req.Rate))
	if err != nil || !rate.IsPositive() {
		return nil, domain.ErrInvalidRate
	}

	effective, err := time.Parse(time.DateOnly, strings.TrimSpace(req.EffectiveDate))
	if err != nil {
		return nil, domain.ErrInvalidEffectiveDate
	}

	item := &domain.ExchangeRate{
		BaseCurrency:  base,
		QuoteCurrency: quote,
		Rate:          rate,
		EffectiveDate: domain.DateOf(effective),
		Source:        strings.TrimSpace(req.Source),
		CreatedAt:     s.clock.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, s.db, item); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrRateExists
		}
		return nil, err
	}

	s.log.Info("exchange rate appended",
		zap.String("base", base),
		zap.String("quote", quote),
		zap.String("rate", rate.String()),
		zap.String("effective_date", item.EffectiveDate.Format(time.DateOnly)),
	)
	return item, nil
}

func (s *Service) Snapshot(ctx context.Context) (*domain.Table, error) {
	rates, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return domain.NewTable(rates, s.staleAfter), nil
}
