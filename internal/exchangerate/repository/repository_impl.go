package repository

import (
	"context"

	"github.com/smallbiznis/costflow/internal/exchangerate/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, rate *domain.ExchangeRate) error {
	return db.WithContext(ctx).Create(rate).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.ExchangeRate, error) {
	var rates []domain.ExchangeRate
	err := db.WithContext(ctx).Raw(
		`SELECT id, base_currency, quote_currency, rate, effective_date, source, created_at
		 FROM exchange_rates
		 ORDER BY base_currency, quote_currency, effective_date`,
	).Scan(&rates).Error
	if err != nil {
		return nil, err
	}
	return rates, nil
}
