package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, rate *ExchangeRate) error
	List(ctx context.Context, db *gorm.DB) ([]ExchangeRate, error)
}
