package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRate is one append-only quote: 1 unit of BaseCurrency buys Rate units of QuoteCurrency
// from EffectiveDate onward.
type ExchangeRate struct {
	ID            int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	BaseCurrency  string          `json:"base_currency" gorm:"type:char(3);not null;uniqueIndex:ux_exchange_rates_pair_date,priority:1"`
	QuoteCurrency string          `json:"quote_currency" gorm:"type:char(3);not null;uniqueIndex:ux_exchange_rates_pair_date,priority:2"`
	Rate          decimal.Decimal `json:"rate" gorm:"type:numeric(24,12);not null"`
	EffectiveDate time.Time       `json:"effective_date" gorm:"type:date;not null;uniqueIndex:ux_exchange_rates_pair_date,priority:3"`
	Source        string          `json:"source" gorm:"type:text;not null;default:''"`
	CreatedAt     time.Time       `json:"created_at" gorm:"not null"`
}

func (ExchangeRate) TableName() string { return "exchange_rates" }

// Conversion is an amount expressed in the target currency together with the rate that produced it.
type Conversion struct {
	Amount        decimal.Decimal
	Rate          decimal.Decimal
	EffectiveDate time.Time
	Stale         bool
}
