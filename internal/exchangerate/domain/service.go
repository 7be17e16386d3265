package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

const DefaultStaleAfter = 30 * 24 * time.Hour

type Service interface {
	Append(ctx context.Context, req AppendRequest) (*ExchangeRate, error)
	// Snapshot loads every rate into an immutable lookup table.
	Snapshot(ctx context.Context) (*Table, error)
}

type AppendRequest struct {
	BaseCurrency  string `json:"base_currency" validate:"required,len=3"`
	QuoteCurrency string `json:"quote_currency" validate:"required,len=3"`
	Rate          string `json:"rate" validate:"required"`
	EffectiveDate string `json:"effective_date" validate:"required,datetime=2006-01-02"`
	Source        string `json:"source"`
}

var (
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidRate          = errors.New("invalid_rate")
	ErrInvalidEffectiveDate = errors.New("invalid_effective_date")
	ErrSameCurrency         = errors.New("same_currency_pair")
	ErrRateExists           = errors.New("exchange_rate_exists")
	ErrRateNotFound         = errors.New("exchange_rate_not_found")
)

// NormalizeCurrency upper-cases an ISO-4217 code and rejects anything that is not three letters.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", ErrInvalidCurrency
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", ErrInvalidCurrency
		}
	}
	return code, nil
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
