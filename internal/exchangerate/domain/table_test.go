package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func rate(base, quote, value string, effective time.Time) ExchangeRate {
	return ExchangeRate{
		BaseCurrency:  base,
		QuoteCurrency: quote,
		Rate:          decimal.RequireFromString(value),
		EffectiveDate: effective,
	}
}

func TestLookupPicksLatestRateOnOrBeforeDay(t *testing.T) {
	table := NewTable([]ExchangeRate{
		rate("USD", "EUR", "0.95", date(2026, 1, 20)),
		rate("USD", "EUR", "0.90", date(2026, 1, 1)),
		rate("USD", "EUR", "0.92", date(2026, 1, 10)),
	}, 0)

	got, effective, err := table.Lookup("USD", "EUR", time.Date(2026, 1, 15, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("0.92")))
	assert.Equal(t, date(2026, 1, 10), effective)

	got, _, err = table.Lookup("USD", "EUR", date(2026, 1, 20))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("0.95")))
}

func TestLookupBeforeFirstRateIsNotFound(t *testing.T) {
	table := NewTable([]ExchangeRate{rate("USD", "EUR", "0.90", date(2026, 1, 10))}, 0)

	_, _, err := table.Lookup("USD", "EUR", date(2026, 1, 9))
	assert.True(t, errors.Is(err, ErrRateNotFound))
}

func TestLookupUsesInversePair(t *testing.T) {
	table := NewTable([]ExchangeRate{rate("EUR", "USD", "1.25", date(2026, 1, 1))}, 0)

	got, _, err := table.Lookup("USD", "EUR", date(2026, 2, 1))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("0.8")), got.String())
}

func TestLookupSameCurrencyIsIdentity(t *testing.T) {
	var table *Table
	got, _, err := table.Lookup("IDR", "IDR", date(2026, 1, 1))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(1)))
}

func TestConvertFlagsStaleRates(t *testing.T) {
	table := NewTable([]ExchangeRate{rate("USD", "EUR", "0.92", date(2026, 1, 1))}, 30*24*time.Hour)

	fresh, err := table.Convert(decimal.NewFromInt(100), "USD", "EUR", date(2026, 1, 31))
	require.NoError(t, err)
	assert.False(t, fresh.Stale)
	assert.True(t, fresh.Amount.Equal(decimal.NewFromInt(92)))

	stale, err := table.Convert(decimal.NewFromInt(100), "USD", "EUR", date(2026, 2, 1))
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.True(t, stale.Amount.Equal(decimal.NewFromInt(92)))
}

func TestStalenessIsMeasuredFromChargeDay(t *testing.T) {
	table := NewTable([]ExchangeRate{
		rate("USD", "EUR", "0.92", date(2026, 1, 1)),
		rate("USD", "EUR", "0.94", date(2026, 3, 1)),
	}, 30*24*time.Hour)

	// a January charge converted long after January is still fresh
	jan, err := table.Convert(decimal.NewFromInt(100), "USD", "EUR", date(2026, 1, 20))
	require.NoError(t, err)
	assert.False(t, jan.Stale)

	// mid February had no update for 45 days, even though one came later
	feb, err := table.Convert(decimal.NewFromInt(100), "USD", "EUR", date(2026, 2, 15))
	require.NoError(t, err)
	assert.True(t, feb.Stale)
	assert.Equal(t, date(2026, 1, 1), feb.EffectiveDate)
}

func TestNormalizeCurrency(t *testing.T) {
	code, err := NormalizeCurrency(" usd ")
	require.NoError(t, err)
	assert.Equal(t, "USD", code)

	for _, bad := range []string{"", "US", "USDT", "U5D"} {
		_, err := NormalizeCurrency(bad)
		assert.ErrorIs(t, err, ErrInvalidCurrency, bad)
	}
}
