package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const inversePrecision = 12

type pair struct {
	base  string
	quote string
}

// Table answers point-in-time rate lookups over a fixed set of rates.
// It is safe for concurrent reads.
type Table struct {
	rates      map[pair][]ExchangeRate
	staleAfter time.Duration
}

func NewTable(rates []ExchangeRate, staleAfter time.Duration) *Table {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	grouped := make(map[pair][]ExchangeRate)
	for _, rate := range rates {
		key := pair{base: rate.BaseCurrency, quote: rate.QuoteCurrency}
		rate.EffectiveDate = DateOf(rate.EffectiveDate)
		grouped[key] = append(grouped[key], rate)
	}
	for key := range grouped {
		items := grouped[key]
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].EffectiveDate.Before(items[j].EffectiveDate)
		})
	}
	return &Table{rates: grouped, staleAfter: staleAfter}
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	total := 0
	for _, items := range t.rates {
		total += len(items)
	}
	return total
}

// Lookup returns the latest rate from -> to effective on or before on.
// The direct pair wins; otherwise the inverse of the reverse pair is used.
func (t *Table) Lookup(from, to string, on time.Time) (decimal.Decimal, time.Time, error) {
	day := DateOf(on)
	if from == to {
		return decimal.NewFromInt(1), day, nil
	}
	if t == nil {
		return decimal.Zero, time.Time{}, ErrRateNotFound
	}

	if rate, ok := t.latest(pair{base: from, quote: to}, day); ok {
		return rate.Rate, rate.EffectiveDate, nil
	}
	if rate, ok := t.latest(pair{base: to, quote: from}, day); ok && rate.Rate.IsPositive() {
		return decimal.NewFromInt(1).DivRound(rate.Rate, inversePrecision), rate.EffectiveDate, nil
	}
	return decimal.Zero, time.Time{}, ErrRateNotFound
}

// Convert expresses amount in the to currency using the rate in force on the given day.
// A conversion is stale when the rate used is older than the configured threshold
// on the charge day, so a historical conversion keeps its flag whenever it is read.
func (t *Table) Convert(amount decimal.Decimal, from, to string, on time.Time) (Conversion, error) {
	rate, effective, err := t.Lookup(from, to, on)
	if err != nil {
		return Conversion{}, err
	}
	conv := Conversion{
		Amount:        amount.Mul(rate),
		Rate:          rate,
		EffectiveDate: effective,
	}
	if from != to {
		conv.Stale = DateOf(on).Sub(effective) > t.staleAfter
	}
	return conv, nil
}

func (t *Table) latest(key pair, day time.Time) (ExchangeRate, bool) {
	items := t.rates[key]
	idx := sort.Search(len(items), func(i int) bool {
		return items[i].EffectiveDate.After(day)
	})
	if idx == 0 {
		return ExchangeRate{}, false
	}
	return items[idx-1], true
}
