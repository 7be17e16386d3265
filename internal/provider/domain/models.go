package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Family groups providers whose usage data has the same shape.
type Family string

const (
	FamilyInfrastructure Family = "infrastructure"
	FamilyAIModel        Family = "ai_model"
	FamilySubscription   Family = "subscription"
)

func (f Family) Valid() bool {
	switch f {
	case FamilyInfrastructure, FamilyAIModel, FamilySubscription:
		return true
	}
	return false
}

// DateRange is an inclusive range of UTC calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

var ErrInvalidDateRange = errors.New("invalid_date_range")

// ParseDateRange parses two YYYY-MM-DD values.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(time.DateOnly, strings.TrimSpace(start))
	if err != nil {
		return DateRange{}, ErrInvalidDateRange
	}
	e, err := time.Parse(time.DateOnly, strings.TrimSpace(end))
	if err != nil {
		return DateRange{}, ErrInvalidDateRange
	}
	return NewDateRange(s, e)
}

func NewDateRange(start, end time.Time) (DateRange, error) {
	r := DateRange{Start: day(start), End: day(end)}
	if r.End.Before(r.Start) {
		return DateRange{}, ErrInvalidDateRange
	}
	return r, nil
}

// Contains reports whether t falls on one of the range's days.
func (r DateRange) Contains(t time.Time) bool {
	d := day(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

// Days lists every day in the range in ascending order.
func (r DateRange) Days() []time.Time {
	var out []time.Time
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// EndExclusive is the instant after the last day of the range.
func (r DateRange) EndExclusive() time.Time {
	return r.End.AddDate(0, 0, 1)
}

func (r DateRange) String() string {
	return fmt.Sprintf("%s..%s", r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly))
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RawUsageRecord is one line of provider usage before normalization.
// It lives only for the duration of a pipeline run.
type RawUsageRecord struct {
	Provider    string
	AccountID   string
	ResourceID  string
	Service     string
	Labels      map[string]string
	Quantity    decimal.Decimal
	Unit        string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Cost        decimal.Decimal
	ListCost    decimal.Decimal
	Currency    string
	// Attributes carries family specific measurements such as token counts.
	Attributes map[string]string
}

// CostFields are the native-currency amounts computed for one raw record.
type CostFields struct {
	Billed    decimal.Decimal
	Effective decimal.Decimal
	List      decimal.Decimal
	Currency  string
}

// Credential is a decrypted provider credential. Secret must be wiped after use.
type Credential struct {
	TenantID string
	Provider string
	Secret   []byte
	Config   map[string]string
}

// Wipe zeroes the secret in place.
func (c *Credential) Wipe() {
	if c == nil {
		return
	}
	for i := range c.Secret {
		c.Secret[i] = 0
	}
	c.Secret = nil
}

func (c *Credential) Setting(key string) string {
	if c == nil || c.Config == nil {
		return ""
	}
	return strings.TrimSpace(c.Config[key])
}

type ExtractRequest struct {
	TenantID  string
	Range     DateRange
	BatchSize int
}

// BatchSink receives extracted records. Returning an error stops extraction
// and the error is returned from ExtractUsage unchanged.
type BatchSink func(ctx context.Context, batch []RawUsageRecord) error

// Processor extracts usage from one provider and prices it in the provider's currency.
type Processor interface {
	ID() string
	Family() Family
	ExtractUsage(ctx context.Context, cred *Credential, req ExtractRequest, sink BatchSink) error
	CalculateCosts(raw RawUsageRecord) (CostFields, error)
}

// Throttle paces outbound provider calls per key.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// ParseTags reads "k=v;k=v" tag lists. Keys without a value separator are skipped.
func ParseTags(value string) map[string]string {
	tags := map[string]string{}
	for _, pair := range strings.Split(value, ";") {
		key, val, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		tags[key] = strings.TrimSpace(val)
	}
	return tags
}
