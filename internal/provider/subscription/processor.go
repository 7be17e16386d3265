// Package subscription ingests per-seat SaaS subscriptions and prorates them per day.
package subscription

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	ProviderID = "saas_seats"

	SettingBaseURL = "base_url"

	subscriptionsPath = "/v1/subscriptions"
	maxResponseBytes  = 8 << 20

	attrSeatPrice     = "seat_price"
	attrBillingPeriod = "billing_period"

	periodMonthly = "monthly"
	periodAnnual  = "annual"

	prorationPrecision = 10
)

type Processor struct {
	log      *zap.Logger
	client   *http.Client
	throttle providerdomain.Throttle
}

func New(log *zap.Logger, client *http.Client, throttle providerdomain.Throttle) *Processor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if throttle == nil {
		throttle = providerdomain.NoThrottle
	}
	return &Processor{
		log:      log.Named("provider.subscription"),
		client:   client,
		throttle: throttle,
	}
}

func (p *Processor) ID() string                    { return ProviderID }
func (p *Processor) Family() providerdomain.Family { return providerdomain.FamilySubscription }

func (p *Processor) ExtractUsage(ctx context.Context, cred *providerdomain.Credential, req providerdomain.ExtractRequest, sink providerdomain.BatchSink) error {
	baseURL := cred.Setting(SettingBaseURL)
	if baseURL == "" {
		return providerdomain.Permanent(ProviderID, "configure", fmt.Errorf("%w: %s", providerdomain.ErrMissingSetting, SettingBaseURL))
	}
	if len(cred.Secret) == 0 {
		return providerdomain.Permanent(ProviderID, "configure", fmt.Errorf("%w: token", providerdomain.ErrMissingSetting))
	}

	cursor := ""
	for {
		if err := p.throttle.Wait(ctx, ProviderID+":"+req.TenantID); err != nil {
			return err
		}
		body, err := p.fetch(ctx, cred, baseURL, cursor)
		if err != nil {
			return err
		}
		records, next, err := parseSubscriptions(body, req.Range)
		if err != nil {
			return providerdomain.Permanent(ProviderID, "parse", err)
		}
		if len(records) > 0 {
			if err := sink(ctx, records); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

// CalculateCosts spreads the seat price evenly over the days of the billing period
// that contains the record's day.
func (p *Processor) CalculateCosts(raw providerdomain.RawUsageRecord) (providerdomain.CostFields, error) {
	price, err := decimal.NewFromString(raw.Attributes[attrSeatPrice])
	if err != nil || price.IsNegative() {
		return providerdomain.CostFields{}, fmt.Errorf("%w: %s", providerdomain.ErrMalformedPayload, attrSeatPrice)
	}

	days := daysInPeriod(raw.PeriodStart, raw.Attributes[attrBillingPeriod])
	daily := raw.Quantity.Mul(price).DivRound(decimal.NewFromInt(int64(days)), prorationPrecision)
	return providerdomain.CostFields{
		Billed:    daily,
		Effective: daily,
		List:      daily,
		Currency:  raw.Currency,
	}, nil
}

func (p *Processor) fetch(ctx context.Context, cred *providerdomain.Credential, baseURL, cursor string) ([]byte, error) {
	endpoint := strings.TrimRight(baseURL, "/") + subscriptionsPath
	if cursor != "" {
		endpoint += "?" + url.Values{"cursor": {cursor}}.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, providerdomain.Permanent(ProviderID, "subscriptions", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+string(cred.Secret))
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providerdomain.FromTransport(ctx, ProviderID, "subscriptions", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, providerdomain.FromTransport(ctx, ProviderID, "subscriptions", err)
	}
	if err := providerdomain.FromHTTPStatus(ProviderID, "subscriptions", resp.StatusCode, string(body)); err != nil {
		return nil, err
	}
	return body, nil
}

func parseSubscriptions(body []byte, window providerdomain.DateRange) ([]providerdomain.RawUsageRecord, string, error) {
	if !gjson.ValidBytes(body) {
		return nil, "", fmt.Errorf("%w: invalid json", providerdomain.ErrMalformedPayload)
	}
	doc := gjson.ParseBytes(body)
	subs := doc.Get("subscriptions")
	if !subs.IsArray() {
		return nil, "", fmt.Errorf("%w: subscriptions is not an array", providerdomain.ErrMalformedPayload)
	}

	var records []providerdomain.RawUsageRecord
	for _, sub := range subs.Array() {
		id := strings.TrimSpace(sub.Get("id").String())
		product := strings.TrimSpace(sub.Get("product").String())
		if id == "" || product == "" {
			return nil, "", fmt.Errorf("%w: subscription without id or product", providerdomain.ErrMalformedPayload)
		}
		seatPrice, err := decimal.NewFromString(sub.Get("seat_price").String())
		if err != nil {
			return nil, "", fmt.Errorf("%w: seat_price for %s", providerdomain.ErrMalformedPayload, id)
		}
		started, err := time.Parse(time.DateOnly, sub.Get("started_at").String())
		if err != nil {
			return nil, "", fmt.Errorf("%w: started_at for %s", providerdomain.ErrMalformedPayload, id)
		}
		var cancelled *time.Time
		if raw := sub.Get("cancelled_at"); raw.Exists() && raw.Type != gjson.Null && raw.String() != "" {
			at, err := time.Parse(time.DateOnly, raw.String())
			if err != nil {
				return nil, "", fmt.Errorf("%w: cancelled_at for %s", providerdomain.ErrMalformedPayload, id)
			}
			cancelled = &at
		}

		period := strings.ToLower(sub.Get("billing_period").String())
		if period == "" {
			period = periodMonthly
		}
		if period != periodMonthly && period != periodAnnual {
			return nil, "", fmt.Errorf("%w: billing_period %q", providerdomain.ErrMalformedPayload, period)
		}

		labels := map[string]string{}
		sub.Get("tags").ForEach(func(key, value gjson.Result) bool {
			labels[key.String()] = value.String()
			return true
		})

		seats := decimal.NewFromInt(sub.Get("seats").Int())
		currency := strings.ToUpper(strings.TrimSpace(sub.Get("currency").String()))
		for _, day := range window.Days() {
			if day.Before(started) || (cancelled != nil && !day.Before(*cancelled)) {
				continue
			}
			records = append(records, providerdomain.RawUsageRecord{
				Provider:    ProviderID,
				AccountID:   strings.TrimSpace(sub.Get("account_id").String()),
				ResourceID:  id,
				Service:     product,
				Labels:      labels,
				Quantity:    seats,
				Unit:        "seat-days",
				PeriodStart: day,
				PeriodEnd:   day.AddDate(0, 0, 1),
				Currency:    currency,
				Attributes: map[string]string{
					attrSeatPrice:     seatPrice.String(),
					attrBillingPeriod: period,
				},
			})
		}
	}
	return records, strings.TrimSpace(doc.Get("next_cursor").String()), nil
}

func daysInPeriod(day time.Time, period string) int {
	if period == periodAnnual {
		start := time.Date(day.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return int(start.AddDate(1, 0, 0).Sub(start).Hours() / 24)
	}
	start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	return int(start.AddDate(0, 1, 0).Sub(start).Hours() / 24)
}

var _ providerdomain.Processor = (*Processor)(nil)
