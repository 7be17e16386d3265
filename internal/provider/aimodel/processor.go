// Package aimodel ingests token usage from an LLM provider's organization usage API.
package aimodel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	ProviderID = "openai"

	SettingBaseURL      = "base_url"
	SettingDiscount     = "discount_percent"
	projectTagsPrefix   = "project_tags."
	defaultBaseURL      = "https://api.openai.com"
	usagePath           = "/v1/organization/usage/completions"
	pageLimit           = 31
	maxResponseBytes    = 8 << 20
	attrInputTokens     = "input_tokens"
	attrCachedTokens    = "input_cached_tokens"
	attrOutputTokens    = "output_tokens"
	attrDiscountPercent = "discount_percent"
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
		log:      log.Named("provider.aimodel"),
		client:   client,
		throttle: throttle,
	}
}

func (p *Processor) ID() string                    { return ProviderID }
func (p *Processor) Family() providerdomain.Family { return providerdomain.FamilyAIModel }

func (p *Processor) ExtractUsage(ctx context.Context, cred *providerdomain.Credential, req providerdomain.ExtractRequest, sink providerdomain.BatchSink) error {
	if len(cred.Secret) == 0 {
		return providerdomain.Permanent(ProviderID, "configure", fmt.Errorf("%w: api key", providerdomain.ErrMissingSetting))
	}
	baseURL := cred.Setting(SettingBaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	discount := cred.Setting(SettingDiscount)
	if discount != "" {
		if _, err := decimal.NewFromString(discount); err != nil {
			return providerdomain.Permanent(ProviderID, "configure", fmt.Errorf("%w: %s", providerdomain.ErrMissingSetting, SettingDiscount))
		}
	}

	page := ""
	for {
		if err := p.throttle.Wait(ctx, ProviderID+":"+req.TenantID); err != nil {
			return err
		}
		body, err := p.fetchPage(ctx, cred, baseURL, req.Range, page)
		if err != nil {
			return err
		}

		records, next, err := parseUsagePage(body, req.Range, cred, discount)
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
		page = next
	}
}

// CalculateCosts prices tokens at list price. Effective and billed cost apply the
// negotiated discount carried on the record.
func (p *Processor) CalculateCosts(raw providerdomain.RawUsageRecord) (providerdomain.CostFields, error) {
	input, err := attrInt(raw, attrInputTokens)
	if err != nil {
		return providerdomain.CostFields{}, err
	}
	cached, err := attrInt(raw, attrCachedTokens)
	if err != nil {
		return providerdomain.CostFields{}, err
	}
	output, err := attrInt(raw, attrOutputTokens)
	if err != nil {
		return providerdomain.CostFields{}, err
	}

	list := TokenCost(PricingFor(raw.Service), input, cached, output)
	effective := list
	if pct := raw.Attributes[attrDiscountPercent]; pct != "" {
		d, err := decimal.NewFromString(pct)
		if err != nil {
			return providerdomain.CostFields{}, fmt.Errorf("%w: %s", providerdomain.ErrMalformedPayload, attrDiscountPercent)
		}
		factor := decimal.NewFromInt(1).Sub(d.Div(decimal.NewFromInt(100)))
		effective = list.Mul(factor)
	}
	return providerdomain.CostFields{
		Billed:    effective,
		Effective: effective,
		List:      list,
		Currency:  "USD",
	}, nil
}

func (p *Processor) fetchPage(ctx context.Context, cred *providerdomain.Credential, baseURL string, window providerdomain.DateRange, page string) ([]byte, error) {
	q := url.Values{}
	q.Set("start_time", strconv.FormatInt(window.Start.Unix(), 10))
	q.Set("end_time", strconv.FormatInt(window.EndExclusive().Unix(), 10))
	q.Set("bucket_width", "1d")
	q.Set("group_by", "model,project_id")
	q.Set("limit", strconv.Itoa(pageLimit))
	if page != "" {
		q.Set("page", page)
	}

	endpoint := strings.TrimRight(baseURL, "/") + usagePath + "?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, providerdomain.Permanent(ProviderID, "usage", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+string(cred.Secret))
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providerdomain.FromTransport(ctx, ProviderID, "usage", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, providerdomain.FromTransport(ctx, ProviderID, "usage", err)
	}
	if err := providerdomain.FromHTTPStatus(ProviderID, "usage", resp.StatusCode, string(body)); err != nil {
		return nil, err
	}
	return body, nil
}

func parseUsagePage(body []byte, window providerdomain.DateRange, cred *providerdomain.Credential, discount string) ([]providerdomain.RawUsageRecord, string, error) {
	if !gjson.ValidBytes(body) {
		return nil, "", fmt.Errorf("%w: invalid json", providerdomain.ErrMalformedPayload)
	}
	doc := gjson.ParseBytes(body)
	data := doc.Get("data")
	if !data.IsArray() {
		return nil, "", fmt.Errorf("%w: data is not an array", providerdomain.ErrMalformedPayload)
	}

	var records []providerdomain.RawUsageRecord
	var parseErr error
	data.ForEach(func(_, bucket gjson.Result) bool {
		start := time.Unix(bucket.Get("start_time").Int(), 0).UTC()
		if !window.Contains(start) {
			return true
		}
		end := time.Unix(bucket.Get("end_time").Int(), 0).UTC()
		bucket.Get("results").ForEach(func(_, result gjson.Result) bool {
			model := strings.TrimSpace(result.Get("model").String())
			if model == "" {
				parseErr = fmt.Errorf("%w: result without model", providerdomain.ErrMalformedPayload)
				return false
			}
			project := strings.TrimSpace(result.Get("project_id").String())
			input := result.Get("input_tokens").Int()
			cached := result.Get("input_cached_tokens").Int()
			output := result.Get("output_tokens").Int()

			labels := map[string]string{"model": model}
			if project != "" {
				labels["project_id"] = project
				for k, v := range providerdomain.ParseTags(cred.Setting(projectTagsPrefix + project)) {
					labels[k] = v
				}
			}
			attrs := map[string]string{
				attrInputTokens:  strconv.FormatInt(input, 10),
				attrCachedTokens: strconv.FormatInt(cached, 10),
				attrOutputTokens: strconv.FormatInt(output, 10),
			}
			if discount != "" {
				attrs[attrDiscountPercent] = discount
			}

			records = append(records, providerdomain.RawUsageRecord{
				Provider:    ProviderID,
				AccountID:   cred.Setting("organization"),
				ResourceID:  project,
				Service:     model,
				Labels:      labels,
				Quantity:    decimal.NewFromInt(input + output),
				Unit:        "tokens",
				PeriodStart: start,
				PeriodEnd:   end,
				Currency:    "USD",
				Attributes:  attrs,
			})
			return true
		})
		return parseErr == nil
	})
	if parseErr != nil {
		return nil, "", parseErr
	}

	next := ""
	if doc.Get("has_more").Bool() {
		next = doc.Get("next_page").String()
		if next == "" {
			return nil, "", fmt.Errorf("%w: has_more without next_page", providerdomain.ErrMalformedPayload)
		}
	}
	return records, next, nil
}

func attrInt(raw providerdomain.RawUsageRecord, key string) (int64, error) {
	value := raw.Attributes[key]
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s", providerdomain.ErrMalformedPayload, key)
	}
	return n, nil
}

var _ providerdomain.Processor = (*Processor)(nil)
