// Package infrastructure ingests cloud billing exports (CUR style CSV) from S3.
package infrastructure

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"go.uber.org/zap"
)

const (
	ProviderID = "aws"

	SettingBucket      = "bucket"
	SettingPrefix      = "prefix"
	SettingRegion      = "region"
	SettingEndpoint    = "endpoint"
	SettingAccessKeyID = "access_key_id"

	defaultBatchSize = 500
)

var requiredColumns = []string{
	"usage_date", "account_id", "resource_id", "service",
	"usage_quantity", "usage_unit", "unblended_cost", "currency",
}

type Processor struct {
	log       *zap.Logger
	throttle  providerdomain.Throttle
	newSource sourceFactory
}

func New(log *zap.Logger, throttle providerdomain.Throttle) *Processor {
	if throttle == nil {
		throttle = providerdomain.NoThrottle
	}
	return &Processor{
		log:       log.Named("provider.infrastructure"),
		throttle:  throttle,
		newSource: newS3Source,
	}
}

func (p *Processor) ID() string                    { return ProviderID }
func (p *Processor) Family() providerdomain.Family { return providerdomain.FamilyInfrastructure }

func (p *Processor) ExtractUsage(ctx context.Context, cred *providerdomain.Credential, req providerdomain.ExtractRequest, sink providerdomain.BatchSink) error {
	bucket := cred.Setting(SettingBucket)
	if bucket == "" {
		return providerdomain.Permanent(ProviderID, "configure", fmt.Errorf("%w: %s", providerdomain.ErrMissingSetting, SettingBucket))
	}
	prefix := cred.Setting(SettingPrefix)

	source, err := p.newSource(ctx, cred)
	if err != nil {
		return err
	}

	if err := p.throttle.Wait(ctx, throttleKey(req.TenantID)); err != nil {
		return err
	}
	keys, err := source.List(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	sort.Strings(keys)

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	batch := make([]providerdomain.RawUsageRecord, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink(ctx, batch); err != nil {
			return err
		}
		batch = make([]providerdomain.RawUsageRecord, 0, batchSize)
		return nil
	}

	for _, key := range keys {
		if !strings.HasSuffix(strings.ToLower(key), ".csv") {
			continue
		}
		if err := p.throttle.Wait(ctx, throttleKey(req.TenantID)); err != nil {
			return err
		}
		body, err := source.Open(ctx, bucket, key)
		if err != nil {
			return err
		}
		err = readExport(body, req.Range, func(rec providerdomain.RawUsageRecord) error {
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				return flush()
			}
			return nil
		})
		_ = body.Close()
		if err != nil {
			var perr *providerdomain.Error
			if errors.As(err, &perr) {
				return err
			}
			if errors.Is(err, providerdomain.ErrMalformedPayload) {
				return providerdomain.Permanent(ProviderID, "parse "+key, err)
			}
			return err
		}
		p.log.Debug("export object processed", zap.String("key", key))
	}
	return flush()
}

// CalculateCosts treats the unblended cost as billed and effective cost. List cost
// falls back to the billed amount when the export leaves it empty.
func (p *Processor) CalculateCosts(raw providerdomain.RawUsageRecord) (providerdomain.CostFields, error) {
	if raw.Currency == "" {
		return providerdomain.CostFields{}, fmt.Errorf("%w: currency", providerdomain.ErrMalformedPayload)
	}
	list := raw.ListCost
	if list.IsZero() {
		list = raw.Cost
	}
	return providerdomain.CostFields{
		Billed:    raw.Cost,
		Effective: raw.Cost,
		List:      list,
		Currency:  raw.Currency,
	}, nil
}

func readExport(r io.Reader, window providerdomain.DateRange, emit func(providerdomain.RawUsageRecord) error) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: header: %v", providerdomain.ErrMalformedPayload, err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return fmt.Errorf("%w: missing column %s", providerdomain.ErrMalformedPayload, col)
		}
	}

	field := func(row []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("%w: line %d: %v", providerdomain.ErrMalformedPayload, line, err)
		}

		usageDate, err := time.Parse(time.DateOnly, field(row, "usage_date"))
		if err != nil {
			return fmt.Errorf("%w: line %d: usage_date", providerdomain.ErrMalformedPayload, line)
		}
		if !window.Contains(usageDate) {
			continue
		}

		quantity, err := parseAmount(field(row, "usage_quantity"))
		if err != nil {
			return fmt.Errorf("%w: line %d: usage_quantity", providerdomain.ErrMalformedPayload, line)
		}
		cost, err := parseAmount(field(row, "unblended_cost"))
		if err != nil {
			return fmt.Errorf("%w: line %d: unblended_cost", providerdomain.ErrMalformedPayload, line)
		}
		listCost, err := parseAmount(field(row, "list_cost"))
		if err != nil {
			return fmt.Errorf("%w: line %d: list_cost", providerdomain.ErrMalformedPayload, line)
		}

		rec := providerdomain.RawUsageRecord{
			Provider:    ProviderID,
			AccountID:   field(row, "account_id"),
			ResourceID:  field(row, "resource_id"),
			Service:     field(row, "service"),
			Labels:      providerdomain.ParseTags(field(row, "tags")),
			Quantity:    quantity,
			Unit:        field(row, "usage_unit"),
			PeriodStart: usageDate,
			PeriodEnd:   usageDate.AddDate(0, 0, 1),
			Cost:        cost,
			ListCost:    listCost,
			Currency:    strings.ToUpper(field(row, "currency")),
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
}

func parseAmount(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

func throttleKey(tenantID string) string {
	return ProviderID + ":" + tenantID
}

var _ providerdomain.Processor = (*Processor)(nil)
