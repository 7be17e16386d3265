package seed

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	exchangedomain "github.com/smallbiznis/costflow/internal/exchangerate/domain"
	hierarchydomain "github.com/smallbiznis/costflow/internal/hierarchy/domain"
	quotadomain "github.com/smallbiznis/costflow/internal/quota/domain"
	tenantdomain "github.com/smallbiznis/costflow/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Options describes a tenant bootstrap. Every step is idempotent.
type Options struct {
	TenantID      string
	Timezone      string
	PlanCode      string
	Providers     []string
	Hierarchy     bool
	Rates         bool
	EffectiveDate time.Time
}

type Summary struct {
	ProvidersEnabled int `json:"providers_enabled"`
	EntitiesCreated  int `json:"entities_created"`
	RatesAppended    int `json:"rates_appended"`
}

type entitySeed struct {
	id, name, level, parent string
}

var demoHierarchy = []entitySeed{
	{id: "ENG", name: "Engineering", level: hierarchydomain.LevelDepartment},
	{id: "PLATFORM", name: "Platform", level: hierarchydomain.LevelProject, parent: "ENG"},
	{id: "INFRA", name: "Infrastructure", level: hierarchydomain.LevelTeam, parent: "PLATFORM"},
	{id: "ML", name: "Machine Learning", level: hierarchydomain.LevelTeam, parent: "PLATFORM"},
	{id: "FIN", name: "Finance", level: hierarchydomain.LevelDepartment},
	{id: "CC-100", name: "Shared Services", level: hierarchydomain.LevelCostCenter, parent: "FIN"},
}

// demoRates quote one USD.
var demoRates = map[string]string{
	"EUR": "0.92",
	"GBP": "0.79",
	"JPY": "150.25",
	"IDR": "15850",
	"SGD": "1.34",
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Tenants   tenantdomain.Service
	Providers quotadomain.ProviderService
	Hierarchy hierarchydomain.AdminService
	Rates     exchangedomain.Service
}

type Seeder struct {
	log       *zap.Logger
	tenants   tenantdomain.Service
	providers quotadomain.ProviderService
	hierarchy hierarchydomain.AdminService
	rates     exchangedomain.Service
}

func New(p Params) *Seeder {
	return &Seeder{
		log:       p.Log.Named("seed"),
		tenants:   p.Tenants,
		providers: p.Providers,
		hierarchy: p.Hierarchy,
		rates:     p.Rates,
	}
}

func (s *Seeder) Run(ctx context.Context, opts Options) (Summary, error) {
	var summary Summary
	tenantID := strings.ToLower(strings.TrimSpace(opts.TenantID))
	if tenantID == "" {
		return summary, tenantdomain.ErrInvalidTenant
	}

	if _, err := s.tenants.Configure(ctx, tenantdomain.ConfigureRequest{
		TenantID: tenantID,
		PlanCode: opts.PlanCode,
		Timezone: opts.Timezone,
	}); err != nil {
		return summary, fmt.Errorf("configure tenant: %w", err)
	}

	for _, provider := range opts.Providers {
		provider = strings.ToLower(strings.TrimSpace(provider))
		if provider == "" {
			continue
		}
		if err := s.providers.Enable(ctx, tenantID, provider); err != nil {
			return summary, fmt.Errorf("enable %s: %w", provider, err)
		}
		summary.ProvidersEnabled++
	}

	if opts.Hierarchy {
		for _, e := range demoHierarchy {
			_, err := s.hierarchy.Create(ctx, hierarchydomain.CreateRequest{
				TenantID:  tenantID,
				ID:        e.id,
				Name:      e.name,
				LevelCode: e.level,
				ParentID:  e.parent,
			})
			if errors.Is(err, hierarchydomain.ErrEntityExists) {
				continue
			}
			if err != nil {
				return summary, fmt.Errorf("create entity %s: %w", e.id, err)
			}
			summary.EntitiesCreated++
		}
	}

	if opts.Rates {
		effective := opts.EffectiveDate
		if effective.IsZero() {
			effective = time.Now().UTC()
		}
		for _, quote := range slices.Sorted(maps.Keys(demoRates)) {
			_, err := s.rates.Append(ctx, exchangedomain.AppendRequest{
				BaseCurrency:  "USD",
				QuoteCurrency: quote,
				Rate:          demoRates[quote],
				EffectiveDate: effective.Format(time.DateOnly),
				Source:        "seed",
			})
			if errors.Is(err, exchangedomain.ErrRateExists) {
				continue
			}
			if err != nil {
				return summary, fmt.Errorf("append USD/%s: %w", quote, err)
			}
			summary.RatesAppended++
		}
	}

	s.log.Info("tenant seeded",
		zap.String("tenant_id", tenantID),
		zap.Int("providers_enabled", summary.ProvidersEnabled),
		zap.Int("entities_created", summary.EntitiesCreated),
		zap.Int("rates_appended", summary.RatesAppended),
	)
	return summary, nil
}
