package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/smallbiznis/costflow/internal/seed"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var seedFlags struct {
	tenant    string
	timezone  string
	plan      string
	providers []string
	hierarchy bool
	rates     bool
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Bootstrap a tenant with settings, providers, a demo hierarchy and USD rates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var seeder *seed.Seeder
		app := fx.New(infraModules(), domainModules(), fx.Provide(seed.New), fx.Populate(&seeder), fx.NopLogger)
		if err := app.Err(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		if err := app.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = app.Stop(context.Background()) }()

		summary, err := seeder.Run(ctx, seed.Options{
			TenantID:  seedFlags.tenant,
			Timezone:  seedFlags.timezone,
			PlanCode:  seedFlags.plan,
			Providers: seedFlags.providers,
			Hierarchy: seedFlags.hierarchy,
			Rates:     seedFlags.rates,
		})
		if err != nil {
			return err
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(summary)
	},
}

func init() {
	f := seedCmd.Flags()
	f.StringVar(&seedFlags.tenant, "tenant", "", "tenant id")
	f.StringVar(&seedFlags.timezone, "timezone", "", "IANA timezone for the tenant")
	f.StringVar(&seedFlags.plan, "plan", "", "quota plan code")
	f.StringSliceVar(&seedFlags.providers, "providers", nil, "providers to enable, comma separated")
	f.BoolVar(&seedFlags.hierarchy, "hierarchy", true, "create the demo organizational hierarchy")
	f.BoolVar(&seedFlags.rates, "rates", true, "append demo USD exchange rates effective today")
	_ = seedCmd.MarkFlagRequired("tenant")
}
