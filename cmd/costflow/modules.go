package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/costflow/internal/aggregation"
	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/config"
	"github.com/smallbiznis/costflow/internal/costrecord"
	"github.com/smallbiznis/costflow/internal/credential"
	"github.com/smallbiznis/costflow/internal/exchangerate"
	"github.com/smallbiznis/costflow/internal/hierarchy"
	"github.com/smallbiznis/costflow/internal/migration"
	"github.com/smallbiznis/costflow/internal/observability"
	"github.com/smallbiznis/costflow/internal/pipeline"
	"github.com/smallbiznis/costflow/internal/provider"
	"github.com/smallbiznis/costflow/internal/quota"
	"github.com/smallbiznis/costflow/internal/ratelimit"
	"github.com/smallbiznis/costflow/internal/tenant"
	"github.com/smallbiznis/costflow/pkg/db"
	"go.uber.org/fx"
)

// infraModules is shared by every command that touches the database.
func infraModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
	)
}

// domainModules wires the pipeline and the aggregation cache on top of infrastructure.
func domainModules() fx.Option {
	return fx.Options(
		migration.Module,
		ratelimit.Module,
		tenant.Module,
		hierarchy.Module,
		costrecord.Module,
		exchangerate.Module,
		provider.Module,
		credential.Module,
		quota.Module,
		pipeline.Module,
		aggregation.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
