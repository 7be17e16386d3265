package main

import (
	"github.com/smallbiznis/costflow/internal/pipeline"
	"github.com/smallbiznis/costflow/internal/scheduler"
	"github.com/smallbiznis/costflow/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveNoWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the scheduler and the pipeline workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []fx.Option{
			infraModules(),
			domainModules(),
			scheduler.Module,
			server.Module,
		}
		if !serveNoWorkers {
			opts = append(opts, pipeline.WithWorkers())
		}
		app := fx.New(opts...)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "accept triggers without executing pipelines in this process")
}
