package provider

import (
	"net/http"

	"github.com/smallbiznis/costflow/internal/config"
	"github.com/smallbiznis/costflow/internal/provider/aimodel"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"github.com/smallbiznis/costflow/internal/provider/infrastructure"
	"github.com/smallbiznis/costflow/internal/provider/subscription"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const processorGroup = `group:"processors"`

var Module = fx.Module("provider",
	fx.Provide(newHTTPClient),
	fx.Provide(
		fx.Annotate(newInfrastructure, fx.As(new(providerdomain.Processor)), fx.ResultTags(processorGroup)),
		fx.Annotate(newAIModel, fx.As(new(providerdomain.Processor)), fx.ResultTags(processorGroup)),
		fx.Annotate(newSubscription, fx.As(new(providerdomain.Processor)), fx.ResultTags(processorGroup)),
	),
	fx.Provide(fx.Annotate(newRegistry, fx.ParamTags(processorGroup))),
)

type providerHTTPClient struct {
	*http.Client
}

func newHTTPClient(cfg config.Config) providerHTTPClient {
	return providerHTTPClient{Client: &http.Client{
		Timeout:   cfg.Provider.HTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
}

func newInfrastructure(log *zap.Logger, throttle providerdomain.Throttle) *infrastructure.Processor {
	return infrastructure.New(log, throttle)
}

func newAIModel(log *zap.Logger, client providerHTTPClient, throttle providerdomain.Throttle) *aimodel.Processor {
	return aimodel.New(log, client.Client, throttle)
}

func newSubscription(log *zap.Logger, client providerHTTPClient, throttle providerdomain.Throttle) *subscription.Processor {
	return subscription.New(log, client.Client, throttle)
}

func newRegistry(processors []providerdomain.Processor) (*providerdomain.Registry, error) {
	return providerdomain.NewRegistry(processors...)
}
