package core

import (
	"context"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx"
)

const _metricsReportInterval = time.Second

// MetricsModule provides the root tally.Scope, tagged with service.name and closed on stop.
var MetricsModule = fx.Options(
	fx.Provide(NewScope),
)

// NewScope creates the root metrics scope.
func NewScope(lc fx.Lifecycle, provider config.Provider) tally.Scope {
	opts := tally.ScopeOptions{Tags: map[string]string{}}
	if name := provider.Get(_configKeyServiceName).String(); name != "" {
		opts.Tags["service"] = name
	}
	scope, closer := tally.NewRootScope(opts, _metricsReportInterval)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return closer.Close()
		},
	})
	return scope
}
