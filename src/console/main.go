package main

import (
	"github.com/uber/bridge-kernel/src/bridge/kernel"
	"github.com/uber/bridge-kernel/src/internal/core"
	"github.com/uber/bridge-kernel/src/internal/fs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func opts() fx.Option {
	return fx.Options(
		kernel.Module,
		fs.Module,
		core.ConfigModule,
		core.LoggerModule,
		core.MetricsModule,
		fx.Decorate(decorateConsoleConfig),
		fx.Provide(loadConsoleConfig),
		fx.Provide(newCompleter),
		fx.Provide(newReadline),
		fx.Provide(newStreams),
		fx.Provide(newRenderer),
		fx.Invoke(registerREPL),
	)
}

func main() {
	fx.New(
		opts(),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger}
		}),
	).Run()
}
