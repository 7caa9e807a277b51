package app

import (
	"github.com/uber/bridge-kernel/src/bridge/handler"
	"github.com/uber/bridge-kernel/src/bridge/internal/jsonrpcfx"
	"github.com/uber/bridge-kernel/src/bridge/internal/serverinfofile"
	"github.com/uber/bridge-kernel/src/internal/core"
	"github.com/uber/bridge-kernel/src/internal/fs"
	"go.uber.org/fx"
)

// Module defines the bridge backend application module.
var Module = fx.Options(
	handler.Module, // inbounds, with the controller and outbound gateway
	jsonrpcfx.Module,
	fs.Module,
	serverinfofile.Module,
	core.ConfigModule,
	core.LoggerModule,
	core.MetricsModule,
	fx.Provide(newEnvironment),
	fx.Decorate(decorateConfigProvider),
)
