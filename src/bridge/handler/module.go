package handler

import (
	"github.com/uber/bridge-kernel/src/bridge/controller"
	backendcontroller "github.com/uber/bridge-kernel/src/bridge/controller/backend"
	"github.com/uber/bridge-kernel/src/bridge/gateway"
	handler "github.com/uber/bridge-kernel/src/bridge/handler/backend"
	"github.com/uber/bridge-kernel/src/bridge/repository/session"
	"go.uber.org/fx"
)

// Module provides the bridge backend into an Fx application.
var Module = fx.Options(
	controller.Module,
	gateway.Module,
	fx.Provide(session.New),
	fx.Provide(handler.New),
	fx.Invoke(registerShutdownNotice),
	fx.Invoke(func(h handler.Handler) {}),
	fx.Invoke(func(c backendcontroller.Controller) {}),
)
