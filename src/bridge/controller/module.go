package controller

import (
	"github.com/uber/bridge-kernel/src/bridge/controller/backend"
	"go.uber.org/fx"
)

// Module provides the backend controller.
var Module = fx.Options(
	fx.Provide(backend.New),
)
