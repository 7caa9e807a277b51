package handler

import (
	backendcontroller "github.com/uber/bridge-kernel/src/bridge/controller/backend"
	"go.uber.org/fx"
)

// registerShutdownNotice closes the controller before the execution server drops the connection,
// so that the front-end receives the disconnect notification.
// Invoked after every constructor, so its stop hook runs first.
func registerShutdownNotice(lc fx.Lifecycle, ctrl backendcontroller.Controller) {
	lc.Append(fx.Hook{OnStop: ctrl.Close})
}
