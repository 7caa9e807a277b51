package gateway

import (
	"github.com/uber/bridge-kernel/src/bridge/gateway/frontend"
	"go.uber.org/fx"
)

// Module provides the outbound front-end gateway.
var Module = fx.Provide(frontend.New)
