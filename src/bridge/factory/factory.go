package factory

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	"go.lsp.dev/jsonrpc2"
)

// UUID is a user-defined factory for a random uuid.UUID.
func UUID() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}

// JSONRPCRequest is a user-defined factory for a JSON-RPC request containing the specified method and parameters.
func JSONRPCRequest(method string, params interface{}) jsonrpc2.Request {
	req, _ := jsonrpc2.NewCall(jsonrpc2.NewNumberID(5), method, params)
	return req
}

// JSONRPCNotification is a factory for a JSON-RPC notification containing the specified method and parameters.
func JSONRPCNotification(method string, params interface{}) jsonrpc2.Request {
	req, _ := jsonrpc2.NewNotification(method, params)
	return req
}

// BackendDescriptor is a factory for a descriptor of a TCP backend with the given id and address.
func BackendDescriptor(id string, address string) entity.BackendDescriptor {
	return entity.BackendDescriptor{
		ID:       id,
		Date:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Protocol: entity.ProtocolVersion,
		Argv:     []string{"bridge"},
		Network:  "tcp",
		Address:  address,
		Workers:  1,
	}
}
