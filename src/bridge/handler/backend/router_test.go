package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/uber-go/tally"
	"github.com/uber/bridge-kernel/src/bridge/factory"
	"go.lsp.dev/jsonrpc2"
)

func TestHandleReq(t *testing.T) {
	ctx := context.Background()
	scope := tally.NewTestScope("testing", make(map[string]string, 0))
	m := jsonRPCRouter{stats: scope}

	request, _ := jsonrpc2.NewCall(jsonrpc2.NewNumberID(5), "sampleMethod", []string{"val1", "val2"})
	err := m.HandleReq(ctx, newMockReplier(), request)
	assert.ErrorIs(t, err, jsonrpc2.ErrMethodNotFound)
	assert.Equal(t, int64(1), scope.Snapshot().Counters()["testing.unknown_method+"].Value())
}

func TestUUID(t *testing.T) {
	sampleUUID := factory.UUID()
	m := jsonRPCRouter{uuid: sampleUUID}
	assert.Equal(t, sampleUUID, m.UUID())
}
