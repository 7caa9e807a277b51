package model

import (
	"github.com/gofrs/uuid"
	"go.lsp.dev/jsonrpc2"
)

// Session is the repository layer model for the front-end session attached to a backend.
type Session struct {
	UUID           uuid.UUID
	Conn           jsonrpc2.Conn
	ClientName     string
	Protocol       string
	ExecutionCount int
}
