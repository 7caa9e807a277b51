// Package entity contains the domain types shared by the bridge backend and its front-end clients.
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/uri"
)

type keyType string

// SessionContextKey indicates the key to be used to identify the session UUID in the context.
const SessionContextKey keyType = "SessionUUID"

// ProtocolVersion is the session protocol version spoken by this build.
const ProtocolVersion = "1"

// JSON-RPC methods sent from the front-end to the backend.
const (
	MethodHandshake  = "bridge/handshake"
	MethodExecute    = "bridge/execute"
	MethodComplete   = "bridge/complete"
	MethodDisconnect = "bridge/disconnect"
)

// JSON-RPC notifications sent from the backend to the front-end.
const (
	MethodStream  = "bridge/stream"
	MethodDisplay = "bridge/display"
	// The backend reuses MethodDisconnect to announce that it is ending the session.
)

// CommandKind discriminates the commands a front-end may send.
type CommandKind string

const (
	// CommandExecute runs a code fragment in the shared namespace.
	CommandExecute CommandKind = "execute"
	// CommandComplete asks for completion candidates at a cursor offset.
	CommandComplete CommandKind = "complete"
	// CommandDisconnect ends the session.
	CommandDisconnect CommandKind = "disconnect"
)

// BackendDescriptor describes a connectable backend without connecting to it.
type BackendDescriptor struct {
	ID       string    `json:"id" yaml:"id"`
	Date     time.Time `json:"date" yaml:"date"`
	Protocol string    `json:"protocol" yaml:"protocol"`
	Argv     []string  `json:"argv" yaml:"argv"`
	Network  string    `json:"network,omitempty" yaml:"network,omitempty"`
	Address  string    `json:"address,omitempty" yaml:"address,omitempty"`
	Socket   uri.URI   `json:"socket,omitempty" yaml:"socket,omitempty"`
	Workers  int       `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// Endpoint returns the network and address to dial for this backend.
func (d BackendDescriptor) Endpoint() (network string, address string, err error) {
	if d.Socket != "" {
		return "unix", d.Socket.Filename(), nil
	}
	if d.Address == "" {
		return "", "", fmt.Errorf("backend %q has no address", d.ID)
	}
	if d.Network == "" {
		return "tcp", d.Address, nil
	}
	return d.Network, d.Address, nil
}

// Session entity representing the single front-end connected to a backend.
type Session struct {
	UUID           uuid.UUID     `json:"uuid" zap:"uuid"`
	Conn           jsonrpc2.Conn `json:"-" zap:"-"`
	ClientName     string        `json:"clientName" zap:"clientName"`
	Protocol       string        `json:"protocol" zap:"protocol"`
	ExecutionCount int           `json:"executionCount" zap:"executionCount"`
}

// HandshakeParams are sent by the front-end when it opens a session.
type HandshakeParams struct {
	Protocol   string `json:"protocol"`
	ClientName string `json:"client_name,omitempty"`
}

// HandshakeResult is the backend's answer to a successful handshake.
type HandshakeResult struct {
	Descriptor  BackendDescriptor `json:"descriptor"`
	SessionUUID uuid.UUID         `json:"session_uuid"`
}

// ExecuteParams carries the code of an EXECUTE command.
type ExecuteParams struct {
	Code string `json:"code"`
}

// CompleteParams carries the code and cursor of a COMPLETE command.
// CursorPos counts unicode code points from the start of Code.
type CompleteParams struct {
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

// StreamName identifies the standard stream a chunk was written to.
type StreamName string

const (
	// StreamStdout is the standard output stream.
	StreamStdout StreamName = "stdout"
	// StreamStderr is the standard error stream, also used for all diagnostics.
	StreamStderr StreamName = "stderr"
)

// StreamChunk is one piece of text written during an EXECUTE command.
type StreamChunk struct {
	Name StreamName `json:"name"`
	Text string     `json:"text"`
}

// CompletionResult lists candidates replacing Code[CursorStart:CursorEnd].
type CompletionResult struct {
	Matches     []string `json:"matches"`
	CursorStart int      `json:"cursor_start"`
	CursorEnd   int      `json:"cursor_end"`
}

// DisplayArgs holds constructor arguments, either positional or keyword but never both.
type DisplayArgs struct {
	Positional []any
	Keyword    map[string]any
}

// PositionalArgs builds positional DisplayArgs.
func PositionalArgs(args ...any) DisplayArgs {
	if args == nil {
		args = []any{}
	}
	return DisplayArgs{Positional: args}
}

// KeywordArgs builds keyword DisplayArgs.
func KeywordArgs(kwargs map[string]any) DisplayArgs {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return DisplayArgs{Keyword: kwargs}
}

// IsPositional reports whether the arguments are an ordered sequence.
func (a DisplayArgs) IsPositional() bool {
	return a.Positional != nil && a.Keyword == nil
}

// IsKeyword reports whether the arguments are a mapping.
func (a DisplayArgs) IsKeyword() bool {
	return a.Keyword != nil && a.Positional == nil
}

// Valid reports whether exactly one argument form is set.
func (a DisplayArgs) Valid() bool {
	return a.IsPositional() || a.IsKeyword()
}

// MarshalJSON encodes positional arguments as an array and keyword arguments as an object.
func (a DisplayArgs) MarshalJSON() ([]byte, error) {
	switch {
	case a.IsPositional():
		return json.Marshal(a.Positional)
	case a.IsKeyword():
		return json.Marshal(a.Keyword)
	case a.Positional == nil && a.Keyword == nil:
		return []byte("null"), nil
	default:
		return nil, errors.New("display args must be positional or keyword, not both")
	}
}

// UnmarshalJSON accepts an array or an object. Any other JSON value leaves the arguments unset.
func (a *DisplayArgs) UnmarshalJSON(data []byte) error {
	*a = DisplayArgs{}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case []any:
		a.Positional = v
	case map[string]any:
		a.Keyword = v
	}
	return nil
}

// DisplayRequest asks the front-end to construct and render an object.
type DisplayRequest struct {
	Module      string      `json:"module"`
	Attr        string      `json:"attr"`
	Args        DisplayArgs `json:"args"`
	DecodeBytes []string    `json:"decode_bytes,omitempty"`
}

// Validate checks that the request names a module, an attribute, and carries arguments.
func (r *DisplayRequest) Validate() error {
	if r == nil || r.Module == "" || r.Attr == "" || !r.Args.Valid() {
		return errors.New("message must contain 'module', 'attr', and 'args'")
	}
	return nil
}

// ServerState is a state of the backend execution server.
type ServerState string

const (
	ServerIdle       ServerState = "idle"
	ServerListening  ServerState = "listening"
	ServerServing    ServerState = "serving"
	ServerExecuting  ServerState = "executing"
	ServerCompleting ServerState = "completing"
	ServerStopped    ServerState = "stopped"
)

// WorkerCommandKind is a command broadcast from the coordinator to every worker.
type WorkerCommandKind string

const (
	// WorkerExecute runs code on every worker.
	WorkerExecute WorkerCommandKind = "execute"
	// WorkerStop ends the worker loops.
	WorkerStop WorkerCommandKind = "stop"
)

// WorkerCommand is the payload of the coordinator's broadcast.
type WorkerCommand struct {
	Kind        WorkerCommandKind `json:"kind"`
	Code        string            `json:"code,omitempty"`
	SessionUUID uuid.UUID         `json:"session_uuid"`
}
