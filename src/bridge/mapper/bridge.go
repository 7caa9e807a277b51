package mapper

import (
	"encoding/json"
	"fmt"

	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/bridge/internal/errors"
	"go.lsp.dev/jsonrpc2"
)

// RequestToHandshakeParams maps the parameters from a jsonrpc2.Request into entity.HandshakeParams.
func RequestToHandshakeParams(req jsonrpc2.Request) (*entity.HandshakeParams, error) {
	params := entity.HandshakeParams{}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// RequestToExecuteParams maps the parameters from a jsonrpc2.Request into entity.ExecuteParams.
func RequestToExecuteParams(req jsonrpc2.Request) (*entity.ExecuteParams, error) {
	params := entity.ExecuteParams{}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// RequestToCompleteParams maps the parameters from a jsonrpc2.Request into entity.CompleteParams.
func RequestToCompleteParams(req jsonrpc2.Request) (*entity.CompleteParams, error) {
	params := entity.CompleteParams{}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	if params.CursorPos < 0 {
		return nil, wrapErrParse(fmt.Errorf("negative cursor_pos %d", params.CursorPos))
	}
	return &params, nil
}

// RequestToStreamChunk maps a bridge/stream notification into entity.StreamChunk.
func RequestToStreamChunk(req jsonrpc2.Request) (*entity.StreamChunk, error) {
	chunk := entity.StreamChunk{}
	if err := unmarshalParams(req, &chunk); err != nil {
		return nil, &errors.ProtocolError{Reason: err.Error()}
	}
	switch chunk.Name {
	case entity.StreamStdout, entity.StreamStderr:
	default:
		return nil, &errors.ProtocolError{Reason: fmt.Sprintf("unknown stream %q", chunk.Name)}
	}
	return &chunk, nil
}

// RequestToDisplayRequest maps a bridge/display notification into a validated entity.DisplayRequest.
func RequestToDisplayRequest(req jsonrpc2.Request) (*entity.DisplayRequest, error) {
	display := entity.DisplayRequest{}
	if err := unmarshalParams(req, &display); err != nil {
		return nil, &errors.ProtocolError{Reason: err.Error()}
	}
	if err := display.Validate(); err != nil {
		return nil, &errors.ProtocolError{Reason: err.Error()}
	}
	return &display, nil
}

func unmarshalParams(req jsonrpc2.Request, v any) error {
	params := req.Params()
	if len(params) == 0 || string(params) == "null" {
		return wrapErrParse(fmt.Errorf("missing params for %q", req.Method()))
	}
	if err := json.Unmarshal(params, v); err != nil {
		return wrapErrParse(err)
	}
	return nil
}

func wrapErrParse(err error) error {
	return fmt.Errorf("%s: %w", jsonrpc2.ErrParse, err)
}
