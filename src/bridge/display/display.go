// Package display marshals rich display objects between the backend and the front-end.
//
// The backend describes an object as a constructor call: a module, an attribute within it, and the
// arguments to call it with. Binary argument values travel base64 encoded and are listed in
// DecodeBytes so the front-end knows which ones to restore before calling the constructor.
package display

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/uber/bridge-kernel/src/bridge/entity"
	"github.com/uber/bridge-kernel/src/bridge/internal/errors"
)

// Renderer shows constructed display objects to the user.
type Renderer interface {
	Render(obj any) error
}

// Constructor builds a display object from the request arguments.
type Constructor func(args entity.DisplayArgs) (any, error)

// Encode builds a display request for module.attr called with args, which must be []any (positional) or map[string]any (keyword).
func Encode(module string, attr string, args any) (*entity.DisplayRequest, error) {
	req := &entity.DisplayRequest{
		Module: module,
		Attr:   attr,
	}

	switch a := args.(type) {
	case []any:
		positional := make([]any, len(a))
		for i, v := range a {
			if b, ok := v.([]byte); ok {
				positional[i] = base64.StdEncoding.EncodeToString(b)
				req.DecodeBytes = append(req.DecodeBytes, strconv.Itoa(i))
				continue
			}
			positional[i] = v
		}
		req.Args = entity.PositionalArgs(positional...)
	case map[string]any:
		keyword := make(map[string]any, len(a))
		for k, v := range a {
			if b, ok := v.([]byte); ok {
				keyword[k] = base64.StdEncoding.EncodeToString(b)
				req.DecodeBytes = append(req.DecodeBytes, k)
				continue
			}
			keyword[k] = v
		}
		// Map iteration order is random.
		sort.Strings(req.DecodeBytes)
		req.Args = entity.KeywordArgs(keyword)
	default:
		return nil, fmt.Errorf("display args must be []any or map[string]any, got %T", args)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Decode returns a copy of the request arguments with every DecodeBytes entry restored to []byte.
func Decode(req *entity.DisplayRequest) (entity.DisplayArgs, error) {
	if err := req.Validate(); err != nil {
		return entity.DisplayArgs{}, &errors.ProtocolError{Reason: err.Error()}
	}

	if req.Args.IsPositional() {
		args := make([]any, len(req.Args.Positional))
		copy(args, req.Args.Positional)
		for _, key := range req.DecodeBytes {
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(args) {
				return entity.DisplayArgs{}, fmt.Errorf("decode_bytes index %q out of range", key)
			}
			b, err := decodeValue(key, args[i])
			if err != nil {
				return entity.DisplayArgs{}, err
			}
			args[i] = b
		}
		return entity.PositionalArgs(args...), nil
	}

	args := make(map[string]any, len(req.Args.Keyword))
	for k, v := range req.Args.Keyword {
		args[k] = v
	}
	for _, key := range req.DecodeBytes {
		v, ok := args[key]
		if !ok {
			return entity.DisplayArgs{}, fmt.Errorf("decode_bytes key %q not in args", key)
		}
		b, err := decodeValue(key, v)
		if err != nil {
			return entity.DisplayArgs{}, err
		}
		args[key] = b
	}
	return entity.KeywordArgs(args), nil
}

func decodeValue(key string, v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("decode_bytes key %q holds %T, not a base64 string", key, v)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", key, err)
	}
	return b, nil
}

type constructorKey struct {
	module string
	attr   string
}

// Registry maps (module, attr) pairs to constructors. Only registered pairs can be constructed.
type Registry struct {
	mu           sync.RWMutex
	constructors map[constructorKey]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[constructorKey]Constructor),
	}
}

// Register adds or replaces the constructor for module.attr.
func (r *Registry) Register(module string, attr string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[constructorKey{module, attr}] = c
}

// Construct validates and decodes req, then calls the registered constructor.
// Malformed requests yield *errors.ProtocolError; every other failure, including a constructor panic, yields *errors.DisplayConstructionError.
func (r *Registry) Construct(req *entity.DisplayRequest) (obj any, err error) {
	if err := req.Validate(); err != nil {
		return nil, &errors.ProtocolError{Reason: err.Error()}
	}

	args, err := Decode(req)
	if err != nil {
		return nil, &errors.DisplayConstructionError{Module: req.Module, Attr: req.Attr, Err: err}
	}

	r.mu.RLock()
	c, ok := r.constructors[constructorKey{req.Module, req.Attr}]
	r.mu.RUnlock()
	if !ok {
		return nil, &errors.DisplayConstructionError{Module: req.Module, Attr: req.Attr, Err: errors.New("no such display constructor")}
	}

	defer func() {
		if p := recover(); p != nil {
			obj = nil
			err = &errors.DisplayConstructionError{Module: req.Module, Attr: req.Attr, Err: fmt.Errorf("constructor panicked: %v", p)}
		}
	}()

	obj, err = c(args)
	if err != nil {
		return nil, &errors.DisplayConstructionError{Module: req.Module, Attr: req.Attr, Err: err}
	}
	return obj, nil
}

// Param describes one named constructor parameter.
type Param struct {
	Name string
	// Default is used when the argument is omitted. A nil Default makes the parameter required.
	Default any
}

// Func binds positional or keyword arguments to params, in order, and passes the bound values to build.
func Func(params []Param, build func(values map[string]any) (any, error)) Constructor {
	return func(args entity.DisplayArgs) (any, error) {
		values := make(map[string]any, len(params))

		switch {
		case args.IsPositional():
			if len(args.Positional) > len(params) {
				return nil, fmt.Errorf("takes %d arguments but %d were given", len(params), len(args.Positional))
			}
			for i, v := range args.Positional {
				values[params[i].Name] = v
			}
		case args.IsKeyword():
			known := make(map[string]bool, len(params))
			for _, p := range params {
				known[p.Name] = true
			}
			for k, v := range args.Keyword {
				if !known[k] {
					return nil, fmt.Errorf("unexpected keyword argument %q", k)
				}
				values[k] = v
			}
		default:
			return nil, errors.New("args must be positional or keyword")
		}

		for _, p := range params {
			if _, ok := values[p.Name]; ok {
				continue
			}
			if p.Default == nil {
				return nil, fmt.Errorf("missing required argument %q", p.Name)
			}
			values[p.Name] = p.Default
		}

		return build(values)
	}
}
