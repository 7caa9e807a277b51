package display

import (
	"fmt"
)

// Module is the module name the built-in constructors are registered under.
const Module = "bridge"

// Image is raw image data in a named format such as png or jpeg.
type Image struct {
	Data   []byte
	Format string
}

// Markdown is markdown source.
type Markdown struct {
	Text string
}

// HTML is an HTML fragment.
type HTML struct {
	HTML string
}

// Text is plain text.
type Text struct {
	Text string
}

// JSON is an arbitrary JSON value.
type JSON struct {
	Data any
}

// NewDefaultRegistry returns a registry holding the built-in constructors.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// RegisterBuiltins adds image, markdown, html, text and json under Module.
func RegisterBuiltins(r *Registry) {
	r.Register(Module, "image", Func([]Param{{Name: "data"}, {Name: "format", Default: "png"}}, func(v map[string]any) (any, error) {
		data, ok := v["data"].([]byte)
		if !ok {
			return nil, fmt.Errorf("data must be bytes, got %T", v["data"])
		}
		format, err := stringArg(v, "format")
		if err != nil {
			return nil, err
		}
		return &Image{Data: data, Format: format}, nil
	}))

	r.Register(Module, "markdown", Func([]Param{{Name: "text"}}, func(v map[string]any) (any, error) {
		text, err := stringArg(v, "text")
		if err != nil {
			return nil, err
		}
		return &Markdown{Text: text}, nil
	}))

	r.Register(Module, "html", Func([]Param{{Name: "html"}}, func(v map[string]any) (any, error) {
		html, err := stringArg(v, "html")
		if err != nil {
			return nil, err
		}
		return &HTML{HTML: html}, nil
	}))

	r.Register(Module, "text", Func([]Param{{Name: "text"}}, func(v map[string]any) (any, error) {
		text, err := stringArg(v, "text")
		if err != nil {
			return nil, err
		}
		return &Text{Text: text}, nil
	}))

	r.Register(Module, "json", Func([]Param{{Name: "data"}}, func(v map[string]any) (any, error) {
		return &JSON{Data: v["data"]}, nil
	}))
}

func stringArg(values map[string]any, name string) (string, error) {
	s, ok := values[name].(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", name, values[name])
	}
	return s, nil
}
