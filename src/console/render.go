package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/uber/bridge-kernel/src/bridge/display"
	"github.com/uber/bridge-kernel/src/bridge/kernel"
)

const _styleAuto = "auto"

// terminalRenderer draws display objects as terminal text, markdown through glamour.
type terminalRenderer struct {
	out      io.Writer
	markdown *glamour.TermRenderer
}

func newRenderer(cfg consoleConfig, streams kernel.Streams) (display.Renderer, error) {
	return newTerminalRenderer(streams.Stdout, cfg.Style, cfg.WordWrap)
}

func newTerminalRenderer(out io.Writer, style string, wordWrap int) (*terminalRenderer, error) {
	styleOpt := glamour.WithStandardStyle(style)
	if style == _styleAuto {
		styleOpt = glamour.WithAutoStyle()
	}

	md, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(wordWrap))
	if err != nil {
		return nil, fmt.Errorf("creating markdown renderer: %w", err)
	}
	return &terminalRenderer{out: out, markdown: md}, nil
}

func (r *terminalRenderer) Render(obj any) error {
	switch o := obj.(type) {
	case *display.Markdown:
		return r.renderMarkdown(o.Text)
	case *display.JSON:
		data, err := json.MarshalIndent(o.Data, "", "  ")
		if err != nil {
			return fmt.Errorf("formatting json: %w", err)
		}
		return r.renderMarkdown("```json\n" + string(data) + "\n```")
	case *display.Text:
		return r.write(o.Text)
	case *display.HTML:
		return r.write(o.HTML)
	case *display.Image:
		return r.write(fmt.Sprintf("[%s image, %d bytes]", o.Format, len(o.Data)))
	default:
		return fmt.Errorf("cannot render %T in a terminal", obj)
	}
}

func (r *terminalRenderer) renderMarkdown(text string) error {
	out, err := r.markdown.Render(text)
	if err != nil {
		return fmt.Errorf("rendering markdown: %w", err)
	}
	return r.write(out)
}

func (r *terminalRenderer) write(text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, err := io.WriteString(r.out, text)
	return err
}
