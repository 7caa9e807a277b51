package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/bridge-kernel/src/bridge/display"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name         string
		obj          any
		wantContains []string
		wantErr      bool
	}{
		{
			name:         "markdown",
			obj:          &display.Markdown{Text: "# Results\n\nAll **good**."},
			wantContains: []string{"Results", "good"},
		},
		{
			name:         "json",
			obj:          &display.JSON{Data: map[string]any{"answer": 42}},
			wantContains: []string{`"answer"`, "42"},
		},
		{
			name:         "text",
			obj:          &display.Text{Text: "plain"},
			wantContains: []string{"plain\n"},
		},
		{
			name:         "html",
			obj:          &display.HTML{HTML: "<b>bold</b>"},
			wantContains: []string{"<b>bold</b>\n"},
		},
		{
			name:         "image",
			obj:          &display.Image{Data: []byte{0x89, 0x50, 0x4E, 0x47}, Format: "png"},
			wantContains: []string{"[png image, 4 bytes]\n"},
		},
		{
			name:    "unsupported",
			obj:     struct{}{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			r, err := newTerminalRenderer(&out, "notty", 80)
			require.NoError(t, err)

			err = r.Render(tt.obj)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Empty(t, out.String())
				return
			}
			require.NoError(t, err)
			for _, want := range tt.wantContains {
				assert.Contains(t, out.String(), want)
			}
		})
	}
}

func TestNewRendererUnknownStyle(t *testing.T) {
	_, err := newTerminalRenderer(&bytes.Buffer{}, "no-such-style", 80)
	assert.Error(t, err)
}
