package backend

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/uber/bridge-kernel/src/bridge/display"
	"github.com/uber/bridge-kernel/src/bridge/gateway/frontend"
	"github.com/uber/bridge-kernel/src/bridge/internal/collective"
	"github.com/uber/bridge-kernel/src/bridge/internal/namespace"
)

// worker is one rank: a namespace and the communicator it shares with the other ranks.
type worker struct {
	rank    int
	comm    collective.Communicator
	ns      *namespace.Namespace
	gateway frontend.Gateway

	// Set for the duration of a command, for use by the injected bridge package.
	mu     sync.Mutex
	ctx    context.Context
	stdout io.Writer
}

func (w *worker) run(ctx context.Context, code string, stdout io.Writer, stderr io.Writer) error {
	w.mu.Lock()
	w.ctx, w.stdout = ctx, stdout
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.ctx, w.stdout = nil, nil
		w.mu.Unlock()
	}()

	return w.ns.Exec(stdout, stderr, code)
}

func (w *worker) current() (context.Context, io.Writer) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx == nil {
		return context.Background(), io.Discard
	}
	return w.ctx, w.stdout
}

// exports is the bridge package visible to code running on this worker.
func (w *worker) exports() interp.Exports {
	return interp.Exports{
		"bridge/bridge": {
			"Rank":         reflect.ValueOf(w.comm.Rank),
			"Size":         reflect.ValueOf(w.comm.Size),
			"Display":      reflect.ValueOf(w.displayObject),
			"Image":        reflect.ValueOf(w.image),
			"Markdown":     reflect.ValueOf(w.markdown),
			"PrintAll":     reflect.ValueOf(w.printAll),
			"AllReduceSum": reflect.ValueOf(w.allReduceSum),
		},
	}
}

// displayObject asks the front-end to construct module.attr with positional args. Only the coordinator has a front-end.
func (w *worker) displayObject(module string, attr string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	return w.send(module, attr, args)
}

func (w *worker) image(data []byte, format string) error {
	return w.send(display.Module, "image", map[string]any{"data": data, "format": format})
}

func (w *worker) markdown(text string) error {
	return w.send(display.Module, "markdown", map[string]any{"text": text})
}

func (w *worker) send(module string, attr string, args any) error {
	if w.rank != _coordinatorRank {
		return nil
	}
	req, err := display.Encode(module, attr, args)
	if err != nil {
		return err
	}
	ctx, _ := w.current()
	return w.gateway.Display(ctx, req)
}

// printAll gathers one line from every rank and prints them in rank order on the coordinator.
func (w *worker) printAll(a ...any) error {
	ctx, stdout := w.current()
	line := strings.TrimSuffix(fmt.Sprintln(a...), "\n")

	lines, err := w.comm.Gather(ctx, _coordinatorRank, []byte(line))
	if err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(stdout, "%s\n", l); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) allReduceSum(value float64) (float64, error) {
	ctx, _ := w.current()
	return w.comm.AllReduceSum(ctx, value)
}
