package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/uber/bridge-kernel/src/bridge/kernel"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _banner = "Bridge Kernel console. %connect to attach to a backend, %backends to list them, Ctrl-D to quit."

// completer adapts kernel completion to readline, which wants the suffixes to insert at the cursor.
type completer struct {
	mu     sync.Mutex
	kernel kernel.Kernel
}

func newCompleter() *completer {
	return &completer{}
}

func (c *completer) setKernel(k kernel.Kernel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kernel = k
}

func (c *completer) Do(line []rune, pos int) ([][]rune, int) {
	c.mu.Lock()
	k := c.kernel
	c.mu.Unlock()
	if k == nil {
		return nil, 0
	}

	result := k.Complete(context.Background(), string(line), pos)
	if len(result.Matches) == 0 {
		return nil, 0
	}

	start := result.CursorStart
	if start < 0 || start > pos {
		start = pos
	}
	prefix := string(line[start:pos])

	var suffixes [][]rune
	for _, m := range result.Matches {
		if !strings.HasPrefix(m, prefix) {
			continue
		}
		suffixes = append(suffixes, []rune(strings.TrimPrefix(m, prefix)))
	}
	return suffixes, len([]rune(prefix))
}

func newReadline(cfg consoleConfig, c *completer) (*readline.Instance, error) {
	return readline.NewEx(&readline.Config{
		Prompt:          prompt(0),
		HistoryFile:     cfg.HistoryFile,
		AutoComplete:    c,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
}

func newStreams(rl *readline.Instance) kernel.Streams {
	return kernel.Streams{Stdout: rl.Stdout(), Stderr: rl.Stderr()}
}

func prompt(executionCount int) string {
	return fmt.Sprintf("In [%d]: ", executionCount+1)
}

type replParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Readline   *readline.Instance
	Completer  *completer
	Kernel     kernel.Kernel
	Logger     *zap.SugaredLogger
}

type repl struct {
	rl         *readline.Instance
	kernel     kernel.Kernel
	shutdowner fx.Shutdowner
	logger     *zap.SugaredLogger
	done       chan struct{}
}

func registerREPL(p replParams) {
	p.Completer.setKernel(p.Kernel)

	r := &repl{
		rl:         p.Readline,
		kernel:     p.Kernel,
		shutdowner: p.Shutdowner,
		logger:     p.Logger,
		done:       make(chan struct{}),
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: r.start,
		OnStop:  r.stop,
	})
}

func (r *repl) start(ctx context.Context) error {
	io.WriteString(r.rl.Stdout(), _banner+"\n")
	go r.run()
	return nil
}

func (r *repl) run() {
	defer close(r.done)

	for {
		r.rl.SetPrompt(prompt(r.kernel.ExecutionCount()))
		line, err := r.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := r.kernel.Execute(context.Background(), line); err != nil {
			r.logger.Warnw("executing input", zap.Error(err))
		}
	}

	if err := r.shutdowner.Shutdown(); err != nil {
		r.logger.Warnw("shutting down", zap.Error(err))
	}
}

func (r *repl) stop(ctx context.Context) error {
	err := r.rl.Close()
	select {
	case <-r.done:
	case <-ctx.Done():
	}
	return err
}
