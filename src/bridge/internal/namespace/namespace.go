// Package namespace provides the persistent interpreter state that front-end code runs in.
//
// The capability surface is fixed when the namespace is created: the Go standard library symbols
// plus the packages passed in Options.Exports. Nothing is loaded from disk at run time.
package namespace

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"github.com/uber/bridge-kernel/src/bridge/entity"
	bridgeerrors "github.com/uber/bridge-kernel/src/bridge/internal/errors"
)

var (
	_importSingle = regexp.MustCompile(`\bimport\s+(?:([A-Za-z_]\w*)\s+)?"([^"]+)"`)
	_importBlock  = regexp.MustCompile(`\bimport\s*\(([^)]*)\)`)
	_importSpec   = regexp.MustCompile(`(?m)^\s*(?:([A-Za-z_]\w*)\s+)?"([^"]+)"`)

	// Only unindented declarations are top level.
	_declShort = regexp.MustCompile(`(?m)^([A-Za-z_]\w*(?:\s*,\s*[A-Za-z_]\w*)*)\s*:=`)
	_declNamed = regexp.MustCompile(`(?m)^(?:var|const|type|func)\s+([A-Za-z_]\w*)`)

	// Import declarations at the head of a fragment, evaluated ahead of the statements that follow.
	_leadingImport = regexp.MustCompile(`^\s*import\s*(?:\([^)]*\)|(?:[A-Za-z_]\w*\s+)?"[^"]*")[ \t]*;?`)
)

// Predeclared identifiers are bindings of every scope, so they complete like definitions.
var _predeclared = []string{
	"any", "bool", "byte", "comparable", "error", "float32", "float64", "int", "int64", "rune", "string",
	"append", "cap", "clear", "close", "complex", "copy", "delete", "false", "imag", "iota", "len",
	"make", "max", "min", "new", "nil", "panic", "print", "println", "real", "recover", "true",
}

// Options configure a new Namespace.
type Options struct {
	// Exports are extra packages made importable, keyed "importpath/name" like stdlib.Symbols.
	Exports interp.Exports
	// Preload lists import paths imported before Startup runs.
	Preload []string
	// Startup is code run once when the namespace is created.
	Startup string
}

// Namespace is a persistent interpreter scope. Definitions made by one Exec are visible to the next.
type Namespace struct {
	mu      sync.Mutex
	interp  *interp.Interpreter
	stdout  *switchWriter
	stderr  *switchWriter
	symbols interp.Exports
	imports map[string]string
	names   map[string]struct{}
}

// New creates a Namespace and runs its startup code.
func New(opts Options) (*Namespace, error) {
	n := &Namespace{
		stdout:  &switchWriter{},
		stderr:  &switchWriter{},
		symbols: interp.Exports{},
		imports: make(map[string]string),
		names:   make(map[string]struct{}),
	}

	n.interp = interp.New(interp.Options{
		Stdout: n.stdout,
		Stderr: n.stderr,
	})
	if err := n.interp.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("loading standard library symbols: %w", err)
	}
	for path, syms := range stdlib.Symbols {
		n.symbols[path] = syms
	}
	if len(opts.Exports) > 0 {
		if err := n.interp.Use(opts.Exports); err != nil {
			return nil, fmt.Errorf("loading injected packages: %w", err)
		}
		for path, syms := range opts.Exports {
			n.symbols[path] = syms
		}
	}

	for _, path := range opts.Preload {
		if err := n.Exec(io.Discard, io.Discard, fmt.Sprintf("import %q", path)); err != nil {
			return nil, fmt.Errorf("importing %q: %w", path, err)
		}
	}

	if strings.TrimSpace(opts.Startup) != "" {
		if err := n.Exec(io.Discard, io.Discard, opts.Startup); err != nil {
			return nil, fmt.Errorf("running startup code: %w", err)
		}
	}

	return n, nil
}

// Exec runs code in the namespace, writing its output to stdout and stderr.
// Errors and panics raised by the code are returned as *errors.ExecutionError and leave the namespace usable.
func (n *Namespace) Exec(stdout io.Writer, stderr io.Writer, code string) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stdout.set(stdout)
	n.stderr.set(stderr)
	defer func() {
		n.stdout.set(nil)
		n.stderr.set(nil)
	}()

	defer func() {
		if r := recover(); r != nil {
			err = &bridgeerrors.ExecutionError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	for _, src := range splitImports(code) {
		if _, err := n.interp.Eval(src); err != nil {
			var p interp.Panic
			if errors.As(err, &p) {
				err = fmt.Errorf("panic: %v", p.Value)
			}
			return &bridgeerrors.ExecutionError{Err: err}
		}
	}

	n.record(code)
	return nil
}

// Complete returns the identifiers that extend the token ending at cursorPos, counted in runes.
func (n *Namespace) Complete(code string, cursorPos int) entity.CompletionResult {
	runes := []rune(code)
	if cursorPos > len(runes) {
		cursorPos = len(runes)
	}
	if cursorPos < 0 {
		cursorPos = 0
	}

	start := cursorPos
	for start > 0 && (isIdentRune(runes[start-1]) || runes[start-1] == '.') {
		start--
	}
	token := string(runes[start:cursorPos])

	result := entity.CompletionResult{
		Matches:     []string{},
		CursorStart: start,
		CursorEnd:   cursorPos,
	}
	if token == "" {
		return result
	}

	var candidates []string
	if dot := strings.LastIndex(token, "."); dot >= 0 {
		pkg, prefix := token[:dot], token[dot+1:]
		for _, member := range n.members(pkg) {
			if strings.HasPrefix(member, prefix) {
				candidates = append(candidates, pkg+"."+member)
			}
		}
	} else {
		for _, name := range n.Names() {
			if strings.HasPrefix(name, token) {
				candidates = append(candidates, name)
			}
		}
	}

	result.Matches = dedupe(candidates)
	return result
}

// Names lists the identifiers visible at the top level: definitions, imported packages and predeclared identifiers.
func (n *Namespace) Names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	names := make([]string, 0, len(n.names)+len(n.imports)+len(_predeclared))
	for name := range n.names {
		names = append(names, name)
	}
	for name := range n.imports {
		names = append(names, name)
	}
	names = append(names, _predeclared...)
	return dedupe(names)
}

// members lists the exported symbols of the imported package called pkg.
func (n *Namespace) members(pkg string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	path, ok := n.imports[pkg]
	if !ok {
		return nil
	}
	for key, syms := range n.symbols {
		if !strings.HasPrefix(key, path+"/") || strings.Contains(key[len(path)+1:], "/") {
			continue
		}
		members := make([]string, 0, len(syms))
		for name := range syms {
			// Interface wrappers generated for the interpreter are not user facing.
			if strings.HasPrefix(name, "_") {
				continue
			}
			members = append(members, name)
		}
		return members
	}
	return nil
}

// record remembers the imports and top-level declarations of successfully executed code.
func (n *Namespace) record(code string) {
	for _, m := range _importSingle.FindAllStringSubmatch(code, -1) {
		n.addImport(m[1], m[2])
	}
	for _, block := range _importBlock.FindAllStringSubmatch(code, -1) {
		for _, m := range _importSpec.FindAllStringSubmatch(block[1], -1) {
			n.addImport(m[1], m[2])
		}
	}

	for _, m := range _declShort.FindAllStringSubmatch(code, -1) {
		for _, name := range strings.Split(m[1], ",") {
			if name = strings.TrimSpace(name); name != "_" {
				n.names[name] = struct{}{}
			}
		}
	}
	for _, m := range _declNamed.FindAllStringSubmatch(code, -1) {
		n.names[m[1]] = struct{}{}
	}
}

func (n *Namespace) addImport(alias string, path string) {
	if alias == "_" || alias == "." {
		return
	}
	if alias == "" {
		alias = n.packageName(path)
	}
	n.imports[alias] = path
}

// packageName resolves the declared name of the package at path, which may differ from its last element.
func (n *Namespace) packageName(path string) string {
	for key := range n.symbols {
		if strings.HasPrefix(key, path+"/") && !strings.Contains(key[len(path)+1:], "/") {
			return key[len(path)+1:]
		}
	}
	return path[strings.LastIndex(path, "/")+1:]
}

// splitImports separates the leading import declarations of code from the statements that follow them.
func splitImports(code string) []string {
	end := 0
	for {
		loc := _leadingImport.FindStringIndex(code[end:])
		if loc == nil {
			break
		}
		end += loc[1]
	}
	if end == 0 || strings.TrimSpace(code[end:]) == "" {
		return []string{code}
	}
	return []string{code[:end], code[end:]}
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func dedupe(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	if out == nil {
		return []string{}
	}
	return out
}

// switchWriter forwards writes to whichever writer the running Exec installed, discarding them otherwise.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = w
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()

	if w == nil {
		return len(p), nil
	}
	return w.Write(p)
}
