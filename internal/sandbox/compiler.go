// Package sandbox executes untrusted, LLM-generated widget source in an
// isolated interpreter and reports success or bounded-retry failure through
// the state bus.
//
// Generated code is interpreted with Yaegi rather than compiled with the
// Go toolchain: interpretation cannot hang on module resolution, cannot
// leave binaries behind, and restricts the unit to a whitelist of safe
// stdlib packages. The only capabilities a loaded unit receives are the
// ones explicitly passed through its entry function.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"golang.org/x/sync/singleflight"
)

// EntryName is the designated entry function a generated unit must define:
//
//	func Render(input string) (string, error)
//
// input carries the host's widget data (JSON); the return value is the
// rendered output handed back to the presentation collaborator.
const EntryName = "Render"

// EntryPoint is a loaded unit's entry function, wrapped with context
// support so a hung unit can be abandoned.
type EntryPoint func(ctx context.Context, input string) (string, error)

// Compiler is the capability the loader uses to turn source text into an
// executable entry point. The mechanism (interpreter, subprocess, VM) is
// swappable behind this interface.
type Compiler interface {
	CompileAndLoad(ctx context.Context, source string) (EntryPoint, error)
}

// ErrNoEntryPoint reports a compiled unit that does not expose the
// designated entry function with the right signature. This is a contract
// violation rather than a transient fault, but because it originates from
// generated text it follows the same bounded-retry policy as any other
// failure.
var ErrNoEntryPoint = errors.New("generated unit does not define func Render(string) (string, error)")

// ErrForbiddenImport reports generated code importing a package outside
// the sandbox whitelist.
var ErrForbiddenImport = errors.New("forbidden import in generated code")

// defaultAllowedImports is the safe-stdlib whitelist. Notably absent: os,
// os/exec, net, net/http, syscall, unsafe.
var defaultAllowedImports = []string{
	"bytes",
	"encoding/base64",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"math/rand",
	"path",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
}

// YaegiCompiler compiles generated source with the Yaegi interpreter.
// Identical sources compiled concurrently are deduplicated.
type YaegiCompiler struct {
	allowed map[string]bool
	symbols interp.Exports
	group   singleflight.Group
}

// NewYaegiCompiler creates a compiler with the default import whitelist.
// Extra packages may be allowed via config (extraImports).
func NewYaegiCompiler(extraImports ...string) *YaegiCompiler {
	allowed := make(map[string]bool, len(defaultAllowedImports)+len(extraImports))
	for _, p := range defaultAllowedImports {
		allowed[p] = true
	}
	for _, p := range extraImports {
		allowed[p] = true
	}
	return &YaegiCompiler{allowed: allowed, symbols: allowedSymbols(allowed)}
}

// allowedSymbols narrows stdlib.Symbols to the whitelist. The symbol keys
// are "import/path/pkgname"; a package outside the whitelist never enters
// the interpreter, so even an import the validator cannot see has nothing
// to resolve against.
func allowedSymbols(allowed map[string]bool) interp.Exports {
	symbols := make(interp.Exports, len(allowed))
	for key, pkg := range stdlib.Symbols {
		slash := strings.LastIndexByte(key, '/')
		if slash > 0 && allowed[key[:slash]] {
			symbols[key] = pkg
		}
	}
	return symbols
}

// CompileAndLoad validates, evaluates and contract-checks source, returning
// its entry point. Each source gets its own interpreter instance so loaded
// units never share module-level state with each other or the host.
func (c *YaegiCompiler) CompileAndLoad(ctx context.Context, source string) (EntryPoint, error) {
	v, err, _ := c.group.Do(strconv.FormatUint(fnv1a(source), 16), func() (any, error) {
		return c.compile(source)
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.(EntryPoint), nil
}

func (c *YaegiCompiler) compile(source string) (EntryPoint, error) {
	if err := c.validateImports(source); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(c.symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}

	if _, err := i.Eval(wrapPackage(source)); err != nil {
		return nil, fmt.Errorf("code evaluation failed: %w", err)
	}

	entry, err := i.Eval("main." + EntryName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoEntryPoint, err)
	}
	fn, ok := entry.Interface().(func(string) (string, error))
	if !ok {
		return nil, ErrNoEntryPoint
	}

	// The interpreted function runs in its own goroutine so a hung unit
	// can be abandoned via ctx. The goroutine itself cannot be killed;
	// abandonment only releases the caller.
	ep := func(ctx context.Context, input string) (string, error) {
		resultCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("generated unit panicked: %v", r)
				}
			}()
			out, err := fn(input)
			if err != nil {
				errCh <- err
				return
			}
			resultCh <- out
		}()
		select {
		case out := <-resultCh:
			return out, nil
		case err := <-errCh:
			return "", err
		case <-ctx.Done():
			return "", fmt.Errorf("generated unit execution abandoned: %w", ctx.Err())
		}
	}
	return EntryPoint(ep), nil
}

// validateImports checks that source imports only whitelisted packages.
// The symbol filter in allowedSymbols backstops this; validation exists so
// a forbidden import is reported as ErrForbiddenImport instead of an
// undefined-symbol Eval error.
func (c *YaegiCompiler) validateImports(source string) error {
	imports, err := extractImports(source)
	if err != nil {
		return err
	}
	var forbidden []string
	for _, pkg := range imports {
		if !c.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("%w: %s", ErrForbiddenImport, strings.Join(forbidden, ", "))
	}
	return nil
}

// extractImports parses the wrapped source and returns every import path.
// A real parser rather than line scanning: the grammar allows forms
// (one-line parenthesized lists, semicolons, block comments) that textual
// matching gets wrong.
func extractImports(source string) ([]string, error) {
	f, err := parser.ParseFile(token.NewFileSet(), "unit.go", wrapPackage(source), parser.ImportsOnly)
	if err != nil {
		return nil, fmt.Errorf("code evaluation failed: %w", err)
	}
	imports := make([]string, 0, len(f.Imports))
	for _, spec := range f.Imports {
		pkg, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return nil, fmt.Errorf("code evaluation failed: bad import path %s", spec.Path.Value)
		}
		imports = append(imports, pkg)
	}
	if len(imports) == 0 {
		return nil, nil
	}
	return imports, nil
}

// wrapPackage wraps bare source in a main package declaration.
func wrapPackage(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}

// fnv1a hashes source for compile deduplication (FNV-1a).
func fnv1a(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
