package sandbox

import (
	"context"
	"fmt"
	"sync"

	"vibewidget/internal/logging"
	"vibewidget/internal/statebus"
)

// MaxRetries bounds how many regeneration round-trips a failing code
// version may consume before the loader reports a terminal failure. The
// counter itself lives on the bus (retry_count) and is incremented by the
// host when it regenerates; the loader only reads it.
const MaxRetries = 2

// State is the loader's position in its lifecycle for the current code
// version.
type State int

const (
	StateIdle State = iota
	StateCompiling
	StateLoaded
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCompiling:
		return "compiling"
	case StateLoaded:
		return "loaded"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Loader watches the bus's code field, compiles each new version through
// its Compiler, and publishes the outcome back to the bus.
//
// Cancellation is by generation stamping: every attempt captures the code
// value it started from and its result is discarded if that value has been
// superseded by the time it resolves. No result is ever applied out of
// generation order.
type Loader struct {
	bus      *statebus.Bus
	compiler Compiler
	maxRetry int
	onLoaded func(EntryPoint)
	log      *logging.Logger

	mu       sync.Mutex
	state    State
	code     string // code value of the current generation
	started  bool   // false until the first code value arrives
	attempts int    // attempts consumed by the current code version
	entry    EntryPoint

	remove func() // bus observer removal
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Loader.
type Option func(*Loader)

// WithMaxRetries overrides the retry budget (default MaxRetries).
func WithMaxRetries(n int) Option {
	return func(l *Loader) { l.maxRetry = n }
}

// WithOnLoaded registers the rendering collaborator's hook; it receives the
// entry point of every successfully loaded code version.
func WithOnLoaded(fn func(EntryPoint)) Option {
	return func(l *Loader) { l.onLoaded = fn }
}

// NewLoader creates a loader bound to bus and compiler. Call Start to begin
// observing code changes.
func NewLoader(bus *statebus.Bus, compiler Compiler, opts ...Option) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		bus:      bus,
		compiler: compiler,
		maxRetry: MaxRetries,
		log:      logging.Get(logging.CategorySandbox),
		state:    StateIdle,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start registers the code observer. Bus notifications are level-triggered,
// so the loader edge-detects code changes itself. If a code value is
// already present on the bus it is compiled immediately.
func (l *Loader) Start() {
	l.remove = l.bus.Observe(func(statebus.Change) { l.onCodeNotify() }, statebus.KeyCode)
	if l.bus.GetString(statebus.KeyCode) != "" {
		l.onCodeNotify()
	}
}

// Close unregisters the observer and waits for in-flight compiles to
// resolve (their results are discarded).
func (l *Loader) Close() {
	if l.remove != nil {
		l.remove()
		l.remove = nil
	}
	l.cancel()
	l.wg.Wait()
}

// State returns the loader's current state.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Entry returns the entry point of the last successfully loaded code
// version, or nil.
func (l *Loader) Entry() EntryPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entry
}

// Attempts returns how many compile attempts the current code version has
// consumed (0-based generation stamp; resets when code changes).
func (l *Loader) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// onCodeNotify handles a flush of the code key. Any in-flight compile for
// a superseded value keeps running but its result will be discarded.
func (l *Loader) onCodeNotify() {
	code := l.bus.GetString(statebus.KeyCode)

	l.mu.Lock()
	if l.started && code == l.code {
		l.mu.Unlock()
		return // level-triggered re-notification, not a new version
	}
	l.started = true
	l.code = code
	l.attempts = 0
	l.entry = nil
	if code == "" {
		l.state = StateIdle
		l.mu.Unlock()
		return
	}
	l.state = StateCompiling
	l.attempts++
	l.mu.Unlock()

	l.log.Info("compiling new code version (%d bytes)", len(code))
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ep, err := l.compiler.CompileAndLoad(l.ctx, code)
		l.resolve(code, ep, err)
	}()
}

// resolve applies a compile result, unless the code value it was stamped
// with has been superseded.
func (l *Loader) resolve(code string, ep EntryPoint, err error) {
	if l.ctx.Err() != nil {
		return // loader closed; nothing may touch the bus
	}
	l.mu.Lock()
	if code != l.code {
		l.mu.Unlock()
		l.log.Debug("discarding result for superseded code version")
		return
	}

	if err == nil {
		l.state = StateLoaded
		l.entry = ep
		onLoaded := l.onLoaded
		l.mu.Unlock()

		// Success clears the failure fields in one atomic notification.
		// A newer code version arriving between the stamp check above and
		// this write is benign for the bus: that version is already in
		// Compiling and its own resolution overwrites these fields.
		l.bus.SetAll(map[statebus.Key]any{
			statebus.KeyErrorMessage: "",
			statebus.KeyRetryCount:   0,
		})
		l.bus.Flush()
		l.log.Info("code version loaded")

		// Re-check the stamp after the flush so a superseded entry point
		// is never handed to the host.
		l.mu.Lock()
		stale := code != l.code
		l.mu.Unlock()
		if !stale && onLoaded != nil {
			onLoaded(ep)
		}
		return
	}

	retries := l.bus.GetInt(statebus.KeyRetryCount)
	if retries < l.maxRetry {
		l.state = StateRetrying
		l.mu.Unlock()

		// Publish the full error in one flush; incrementing retry_count is
		// the host's job when it regenerates and rewrites code.
		l.bus.Set(statebus.KeyErrorMessage, err.Error())
		l.bus.Flush()
		l.log.Info("compile failed (retry %d/%d): %v", retries+1, l.maxRetry, err)
		return
	}

	l.state = StateFailed
	l.mu.Unlock()

	l.bus.SetAll(map[statebus.Key]any{
		statebus.KeyErrorMessage: TerminalMessage(err.Error()),
		statebus.KeyStatus:       statebus.StatusError,
	})
	l.bus.Flush()
	l.log.Error("retry budget exhausted, terminal failure: %v", err)
}

// Run executes the currently loaded entry point with the given input.
func (l *Loader) Run(ctx context.Context, input string) (string, error) {
	ep := l.Entry()
	if ep == nil {
		return "", fmt.Errorf("no loaded code version (state %s)", l.State())
	}
	return ep(ctx, input)
}
