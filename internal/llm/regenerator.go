package llm

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"vibewidget/internal/logging"
	"vibewidget/internal/sandbox"
	"vibewidget/internal/statebus"
)

// Regenerator drives widget code through the model and reacts to sandbox
// failures published on the bus.
//
// Error handling is edge-detected on the (error, retry_count) pair: a
// level-triggered re-flush of an already-handled failure is ignored, but
// the same error text recurring after a repair (the fix raised the count)
// is a fresh failure and consumes another attempt.
//
// Each repair publishes the incremented retry count, the new code, the
// cleared error and the new status in one atomic batch, so no observer can
// see the new code paired with the old count.
type Regenerator struct {
	bus      *statebus.Bus
	client   Client
	maxRetry int
	dataInfo string
	log      *logging.Logger

	mu          sync.Mutex
	busy        bool
	lastErr     string
	lastRetries int

	remove func()
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// RegenOption configures a Regenerator.
type RegenOption func(*Regenerator)

// WithMaxRetries overrides the repair budget (default sandbox.MaxRetries).
func WithMaxRetries(n int) RegenOption {
	return func(r *Regenerator) { r.maxRetry = n }
}

// WithDataInfo sets the data summary included in every model prompt.
func WithDataInfo(info string) RegenOption {
	return func(r *Regenerator) { r.dataInfo = info }
}

// NewRegenerator creates a regenerator bound to bus and client. Call Start
// to begin observing failures.
func NewRegenerator(bus *statebus.Bus, client Client, opts ...RegenOption) *Regenerator {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Regenerator{
		bus:      bus,
		client:   client,
		maxRetry: sandbox.MaxRetries,
		log:      logging.Get(logging.CategoryLLM),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the error observer.
func (r *Regenerator) Start() {
	r.remove = r.bus.Observe(func(statebus.Change) { r.onErrorNotify() }, statebus.KeyErrorMessage)
}

// Close unregisters the observer and waits for an in-flight repair to
// resolve (its result is discarded).
func (r *Regenerator) Close() {
	if r.remove != nil {
		r.remove()
		r.remove = nil
	}
	r.cancel()
	r.wg.Wait()
}

// Generate produces the first code version for a description and publishes
// it with a reset retry budget.
func (r *Regenerator) Generate(ctx context.Context, description string) error {
	r.bus.Set(statebus.KeyStatus, statebus.StatusGenerating)
	r.bus.AppendLog("Generating widget code...")
	r.bus.Flush()

	code, err := r.client.GenerateCode(ctx, description, r.dataInfo)
	if err != nil {
		r.bus.SetAll(map[statebus.Key]any{
			statebus.KeyStatus:       statebus.StatusError,
			statebus.KeyErrorMessage: err.Error(),
		})
		r.bus.AppendLog("Generation failed: " + err.Error())
		r.bus.Flush()
		return err
	}

	r.bus.SetAll(map[statebus.Key]any{
		statebus.KeyCode:         code,
		statebus.KeyStatus:       statebus.StatusReady,
		statebus.KeyErrorMessage: "",
		statebus.KeyRetryCount:   0,
	})
	r.bus.AppendLog("Widget code generated")
	r.bus.Flush()
	r.log.Info("generated initial code version (%d bytes)", len(code))
	return nil
}

func (r *Regenerator) onErrorNotify() {
	errMsg := r.bus.GetString(statebus.KeyErrorMessage)
	retries := r.bus.GetInt(statebus.KeyRetryCount)

	r.mu.Lock()
	if errMsg == "" {
		r.lastErr = ""
		r.mu.Unlock()
		return
	}
	if r.busy || retries >= r.maxRetry {
		r.mu.Unlock()
		return
	}
	if errMsg == r.lastErr && retries == r.lastRetries {
		r.mu.Unlock()
		return // re-flush of an already-handled failure
	}
	r.busy = true
	r.lastErr = errMsg
	r.lastRetries = retries
	r.mu.Unlock()

	code := r.bus.GetString(statebus.KeyCode)
	attempt := retries + 1

	preview := strings.SplitN(errMsg, "\n", 2)[0]
	if len(preview) > 100 {
		preview = preview[:100]
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.repair(code, errMsg, attempt, preview)
	}()
}

// clearBusy reopens the regenerator for the next failure. It must run
// before the repair outcome is flushed: the flush itself may deliver the
// next failure notification.
func (r *Regenerator) clearBusy() {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
}

func (r *Regenerator) repair(code, errMsg string, attempt int, preview string) {
	if r.ctx.Err() != nil {
		return
	}
	r.bus.Set(statebus.KeyStatus, statebus.StatusGenerating)
	r.bus.AppendLog("Error detected (attempt " + strconv.Itoa(attempt) + "): " + preview)
	r.bus.AppendLog("Asking LLM to fix the error...")
	r.bus.Flush()

	fixed, err := r.client.FixCode(r.ctx, code, errMsg, r.dataInfo)
	if r.ctx.Err() != nil {
		return // regenerator closed; nothing may touch the bus
	}
	if err != nil {
		r.clearBusy()
		r.bus.SetAll(map[statebus.Key]any{
			statebus.KeyStatus:       statebus.StatusError,
			statebus.KeyErrorMessage: "",
			statebus.KeyRetryCount:   attempt,
		})
		r.bus.AppendLog("Fix attempt failed: " + err.Error())
		r.bus.Flush()
		r.log.Error("repair attempt %d failed: %v", attempt, err)
		return
	}

	r.clearBusy()
	r.bus.SetAll(map[statebus.Key]any{
		statebus.KeyRetryCount:   attempt,
		statebus.KeyCode:         fixed,
		statebus.KeyStatus:       statebus.StatusReady,
		statebus.KeyErrorMessage: "",
	})
	r.bus.AppendLog("Code fixed, retrying...")
	r.bus.Flush()
	r.log.Info("published repair attempt %d (%d bytes)", attempt, len(fixed))
}
