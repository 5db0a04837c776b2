package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vibewidget/internal/statebus"
)

// fakeClient scripts model replies and records every repair request.
type fakeClient struct {
	mu        sync.Mutex
	generated string
	genErr    error
	fixed     map[string]string // broken code -> fixed code
	fixErr    error
	fixCalls  []string
	block     chan struct{} // when set, FixCode waits for release or ctx
}

func newFakeClient() *fakeClient {
	return &fakeClient{fixed: make(map[string]string)}
}

func (f *fakeClient) GenerateCode(ctx context.Context, description, dataInfo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generated, f.genErr
}

func (f *fakeClient) FixCode(ctx context.Context, brokenCode, errorMessage, dataInfo string) (string, error) {
	f.mu.Lock()
	f.fixCalls = append(f.fixCalls, brokenCode)
	gate := f.block
	fixed := f.fixed[brokenCode]
	err := f.fixErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return fixed, err
}

func (f *fakeClient) fixCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fixCalls)
}

func waitForCode(t *testing.T, bus *statebus.Bus, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.GetString(statebus.KeyCode) == want },
		2*time.Second, 5*time.Millisecond,
		"bus never carried the expected code version")
}

func TestGeneratePublishesCodeWithResetBudget(t *testing.T) {
	bus := statebus.New()
	bus.Set(statebus.KeyRetryCount, 2) // stale budget from a previous widget

	fc := newFakeClient()
	fc.generated = "func Render(input string) (string, error) { return input, nil }"

	r := NewRegenerator(bus, fc)
	require.NoError(t, r.Generate(context.Background(), "a bar chart"))

	require.Equal(t, fc.generated, bus.GetString(statebus.KeyCode))
	require.Equal(t, statebus.StatusReady, bus.GetString(statebus.KeyStatus))
	require.Equal(t, 0, bus.GetInt(statebus.KeyRetryCount))
	require.Equal(t, "", bus.GetString(statebus.KeyErrorMessage))
	require.Contains(t, bus.GetStrings(statebus.KeyLogs), "Widget code generated")
}

func TestGenerateFailureSetsErrorStatus(t *testing.T) {
	bus := statebus.New()
	fc := newFakeClient()
	fc.genErr = errors.New("model unavailable")

	r := NewRegenerator(bus, fc)
	require.Error(t, r.Generate(context.Background(), "a bar chart"))

	require.Equal(t, statebus.StatusError, bus.GetString(statebus.KeyStatus))
	require.Contains(t, bus.GetString(statebus.KeyErrorMessage), "model unavailable")
}

func TestRepairBatchesCounterWithNewCode(t *testing.T) {
	bus := statebus.New()
	bus.Set(statebus.KeyCode, "broken-v1")
	fc := newFakeClient()
	fc.fixed["broken-v1"] = "fixed-v2"

	r := NewRegenerator(bus, fc)
	r.Start()
	defer r.Close()

	// Every notification of either key must show count and code in step:
	// (0, broken-v1) before the repair, (1, fixed-v2) after, never mixed.
	var torn atomic.Bool
	bus.Observe(func(statebus.Change) {
		count := bus.GetInt(statebus.KeyRetryCount)
		code := bus.GetString(statebus.KeyCode)
		if (count == 0) != (code == "broken-v1") {
			torn.Store(true)
		}
	}, statebus.KeyRetryCount)

	bus.Set(statebus.KeyErrorMessage, "code evaluation failed: boom")
	bus.Flush()

	waitForCode(t, bus, "fixed-v2")
	require.Equal(t, 1, bus.GetInt(statebus.KeyRetryCount))
	require.Equal(t, "", bus.GetString(statebus.KeyErrorMessage))
	require.Equal(t, statebus.StatusReady, bus.GetString(statebus.KeyStatus))
	require.False(t, torn.Load(), "observer saw new code paired with old retry count")
}

func TestRepairSkippedAtRetryBudget(t *testing.T) {
	bus := statebus.New()
	bus.Set(statebus.KeyCode, "broken")
	bus.Set(statebus.KeyRetryCount, 2)

	fc := newFakeClient()
	r := NewRegenerator(bus, fc)
	r.Start()
	defer r.Close()

	bus.Set(statebus.KeyErrorMessage, "still broken")
	bus.Flush()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, fc.fixCallCount(), "budget-exhausted failure must not reach the model")
}

func TestRepairSkipsEmptyError(t *testing.T) {
	bus := statebus.New()
	fc := newFakeClient()
	r := NewRegenerator(bus, fc)
	r.Start()
	defer r.Close()

	bus.Set(statebus.KeyErrorMessage, "")
	bus.Flush()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, fc.fixCallCount())
}

func TestRepairIgnoresLevelTriggeredReflush(t *testing.T) {
	bus := statebus.New()
	bus.Set(statebus.KeyCode, "broken")
	fc := newFakeClient()
	fc.fixed["broken"] = "fixed"

	r := NewRegenerator(bus, fc)
	r.Start()
	defer r.Close()

	bus.Set(statebus.KeyErrorMessage, "boom")
	bus.Flush()
	waitForCode(t, bus, "fixed")

	// Unrelated flushes re-notify the error key without a value change.
	bus.Flush()
	bus.Flush()
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 1, fc.fixCallCount(), "same failure repaired more than once")
}

func TestSameErrorAfterRepairConsumesNextAttempt(t *testing.T) {
	bus := statebus.New()
	bus.Set(statebus.KeyCode, "broken-v1")
	fc := newFakeClient()
	fc.fixed["broken-v1"] = "broken-v2"
	fc.fixed["broken-v2"] = "fixed-v3"

	r := NewRegenerator(bus, fc)
	r.Start()
	defer r.Close()

	bus.Set(statebus.KeyErrorMessage, "identical failure text")
	bus.Flush()
	waitForCode(t, bus, "broken-v2")

	// The repaired code fails with the exact same message. The raised
	// retry count distinguishes it from a re-flush.
	bus.Set(statebus.KeyErrorMessage, "identical failure text")
	bus.Flush()
	waitForCode(t, bus, "fixed-v3")

	require.Equal(t, 2, bus.GetInt(statebus.KeyRetryCount))
	require.Equal(t, 2, fc.fixCallCount())
}

func TestRepairFailureTerminatesWithErrorStatus(t *testing.T) {
	bus := statebus.New()
	bus.Set(statebus.KeyCode, "broken")
	fc := newFakeClient()
	fc.fixErr = errors.New("model unavailable")

	r := NewRegenerator(bus, fc)
	r.Start()
	defer r.Close()

	bus.Set(statebus.KeyErrorMessage, "boom")
	bus.Flush()

	require.Eventually(t, func() bool {
		return bus.GetString(statebus.KeyStatus) == statebus.StatusError
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, bus.GetInt(statebus.KeyRetryCount), "failed attempt still consumes budget")
	require.Equal(t, "broken", bus.GetString(statebus.KeyCode), "broken code left in place")
}

func TestCloseAbandonsInFlightRepair(t *testing.T) {
	// The opencensus stats worker is started by a dependency's package init,
	// not by the code under test.
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	bus := statebus.New()
	bus.Set(statebus.KeyCode, "broken")
	fc := newFakeClient()
	fc.block = make(chan struct{}) // never released; ctx unblocks

	r := NewRegenerator(bus, fc)
	r.Start()

	bus.Set(statebus.KeyErrorMessage, "boom")
	bus.Flush()

	require.Eventually(t, func() bool { return fc.fixCallCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	r.Close()

	require.Equal(t, "broken", bus.GetString(statebus.KeyCode),
		"abandoned repair leaked onto the bus")
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"bare source", "func Render() {}", "func Render() {}"},
		{"fenced", "```go\nfunc Render() {}\n```", "func Render() {}"},
		{"fenced no language", "```\nfunc Render() {}\n```", "func Render() {}"},
		{"surrounding whitespace", "\n\n```go\nfunc Render() {}\n```\n", "func Render() {}"},
		{"unterminated fence", "```go\nfunc Render() {}", "func Render() {}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, extractCode(tt.reply))
		})
	}
}
