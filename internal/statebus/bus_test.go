package statebus

import (
	"testing"
)

func TestGetUnsetKeyReturnsNil(t *testing.T) {
	bus := New()
	if v := bus.Get("never_written"); v != nil {
		t.Errorf("Expected nil for unset key, got %v", v)
	}
}

func TestSetThenFlushNotifiesOnce(t *testing.T) {
	bus := New()

	var got []Change
	bus.On("code", func(c Change) { got = append(got, c) })

	bus.Set(KeyCode, "function f(){}")
	bus.Flush()

	if len(got) != 1 {
		t.Fatalf("Expected exactly 1 notification, got %d", len(got))
	}
	if got[0].Name != KeyCode {
		t.Errorf("Expected key %q, got %q", KeyCode, got[0].Name)
	}
	if got[0].NewValue != "function f(){}" {
		t.Errorf("Unexpected value: %v", got[0].NewValue)
	}
}

func TestFlushIsLevelTriggered(t *testing.T) {
	bus := New()

	count := 0
	bus.On("status", func(Change) { count++ })

	bus.Set(KeyStatus, StatusReady)
	bus.Flush()
	bus.Flush() // no intervening Set

	if count != 2 {
		t.Errorf("Expected 2 notifications (level-triggered), got %d", count)
	}
}

func TestPrefixedAndBareFormsShareListenerSet(t *testing.T) {
	bus := New()

	count := 0
	id := bus.On("change:code", func(Change) { count++ })

	bus.Set(KeyCode, "x")
	bus.Flush()
	if count != 1 {
		t.Fatalf("Prefixed registration did not fire: count=%d", count)
	}

	// Removal through the bare form must remove the prefixed registration.
	bus.Off("code", id)
	bus.Flush()
	if count != 1 {
		t.Errorf("Expected no notification after Off, got count=%d", count)
	}
}

func TestOffSilencesHandler(t *testing.T) {
	bus := New()

	fired := 0
	keep := 0
	id := bus.On("code", func(Change) { fired++ })
	bus.On("code", func(Change) { keep++ })

	bus.Set(KeyCode, "a")
	bus.Flush()

	bus.Off("code", id)
	bus.Off("code", id) // idempotent

	bus.Set(KeyCode, "b")
	bus.Flush()

	if fired != 1 {
		t.Errorf("Removed handler fired %d times, want 1", fired)
	}
	if keep != 2 {
		t.Errorf("Sibling handler fired %d times, want 2", keep)
	}
}

func TestListenersFireInRegistrationOrder(t *testing.T) {
	bus := New()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		bus.On("logs", func(Change) { order = append(order, i) })
	}

	bus.Set(KeyLogs, []string{"hello"})
	bus.Flush()

	for i, v := range order {
		if v != i {
			t.Fatalf("Out-of-order delivery: %v", order)
		}
	}
}

func TestListenerPanicDoesNotBlockSiblings(t *testing.T) {
	bus := New()

	after := false
	bus.On("code", func(Change) { panic("faulty listener") })
	bus.On("code", func(Change) { after = true })

	bus.Set(KeyCode, "x")
	bus.Flush()

	if !after {
		t.Error("Listener after panicking sibling was not invoked")
	}
}

func TestBatchedSetAllIsAtomicAcrossFlush(t *testing.T) {
	bus := New()

	// A consumer of error_message must observe retry_count already written.
	var seenRetry int
	bus.On("error_message", func(Change) {
		seenRetry = bus.GetInt(KeyRetryCount)
	})

	bus.SetAll(map[Key]any{
		KeyErrorMessage: "boom",
		KeyRetryCount:   1,
	})
	bus.Flush()

	if seenRetry != 1 {
		t.Errorf("Observed torn state: retry_count=%d during error_message notification", seenRetry)
	}
}

func TestObserveExplicitKeys(t *testing.T) {
	bus := New()

	var names []Key
	remove := bus.Observe(func(c Change) { names = append(names, c.Name) }, KeyCode, KeyStatus)

	bus.Set(KeyCode, "x")
	bus.Set(KeyStatus, StatusReady)
	bus.Set(KeyLogs, []string{"ignored"})
	bus.Flush()

	if len(names) != 2 {
		t.Fatalf("Expected 2 notifications, got %d: %v", len(names), names)
	}

	remove()
	bus.Flush()
	if len(names) != 2 {
		t.Errorf("Observe removal leaked notifications: %v", names)
	}
}

func TestObserveAllKnownKeysIsNotRetroactive(t *testing.T) {
	bus := New()
	bus.Set(KeyCode, "x")

	count := 0
	bus.Observe(func(Change) { count++ })

	// Added after the Observe call; must not be covered.
	bus.Set(KeyStatus, StatusReady)
	bus.Flush()

	if count != 1 {
		t.Errorf("Expected 1 notification (code only), got %d", count)
	}
}

func TestAppendLog(t *testing.T) {
	bus := New()
	bus.Set(KeyLogs, []string{"first"})
	bus.AppendLog("second")

	logs := bus.GetStrings(KeyLogs)
	if len(logs) != 2 || logs[1] != "second" {
		t.Errorf("Unexpected logs: %v", logs)
	}
}

func TestHandlerMayMutateBusDuringFlush(t *testing.T) {
	bus := New()

	bus.On("code", func(Change) {
		bus.Set(KeyStatus, StatusDone) // write without flush is allowed
	})
	bus.Set(KeyCode, "x")
	bus.Flush()

	if bus.GetString(KeyStatus) != StatusDone {
		t.Error("Handler write during flush was lost")
	}
}
