// Package hostsync exposes a read model over the state bus: a consumer
// attaches for a fixed set of host-synchronized keys and receives an
// immutable Snapshot whenever any of those keys is flushed.
package hostsync

import (
	"sync"

	"vibewidget/internal/statebus"
)

// Snapshot is an immutable projection of the host-synchronized fields at a
// point in time. Each notified change produces a fresh Snapshot; the
// previous one is superseded, never mutated.
type Snapshot struct {
	Status       string
	Logs         []string
	Code         string
	ErrorMessage string
	RetryCount   int
}

// syncedKeys is the fixed key list the adapter mirrors.
var syncedKeys = []statebus.Key{
	statebus.KeyStatus,
	statebus.KeyLogs,
	statebus.KeyCode,
	statebus.KeyErrorMessage,
	statebus.KeyRetryCount,
}

// Adapter subscribes a consumer to the synced keys of one bus and keeps a
// current Snapshot. Attach and Detach are symmetric: every listener
// registered during Attach is removed by Detach, so repeated
// mount/unmount cycles do not leak registrations.
type Adapter struct {
	bus      *statebus.Bus
	onChange func(Snapshot)

	mu      sync.Mutex
	current Snapshot
	ids     map[statebus.Key]statebus.ListenerID
}

// Attach builds an adapter on bus and registers one listener per synced
// key. onChange may be nil; Current still tracks the latest snapshot.
// The initial snapshot reflects the bus's values at attach time.
func Attach(bus *statebus.Bus, onChange func(Snapshot)) *Adapter {
	a := &Adapter{
		bus:      bus,
		onChange: onChange,
		ids:      make(map[statebus.Key]statebus.ListenerID),
	}
	a.current = a.project()
	for _, k := range syncedKeys {
		a.ids[k] = bus.On(string(k), a.handle)
	}
	return a
}

// Detach removes every listener the adapter registered. Calling Detach
// twice is harmless.
func (a *Adapter) Detach() {
	a.mu.Lock()
	ids := a.ids
	a.ids = make(map[statebus.Key]statebus.ListenerID)
	a.mu.Unlock()
	for k, id := range ids {
		a.bus.Off(string(k), id)
	}
}

// Current returns the latest snapshot.
func (a *Adapter) Current() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// handle recomputes the snapshot on any synced-key notification. The flush
// may cover several keys; recomputing from the bus each time means the
// snapshot is never torn even when only the first of a batched write has
// been notified so far.
func (a *Adapter) handle(statebus.Change) {
	snap := a.project()
	a.mu.Lock()
	a.current = snap
	a.mu.Unlock()
	if a.onChange != nil {
		a.onChange(snap)
	}
}

// project reads the current bus values into a value-copied Snapshot.
func (a *Adapter) project() Snapshot {
	logs := a.bus.GetStrings(statebus.KeyLogs)
	owned := make([]string, len(logs))
	copy(owned, logs)
	return Snapshot{
		Status:       a.bus.GetString(statebus.KeyStatus),
		Logs:         owned,
		Code:         a.bus.GetString(statebus.KeyCode),
		ErrorMessage: a.bus.GetString(statebus.KeyErrorMessage),
		RetryCount:   a.bus.GetInt(statebus.KeyRetryCount),
	}
}
