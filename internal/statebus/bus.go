// Package statebus implements the observable key/value store that bridges
// the embedding host's widget model to in-process consumers. Writes (Set)
// are decoupled from notification (Flush) so a producer can batch several
// related field updates into one atomic notification and consumers never
// observe torn intermediate state.
package statebus

import (
	"sort"
	"strings"
	"sync"

	"vibewidget/internal/logging"
)

const changePrefix = "change:"

type listener struct {
	id ListenerID
	fn Handler
}

// Bus is an in-memory observable key/value store. One Bus exists per
// embedded widget instance and lives for the widget's lifetime.
type Bus struct {
	mu        sync.RWMutex
	values    map[Key]any
	listeners map[Key][]listener
	nextID    ListenerID

	// flushMu serializes Flush calls so one flush runs to completion before
	// the next starts. Listener callbacks must not call Flush on the same
	// bus; that is a re-entrancy violation of the bus contract.
	flushMu sync.Mutex

	log *logging.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		values:    make(map[Key]any),
		listeners: make(map[Key][]listener),
		log:       logging.Get(logging.CategoryBus),
	}
}

// canonicalKey resolves both addressing forms ("code" and "change:code")
// to the same key.
func canonicalKey(name string) Key {
	return Key(strings.TrimPrefix(name, changePrefix))
}

// Get returns the current value for key, or nil if it was never set.
func (b *Bus) Get(key Key) any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.values[key]
}

// GetString returns the value for key as a string, or "" if unset or not a string.
func (b *Bus) GetString(key Key) string {
	s, _ := b.Get(key).(string)
	return s
}

// GetInt returns the value for key as an int, or 0 if unset or not an int.
func (b *Bus) GetInt(key Key) int {
	n, _ := b.Get(key).(int)
	return n
}

// GetStrings returns the value for key as a []string, or nil.
func (b *Bus) GetStrings(key Key) []string {
	v, _ := b.Get(key).([]string)
	return v
}

// Set writes a value. It does not notify; call Flush after all related
// writes are in place.
func (b *Bus) Set(key Key, value any) {
	b.mu.Lock()
	b.values[key] = value
	b.mu.Unlock()
	b.log.Debug("set %s", key)
}

// SetAll writes several values without notifying. Pair with one Flush.
func (b *Bus) SetAll(values map[Key]any) {
	b.mu.Lock()
	for k, v := range values {
		b.values[k] = v
	}
	b.mu.Unlock()
}

// AppendLog appends one line to the logs field. Does not flush.
func (b *Bus) AppendLog(line string) {
	b.mu.Lock()
	prev, _ := b.values[KeyLogs].([]string)
	next := make([]string, 0, len(prev)+1)
	next = append(next, prev...)
	next = append(next, line)
	b.values[KeyLogs] = next
	b.mu.Unlock()
}

// On registers a handler for the given event name. The name is either a
// bare key ("code") or the "change:"-prefixed form ("change:code"); both
// address the same listener set. The returned ListenerID is the handle for
// Off.
func (b *Bus) On(name string, h Handler) ListenerID {
	key := canonicalKey(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[key] = append(b.listeners[key], listener{id: id, fn: h})
	return id
}

// Off removes a previously registered handler. Removing an unknown ID, or
// removing the same ID twice, is a no-op.
func (b *Bus) Off(name string, id ListenerID) {
	key := canonicalKey(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[key]
	for i, l := range ls {
		if l.id == id {
			b.listeners[key] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(b.listeners[key]) == 0 {
		delete(b.listeners, key)
	}
}

// Observe registers h for every key in keys, or for every currently known
// key when keys is empty (not retroactive to keys added later). The
// returned function removes exactly the registrations Observe made.
func (b *Bus) Observe(h Handler, keys ...Key) func() {
	if len(keys) == 0 {
		keys = b.Keys()
	}
	type reg struct {
		key Key
		id  ListenerID
	}
	regs := make([]reg, 0, len(keys))
	for _, k := range keys {
		regs = append(regs, reg{key: k, id: b.On(string(k), h)})
	}
	return func() {
		for _, r := range regs {
			b.Off(string(r.key), r.id)
		}
	}
}

// Keys returns all currently set keys in sorted order.
func (b *Bus) Keys() []Key {
	b.mu.RLock()
	keys := make([]Key, 0, len(b.values))
	for k := range b.values {
		keys = append(keys, k)
	}
	b.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Flush synchronously notifies, for every key that has at least one
// listener, all listeners for that key with the key's current value.
// Notification is level-triggered: listeners fire whether or not the value
// changed since the last flush. Within one key, listeners run in
// registration order. A panicking listener is recovered and logged so it
// cannot block its siblings.
func (b *Bus) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	// Snapshot listeners and values so handlers may call Get/Set/On/Off
	// without holding the bus lock.
	b.mu.RLock()
	keys := make([]Key, 0, len(b.listeners))
	for k := range b.listeners {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	type delivery struct {
		change Change
		fns    []Handler
	}
	deliveries := make([]delivery, 0, len(keys))
	for _, k := range keys {
		ls := b.listeners[k]
		fns := make([]Handler, len(ls))
		for i, l := range ls {
			fns[i] = l.fn
		}
		deliveries = append(deliveries, delivery{
			change: Change{Name: k, NewValue: b.values[k]},
			fns:    fns,
		})
	}
	b.mu.RUnlock()

	for _, d := range deliveries {
		for _, fn := range d.fns {
			b.invoke(fn, d.change)
		}
	}
}

// invoke runs one handler with per-listener panic isolation.
func (b *Bus) invoke(fn Handler, c Change) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("listener panic on %s: %v", c.Name, r)
		}
	}()
	fn(c)
}
