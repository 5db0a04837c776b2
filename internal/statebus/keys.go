package statebus

// Key identifies one host-synchronized field on the bus.
type Key string

// Well-known keys shared with the embedding host. The string values are the
// host's field names and must not change.
const (
	KeyStatus       Key = "status"        // idle | generating | ready | done | error
	KeyLogs         Key = "logs"          // []string, append-only from the host side
	KeyCode         Key = "code"          // full source text of the generated unit
	KeyErrorMessage Key = "error_message" // empty string when none
	KeyRetryCount   Key = "retry_count"   // int >= 0, incremented by the host
	KeyEditRequest  Key = "edit_request"  // EditRequest for edit-by-selection
)

// Status values used on KeyStatus.
const (
	StatusIdle       = "idle"
	StatusGenerating = "generating"
	StatusReady      = "ready"
	StatusDone       = "done"
	StatusError      = "error"
)

// EditRequest is the outbound element-edit payload written to KeyEditRequest.
type EditRequest struct {
	Element string `json:"element"`
	Prompt  string `json:"prompt"`
}

// Change describes one key notification delivered to listeners on Flush.
type Change struct {
	Name     Key
	NewValue any
}

// Handler receives key change notifications.
type Handler func(Change)

// ListenerID identifies one (key, handler) registration. Go functions are
// not comparable, so removal is keyed by the ID returned from On rather
// than by the handler value itself.
type ListenerID uint64
