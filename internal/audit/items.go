// Package audit maintains the widget editor's review session: a mutable
// code draft, a queue of pending change-items accepted from audit findings
// or typed as free-text notes, and dismissed-finding bookkeeping. The
// session produces a single atomic apply request and reconciles the host's
// response.
package audit

// Impact rates how much a concern could change the widget's conclusions.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Source records how a pending change-item entered the queue.
type Source string

const (
	// SourceBase: the whole finding was accepted as-is.
	SourceBase Source = "base"
	// SourceRecommendation: one specific alternative fix was accepted.
	SourceRecommendation Source = "recommendation"
	// SourceManual: a free-text note typed by the user.
	SourceManual Source = "manual"
)

// Alternative is one alternative fix offered by a finding.
type Alternative struct {
	Option     string `json:"option"`
	WhenBetter string `json:"when_better,omitempty"`
	WhenWorse  string `json:"when_worse,omitempty"`
}

// Finding is one audit concern reported for the current code, as produced
// by the auditing collaborator (fast_audit/full_audit concern cards).
type Finding struct {
	ID               string        `json:"id"`
	Label            string        `json:"label,omitempty"`
	Summary          string        `json:"summary"`
	TechnicalSummary string        `json:"technical_summary,omitempty"`
	Details          string        `json:"details,omitempty"`
	Location         string        `json:"location,omitempty"` // "global" or line refs
	Impact           Impact        `json:"impact"`
	Alternatives     []Alternative `json:"alternatives,omitempty"`
}

// PendingChangeItem is one queued edit awaiting the next apply.
type PendingChangeItem struct {
	ItemID           string `json:"item_id"`
	CardID           string `json:"card_id,omitempty"`
	Label            string `json:"label,omitempty"`
	Summary          string `json:"summary,omitempty"`
	TechnicalSummary string `json:"technical_summary,omitempty"`
	Details          string `json:"details,omitempty"`
	Location         string `json:"location,omitempty"`
	Impact           Impact `json:"impact,omitempty"`
	Source           Source `json:"source"`
	Alternative      string `json:"alternative,omitempty"`
	UserNote         string `json:"user_note,omitempty"`
}

// ApplyRequest is the single outbound apply payload. Either Changes is
// populated (structured audit apply) or RawDraft is set (plain save of a
// dirty draft with nothing queued) - never both.
type ApplyRequest struct {
	Type      string              `json:"type"` // "audit_apply"
	RequestID string              `json:"request_id"`
	BaseCode  string              `json:"baseCode,omitempty"`
	Changes   []PendingChangeItem `json:"changes,omitempty"`
	RawDraft  string              `json:"raw_draft,omitempty"`
}

// IsRawSave reports whether this request degrades to a plain code save.
func (r ApplyRequest) IsRawSave() bool {
	return len(r.Changes) == 0 && r.RawDraft != ""
}

// ApplyResponse is the host's verdict on an apply request. Success is
// all-or-nothing; there is no partial per-item apply.
type ApplyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// CloseOutcome is the session's answer to a host close request.
type CloseOutcome int

const (
	// CloseNow: nothing unsaved, the editor may close immediately.
	CloseNow CloseOutcome = iota
	// ApplyThenClose: unsaved edits exist; an apply was built and must be
	// sent before closing.
	ApplyThenClose
	// CloseBlocked: mandatory-approval mode with unsaved edits; closing
	// waits for explicit host approval.
	CloseBlocked
)

// manualNoteID is the synthesized ItemID for the free-text note item. The
// note has no CardID, so a successful apply never dismisses it.
const manualNoteID = "manual-note"
