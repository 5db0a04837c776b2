package audit

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"vibewidget/internal/diff"
	"vibewidget/internal/logging"
	"vibewidget/internal/statebus"
)

// ErrApplyInFlight reports a second apply built before the first resolved.
var ErrApplyInFlight = errors.New("an apply request is already in flight")

// ErrNothingToApply reports an apply with a clean draft and empty queue.
var ErrNothingToApply = errors.New("nothing to apply: draft clean, no pending changes or note")

// AddOptions controls how a finding becomes a pending change-item.
type AddOptions struct {
	// ItemID overrides the queue identity; defaults to the finding's CardID.
	ItemID string
	// Source distinguishes base acceptance from a recommendation pick.
	Source Source
	// Alternative carries the chosen alternative for SourceRecommendation.
	Alternative string
	// UserNote seeds the item's editable note.
	UserNote string
}

// Session reconciles free-hand code edits, accepted findings and a manual
// note into one atomic apply request per round-trip.
type Session struct {
	mu sync.Mutex

	draft string // freely editable working copy
	base  string // last host-acknowledged code

	pending   []PendingChangeItem
	dismissed map[string]string // cardID -> label
	note      string            // free-text manual note

	editingID   string // ItemID of the bubble under inline edit, "" when none
	editingNote string

	inFlight map[string]PendingChangeItem // itemID -> item, snapshot at build

	log *logging.Logger
}

// NewSession starts a session whose draft and base are both code.
func NewSession(code string) *Session {
	return &Session{
		draft:     code,
		base:      code,
		dismissed: make(map[string]string),
		log:       logging.Get(logging.CategoryAudit),
	}
}

// Draft returns the current working copy.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// BaseCode returns the last host-acknowledged code.
func (s *Session) BaseCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// SetDraft replaces the working copy with a user edit.
func (s *Session) SetDraft(code string) {
	s.mu.Lock()
	s.draft = code
	s.mu.Unlock()
}

// SetBaseCode records a host-acknowledged code update. The host wins only
// when the user has no unsaved edits: a clean draft follows the new base,
// a dirty draft is left alone.
func (s *Session) SetBaseCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirty := s.draft != s.base
	s.base = code
	if !dirty {
		s.draft = code
	}
}

// IsDirty reports whether the draft differs from the base.
func (s *Session) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft != s.base
}

// DraftChangedRanges returns the draft's changed line ranges against base,
// for editor highlighting.
func (s *Session) DraftChangedRanges() []diff.LineRange {
	s.mu.Lock()
	draft, base := s.draft, s.base
	s.mu.Unlock()
	return diff.ChangedLineRanges(draft, base)
}

// AddPendingChange queues a change-item built from a finding. Queueing a
// duplicate ItemID is a no-op.
func (s *Session) AddPendingChange(f Finding, cardID string, opts AddOptions) {
	itemID := opts.ItemID
	if itemID == "" {
		itemID = cardID
	}
	if itemID == "" {
		itemID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.pending {
		if item.ItemID == itemID {
			return
		}
	}
	s.pending = append(s.pending, PendingChangeItem{
		ItemID:           itemID,
		CardID:           cardID,
		Label:            f.Label,
		Summary:          f.Summary,
		TechnicalSummary: f.TechnicalSummary,
		Details:          f.Details,
		Location:         f.Location,
		Impact:           f.Impact,
		Source:           opts.Source,
		Alternative:      opts.Alternative,
		UserNote:         opts.UserNote,
	})
	s.log.Debug("queued change %s (source %s)", itemID, opts.Source)
}

// AcceptFinding queues the whole finding as-is.
func (s *Session) AcceptFinding(f Finding) {
	s.AddPendingChange(f, f.ID, AddOptions{Source: SourceBase})
}

// AcceptAlternative queues one alternative fix of a finding. The item gets
// its own identity so several alternatives of one card can coexist.
func (s *Session) AcceptAlternative(f Finding, alt Alternative) {
	s.AddPendingChange(f, f.ID, AddOptions{
		ItemID:      f.ID + "/" + alt.Option,
		Source:      SourceRecommendation,
		Alternative: alt.Option,
	})
}

// RemovePendingChange deletes a queued item by id; unknown ids are a no-op.
func (s *Session) RemovePendingChange(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.pending {
		if item.ItemID == itemID {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return
		}
	}
}

// PendingChanges returns a copy of the queue in insertion order.
func (s *Session) PendingChanges() []PendingChangeItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingChangeItem, len(s.pending))
	copy(out, s.pending)
	return out
}

// DismissConcern hides a finding from the active candidate list. Items
// already queued from it are unaffected.
func (s *Session) DismissConcern(cardID, label string) {
	s.mu.Lock()
	s.dismissed[cardID] = label
	s.mu.Unlock()
}

// RestoreDismissed returns a finding to the candidate list.
func (s *Session) RestoreDismissed(cardID string) {
	s.mu.Lock()
	delete(s.dismissed, cardID)
	s.mu.Unlock()
}

// IsDismissed reports whether a finding is hidden.
func (s *Session) IsDismissed(cardID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dismissed[cardID]
	return ok
}

// Dismissed returns the dismissed card ids in sorted order.
func (s *Session) Dismissed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.dismissed))
	for id := range s.dismissed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetManualNote replaces the free-text note sent with the next apply.
func (s *Session) SetManualNote(note string) {
	s.mu.Lock()
	s.note = note
	s.mu.Unlock()
}

// ManualNote returns the current free-text note.
func (s *Session) ManualNote() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.note
}

// StartEditingBubble begins an inline edit of one queued item's note.
// Starting a new edit auto-commits any edit already open, matching the
// editor's click-outside behavior.
func (s *Session) StartEditingBubble(itemID string) bool {
	s.commitBubbleEdit()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pending {
		if s.pending[i].ItemID == itemID {
			s.editingID = itemID
			s.editingNote = s.pending[i].UserNote
			return true
		}
	}
	return false
}

// EditBubbleNote updates the in-progress note text.
func (s *Session) EditBubbleNote(note string) {
	s.mu.Lock()
	s.editingNote = note
	s.mu.Unlock()
}

// SaveBubbleEdit commits the in-progress note edit. Called explicitly or
// when focus leaves the editor.
func (s *Session) SaveBubbleEdit() {
	s.commitBubbleEdit()
}

// commitBubbleEdit folds an open note edit back into its item. It takes
// s.mu itself; callers must not hold the lock.
func (s *Session) commitBubbleEdit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editingID == "" {
		return
	}
	for i := range s.pending {
		if s.pending[i].ItemID == s.editingID {
			s.pending[i].UserNote = s.editingNote
			break
		}
	}
	s.editingID = ""
	s.editingNote = ""
}

// CancelBubbleEdit discards the in-progress note edit.
func (s *Session) CancelBubbleEdit() {
	s.mu.Lock()
	s.editingID = ""
	s.editingNote = ""
	s.mu.Unlock()
}

// BuildApplyRequest snapshots the session into one outbound request.
//
// With at least one pending item or a non-empty note, the request carries
// the structured changes payload (note appended as a manual item). With
// only a dirty draft, it degrades to a plain save of the raw draft text.
// The pending ids are marked in flight until HandleApplyResponse.
func (s *Session) BuildApplyRequest() (ApplyRequest, error) {
	s.commitBubbleEdit() // pending edit commits before the snapshot

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight != nil {
		return ApplyRequest{}, ErrApplyInFlight
	}

	req := ApplyRequest{
		Type:      "audit_apply",
		RequestID: uuid.NewString(),
	}

	if len(s.pending) > 0 || s.note != "" {
		req.BaseCode = s.draft
		req.Changes = make([]PendingChangeItem, len(s.pending))
		copy(req.Changes, s.pending)
		if s.note != "" {
			req.Changes = append(req.Changes, PendingChangeItem{
				ItemID:   manualNoteID,
				Source:   SourceManual,
				UserNote: s.note,
			})
		}

		s.inFlight = make(map[string]PendingChangeItem, len(req.Changes))
		for _, item := range req.Changes {
			s.inFlight[item.ItemID] = item
		}
		s.log.Info("built apply request %s with %d changes", req.RequestID, len(req.Changes))
		return req, nil
	}

	if s.draft != s.base {
		req.RawDraft = s.draft
		s.inFlight = map[string]PendingChangeItem{}
		s.log.Info("built raw save request %s", req.RequestID)
		return req, nil
	}

	return ApplyRequest{}, ErrNothingToApply
}

// HandleApplyResponse reconciles the host's verdict. On success every
// in-flight finding-sourced item moves its card into the dismissed set,
// the queue and note clear unconditionally, and the draft becomes the new
// base. On failure everything is left untouched for a user-driven retry.
func (s *Session) HandleApplyResponse(resp ApplyResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight == nil {
		return
	}
	if !resp.Success {
		s.inFlight = nil
		s.log.Info("apply failed, state preserved: %s", resp.Message)
		return
	}

	for _, item := range s.inFlight {
		if item.CardID == "" {
			continue
		}
		if item.Source == SourceBase || item.Source == SourceRecommendation {
			label := item.Label
			if label == "" {
				label = item.Summary
			}
			s.dismissed[item.CardID] = label
		}
	}

	s.pending = nil
	s.note = ""
	s.editingID = ""
	s.editingNote = ""
	s.base = s.draft
	s.inFlight = nil
	s.log.Info("apply succeeded, queue cleared")
}

// RequestClose answers a host close request. Unsaved edits trigger an
// automatic apply before closing, except in mandatory-approval mode where
// closing is blocked until the host approves.
func (s *Session) RequestClose(mandatoryApproval bool) (CloseOutcome, *ApplyRequest) {
	s.mu.Lock()
	unsaved := s.draft != s.base || len(s.pending) > 0 || s.note != ""
	s.mu.Unlock()

	if !unsaved {
		return CloseNow, nil
	}
	if mandatoryApproval {
		return CloseBlocked, nil
	}
	req, err := s.BuildApplyRequest()
	if err != nil {
		// An in-flight apply already covers the unsaved edits.
		return CloseBlocked, nil
	}
	return ApplyThenClose, &req
}

// RequestElementEdit publishes an edit-by-selection request for the host
// on the bus (one flush, per the torn-state rule).
func RequestElementEdit(bus *statebus.Bus, element, prompt string) error {
	if element == "" || prompt == "" {
		return fmt.Errorf("element edit requires both element and prompt")
	}
	bus.Set(statebus.KeyEditRequest, statebus.EditRequest{Element: element, Prompt: prompt})
	bus.Flush()
	return nil
}
