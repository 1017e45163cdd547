package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"coedit/internal/rbac"
	"coedit/internal/util"
)

// systemAuthor marks log entries the engine itself produces, such as turn
// releases on leave or turn expiry.
const systemAuthor = "system"

// SubmitEdit validates and records a content change. In live mode the edit is
// applied immediately. In turn-based mode only the turn holder may submit. In
// review mode the edit is staged unapproved and does not touch the workspace.
func (e *Engine) SubmitEdit(ctx context.Context, sessionID, callerID string, in EditInput) (Edit, error) {
	sess, err := e.lookupActive(sessionID)
	if err != nil {
		return Edit{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusActive {
		return Edit{}, errSessionNotActive(sessionID, sess.status)
	}

	participant, ok := sess.roster[callerID]
	if !ok || participant.Status != ParticipantActive {
		return Edit{}, errPermissionDenied("caller is not an active session participant")
	}
	if !rbac.Can(participant.Role, rbac.ActionEdit) {
		return Edit{}, errPermissionDenied(fmt.Sprintf("role %q cannot edit", participant.Role))
	}
	if err := validateEditPayload(in.Payload); err != nil {
		return Edit{}, err
	}

	switch sess.mode {
	case ModeTurnBased:
		if sess.turn == nil || sess.turn.Released {
			return Edit{}, errNotYourTurn("")
		}
		if sess.turn.HolderID != callerID {
			return Edit{}, errNotYourTurn(sess.turn.HolderID)
		}
	case ModeReview:
		// Owners apply directly; editors stage for review.
		if participant.Role != rbac.RoleOwner {
			staged := sess.appendStagedLocked(callerID, in)
			sess.resetIdleTimerLocked()
			return *staged, nil
		}
	}

	next, err := sess.applyPayloadLocked(in.Payload)
	if err != nil {
		return Edit{}, err
	}
	edit := sess.appendAppliedLocked(EditContentChange, callerID, in.Payload, in.BasisVersion)
	sess.workspace.CurrentContent = next
	sess.resetIdleTimerLocked()
	if sess.mode == ModeTurnBased {
		sess.resetTurnTimerLocked(e.turnTimeout(sess))
	}

	e.dispatcher.EditAccepted(sessionID, *edit, sess.activeRecipientsLocked(callerID))
	return *edit, nil
}

// turnTimeout returns the inactivity window for a held turn. When the engine
// carries no explicit turn timeout it runs on the session's idle clock.
func (e *Engine) turnTimeout(sess *session) time.Duration {
	if e.opts.TurnTimeout > 0 {
		return e.opts.TurnTimeout
	}
	return sess.timeout
}

// Approve applies a staged review-mode edit to the workspace and assigns it
// the next version. The approver must hold approve permission and must not be
// the edit's author.
func (e *Engine) Approve(ctx context.Context, sessionID, callerID, editID string) (Edit, error) {
	sess, err := e.lookupActive(sessionID)
	if err != nil {
		return Edit{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusActive {
		return Edit{}, errSessionNotActive(sessionID, sess.status)
	}
	if sess.mode != ModeReview {
		return Edit{}, domainError(http.StatusConflict, "APPROVAL_NOT_SUPPORTED", "Approval applies to review sessions only", map[string]any{"mode": sess.mode})
	}

	participant, ok := sess.roster[callerID]
	if !ok || participant.Status != ParticipantActive {
		return Edit{}, errPermissionDenied("caller is not an active session participant")
	}
	if !rbac.Can(participant.Role, rbac.ActionApprove) {
		return Edit{}, errPermissionDenied(fmt.Sprintf("role %q cannot approve edits", participant.Role))
	}

	var staged *Edit
	for _, entry := range sess.log {
		if entry.ID == editID {
			staged = entry
			break
		}
	}
	if staged == nil {
		return Edit{}, domainError(http.StatusNotFound, "EDIT_NOT_FOUND", "Edit not found", map[string]any{"editId": editID})
	}
	if staged.Approved || staged.ResultingVersion != 0 {
		return Edit{}, domainError(http.StatusConflict, "EDIT_ALREADY_APPLIED", "Edit has already been applied", map[string]any{"editId": editID})
	}
	if staged.AuthorID == callerID {
		return Edit{}, errPermissionDenied("authors cannot approve their own edits")
	}

	next, err := sess.applyPayloadLocked(staged.Payload)
	if err != nil {
		return Edit{}, err
	}
	sess.workspace.Version++
	staged.ResultingVersion = sess.workspace.Version
	staged.Approved = true
	staged.ApprovedBy = callerID
	sess.workspace.CurrentContent = next
	sess.resetIdleTimerLocked()

	e.dispatcher.EditAccepted(sessionID, *staged, sess.activeRecipientsLocked(staged.AuthorID))
	return *staged, nil
}

// PendingEdits lists staged review-mode edits awaiting approval.
func (e *Engine) PendingEdits(sessionID, callerID string) ([]Edit, error) {
	sess, err := e.lookupAny(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, ok := sess.roster[callerID]; !ok {
		return nil, errPermissionDenied("caller is not a session participant")
	}

	items := make([]Edit, 0)
	for _, entry := range sess.log {
		if entry.ResultingVersion == 0 && !entry.Approved {
			items = append(items, *entry)
		}
	}
	return items, nil
}

// AcquireTurn grants the caller exclusive write access in a turn-based
// session. Re-acquiring a turn the caller already holds is idempotent.
func (e *Engine) AcquireTurn(ctx context.Context, sessionID, callerID string) (TurnRecord, error) {
	sess, err := e.lookupActive(sessionID)
	if err != nil {
		return TurnRecord{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusActive {
		return TurnRecord{}, errSessionNotActive(sessionID, sess.status)
	}
	if sess.mode != ModeTurnBased {
		return TurnRecord{}, domainError(http.StatusConflict, "TURN_NOT_SUPPORTED", "Turn control applies to turn-based sessions only", map[string]any{"mode": sess.mode})
	}

	participant, ok := sess.roster[callerID]
	if !ok || participant.Status != ParticipantActive {
		return TurnRecord{}, errPermissionDenied("caller is not an active session participant")
	}
	if !rbac.Can(participant.Role, rbac.ActionEdit) {
		return TurnRecord{}, errPermissionDenied(fmt.Sprintf("role %q cannot take the turn", participant.Role))
	}

	if sess.turn != nil && !sess.turn.Released {
		if sess.turn.HolderID == callerID {
			return *sess.turn, nil
		}
		return TurnRecord{}, errNotYourTurn(sess.turn.HolderID)
	}

	now := time.Now()
	window := e.turnTimeout(sess)
	sess.turn = &TurnRecord{HolderID: callerID, AcquiredAt: now}
	edit := sess.appendAppliedLocked(EditTurnTaken, callerID, Payload{Kind: PayloadTurnEvent}, sess.workspace.Version)
	sess.resetIdleTimerLocked()
	sess.turnDeadline = now.Add(window)
	sess.turnTimer = time.AfterFunc(window, func() { e.expireTurn(sessionID, callerID, now) })

	e.dispatcher.EditAccepted(sessionID, *edit, sess.activeRecipientsLocked(callerID))
	return *sess.turn, nil
}

// ReleaseTurn gives up the caller's turn. Only the holder may release it.
func (e *Engine) ReleaseTurn(ctx context.Context, sessionID, callerID string) error {
	sess, err := e.lookupActive(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusActive {
		return errSessionNotActive(sessionID, sess.status)
	}
	if sess.turn == nil || sess.turn.Released {
		return domainError(http.StatusConflict, "TURN_NOT_HELD", "No turn is currently held", nil)
	}
	if sess.turn.HolderID != callerID {
		return errNotYourTurn(sess.turn.HolderID)
	}

	edit := sess.releaseTurnLocked(callerID)
	sess.resetIdleTimerLocked()
	e.dispatcher.EditAccepted(sessionID, *edit, sess.activeRecipientsLocked(""))
	return nil
}

// expireTurn releases a turn whose inactivity window ran out. The release is
// attributed to the system and only applies if the same grant is still
// outstanding and has not been extended by holder activity since.
func (e *Engine) expireTurn(sessionID, holderID string, acquiredAt time.Time) {
	sess, err := e.lookupActive(sessionID)
	if err != nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusActive || sess.turn == nil || sess.turn.Released {
		return
	}
	if sess.turn.HolderID != holderID || !sess.turn.AcquiredAt.Equal(acquiredAt) {
		return
	}
	if time.Now().Before(sess.turnDeadline) {
		return
	}

	edit := sess.releaseTurnLocked(systemAuthor)
	e.dispatcher.EditAccepted(sessionID, *edit, sess.activeRecipientsLocked(""))
}

func (s *session) releaseTurnLocked(author string) *Edit {
	s.turn.Released = true
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
	}
	return s.appendAppliedLocked(EditTurnReleased, author, Payload{Kind: PayloadTurnEvent}, s.workspace.Version)
}

// appendAppliedLocked assigns the next version and appends a log entry that
// took effect immediately.
func (s *session) appendAppliedLocked(kind EditType, authorID string, payload Payload, basis int64) *Edit {
	s.workspace.Version++
	edit := &Edit{
		ID:               util.NewID("edit"),
		SessionID:        s.id,
		AuthorID:         authorID,
		Timestamp:        time.Now(),
		Type:             kind,
		Payload:          payload,
		BasisVersion:     basis,
		ResultingVersion: s.workspace.Version,
	}
	s.log = append(s.log, edit)
	return edit
}

// appendStagedLocked appends a review-mode edit that holds no version until a
// reviewer approves it.
func (s *session) appendStagedLocked(authorID string, in EditInput) *Edit {
	edit := &Edit{
		ID:           util.NewID("edit"),
		SessionID:    s.id,
		AuthorID:     authorID,
		Timestamp:    time.Now(),
		Type:         EditContentChange,
		Payload:      in.Payload,
		BasisVersion: in.BasisVersion,
	}
	s.log = append(s.log, edit)
	return edit
}

func validateEditPayload(p Payload) error {
	switch p.Kind {
	case PayloadFullSnapshot:
		return nil
	case PayloadStructuredDiff:
		if len(p.Spans) == 0 {
			return errMalformedEdit("structured-diff payload requires at least one span")
		}
		prev := 0
		for _, span := range p.Spans {
			if span.Start < 0 || span.End < span.Start {
				return errMalformedEdit(fmt.Sprintf("invalid span range [%d, %d)", span.Start, span.End))
			}
			if span.Start < prev {
				return errMalformedEdit("spans must be sorted and non-overlapping")
			}
			prev = span.End
		}
		return nil
	case PayloadTurnEvent:
		return errMalformedEdit("turn events are recorded via turn control, not edit submission")
	default:
		return errMalformedEdit(fmt.Sprintf("unknown payload kind %q", p.Kind))
	}
}

// applyPayloadLocked projects a payload onto the current workspace content
// without committing it. Span indices address lines of the current content.
func (s *session) applyPayloadLocked(p Payload) (string, error) {
	switch p.Kind {
	case PayloadFullSnapshot:
		return p.Content, nil
	case PayloadStructuredDiff:
		lines := splitLines(s.workspace.CurrentContent)
		out := make([]string, 0, len(lines))
		cursor := 0
		for _, span := range p.Spans {
			if span.Start > len(lines) || span.End > len(lines) {
				return "", errMalformedEdit(fmt.Sprintf("span [%d, %d) exceeds workspace length %d", span.Start, span.End, len(lines)))
			}
			out = append(out, lines[cursor:span.Start]...)
			out = append(out, span.Lines...)
			cursor = span.End
		}
		out = append(out, lines[cursor:]...)
		return strings.Join(out, "\n"), nil
	default:
		return "", errMalformedEdit(fmt.Sprintf("payload kind %q cannot be applied", p.Kind))
	}
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}
