package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"coedit/internal/rbac"
)

const (
	MergeStrategyMerge   = "merge"
	MergeStrategyDiscard = "discard"

	EndCauseOwner   = "owner-requested"
	EndCauseTimeout = "timeout"
)

// End closes a session. With the merge strategy the workspace content is
// written back to the artifact store; with discard the session is cancelled
// and the artifact is left untouched. Only the owner may end a session.
func (e *Engine) End(ctx context.Context, sessionID, callerID, mergeStrategy string) (EndResult, error) {
	switch mergeStrategy {
	case "":
		mergeStrategy = MergeStrategyMerge
	case MergeStrategyMerge, MergeStrategyDiscard:
	default:
		return EndResult{}, domainError(http.StatusUnprocessableEntity, "INVALID_MERGE_STRATEGY", "mergeStrategy must be merge or discard", map[string]any{"mergeStrategy": mergeStrategy})
	}

	sess, err := e.lookupActive(sessionID)
	if err != nil {
		return EndResult{}, err
	}

	sess.mu.Lock()
	if sess.status != StatusActive {
		sess.mu.Unlock()
		return EndResult{}, errSessionNotActive(sessionID, sess.status)
	}
	participant, ok := sess.roster[callerID]
	if !ok || !rbac.Can(participant.Role, rbac.ActionEnd) {
		sess.mu.Unlock()
		return EndResult{}, errPermissionDenied("only the session owner can end a session")
	}
	sess.closeLocked(mergeStrategy, EndCauseOwner, time.Now().Add(e.opts.RetryRetention))
	sess.mu.Unlock()

	return e.finalize(ctx, sess, mergeStrategy), nil
}

// timeoutSession ends a session whose idle timer expired. Accumulated work is
// merged rather than discarded.
func (e *Engine) timeoutSession(sessionID string) {
	sess, err := e.lookupActive(sessionID)
	if err != nil {
		return
	}

	sess.mu.Lock()
	if sess.status != StatusActive {
		sess.mu.Unlock()
		return
	}
	sess.closeLocked(MergeStrategyMerge, EndCauseTimeout, time.Now().Add(e.opts.RetryRetention))
	sess.mu.Unlock()

	e.finalize(context.Background(), sess, MergeStrategyMerge)
}

// closeLocked transitions an active session to its terminal status and stops
// all outstanding timers. No further edits are accepted after this point.
func (s *session) closeLocked(mergeStrategy, cause string, retainUntil time.Time) {
	now := time.Now()
	if mergeStrategy == MergeStrategyDiscard {
		s.status = StatusCancelled
	} else {
		s.status = StatusCompleted
	}
	s.endedAt = &now
	s.endCause = cause
	s.retainUntil = retainUntil
	s.stopTimersLocked()
	if s.turn != nil && !s.turn.Released {
		s.turn.Released = true
	}
	for _, p := range s.roster {
		if p.Status == ParticipantActive {
			p.Status = ParticipantCompleted
		}
	}
}

// finalize moves the session to the retained set, performs the artifact write
// for merge-strategy ends, and publishes the terminal event. The write runs
// outside the session's critical section so a slow artifact store never
// blocks status reads.
func (e *Engine) finalize(ctx context.Context, sess *session, mergeStrategy string) EndResult {
	e.mu.Lock()
	delete(e.active, sess.id)
	e.ended[sess.id] = sess
	e.mu.Unlock()

	sess.mu.Lock()
	ref := sess.artifactRef
	content := sess.workspace.CurrentContent
	sess.mu.Unlock()

	var merge *MergeResult
	if mergeStrategy == MergeStrategyMerge {
		merge = e.writeMerge(ctx, ref, content)
	}

	sess.mu.Lock()
	if merge != nil {
		sess.merge = merge
		if !merge.Success {
			sess.status = StatusError
		}
	}
	result := EndResult{
		Snapshot: sess.snapshotLocked(e.opts.StatusTailSize),
		Edits:    make([]Edit, 0, len(sess.log)),
	}
	for _, entry := range sess.log {
		result.Edits = append(result.Edits, *entry)
	}
	if sess.merge != nil {
		result.Merge = *sess.merge
	}
	e.dispatcher.SessionEnded(result.Snapshot, result.Merge, sess.endRecipientsLocked())
	e.dispatcher.SessionClosed(sess.id)
	sess.mu.Unlock()

	if e.onEnded != nil {
		e.onEnded(result)
	}
	return result
}

func (e *Engine) writeMerge(ctx context.Context, ref, content string) *MergeResult {
	merge := &MergeResult{FinalContent: content, AppliedAt: time.Now()}
	if err := e.artifacts.Write(ctx, ref, content); err != nil {
		merge.Error = err.Error()
		return merge
	}
	merge.Success = true
	return merge
}

// RetryFinalize re-attempts the artifact write for a session whose merge
// failed. The workspace is retained for this purpose until the retention
// window lapses.
func (e *Engine) RetryFinalize(ctx context.Context, sessionID, callerID string) (MergeResult, error) {
	e.mu.RLock()
	sess, ok := e.ended[sessionID]
	e.mu.RUnlock()
	if !ok {
		return MergeResult{}, errSessionNotFound(sessionID)
	}

	sess.mu.Lock()
	participant, has := sess.roster[callerID]
	if !has || !rbac.Can(participant.Role, rbac.ActionEnd) {
		sess.mu.Unlock()
		return MergeResult{}, errPermissionDenied("only the session owner can retry a merge")
	}
	if sess.merge == nil || sess.merge.Success {
		sess.mu.Unlock()
		return MergeResult{}, domainError(http.StatusConflict, "MERGE_NOT_RETRYABLE", "Session has no failed merge to retry", map[string]any{"sessionId": sessionID})
	}
	ref := sess.artifactRef
	content := sess.workspace.CurrentContent
	sess.mu.Unlock()

	merge := e.writeMerge(ctx, ref, content)
	if !merge.Success {
		sess.mu.Lock()
		sess.merge = merge
		sess.mu.Unlock()
		return *merge, errMergeWriteFailed(ref, errors.New(merge.Error))
	}

	sess.mu.Lock()
	sess.merge = merge
	sess.status = StatusCompleted
	sess.mu.Unlock()
	return *merge, nil
}

// endRecipientsLocked targets everyone who took part, including participants
// who already left, so all clients observe the terminal event.
func (s *session) endRecipientsLocked() []string {
	ids := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if s.roster[id].Status != ParticipantInvited {
			ids = append(ids, id)
		}
	}
	return ids
}
