// Package engine implements the collaborative editing session engine: session
// lifecycle, the per-session workspace and append-only edit log, coordination
// disciplines (live, turn-based, review), and final reconciliation back to the
// artifact store.
package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"coedit/internal/artifact"
	"coedit/internal/rbac"
	"coedit/internal/util"
)

// Dispatcher receives accepted edits and lifecycle events for asynchronous
// fan-out to participant event sinks. Calls must not block: the engine invokes
// them while holding the session's critical section.
type Dispatcher interface {
	SessionOpened(sessionID string)
	SessionStarted(snapshot SessionSnapshot, recipients []string)
	EditAccepted(sessionID string, edit Edit, recipients []string)
	SessionEnded(snapshot SessionSnapshot, merge MergeResult, recipients []string)
	SessionClosed(sessionID string)
}

type Options struct {
	// DefaultTimeout applies when start does not specify timeoutSeconds.
	DefaultTimeout time.Duration
	// TurnTimeout bounds how long a turn-based grant may go without holder
	// activity before the engine releases it on the holder's behalf. Zero
	// means the session's own idle timeout applies.
	TurnTimeout time.Duration
	// RetryRetention bounds how long a completed-but-unmerged session keeps
	// its workspace for finalize retries.
	RetryRetention time.Duration
	// StatusTailSize bounds the recent-edits tail in status snapshots.
	StatusTailSize int
}

type Engine struct {
	artifacts  artifact.Store
	dispatcher Dispatcher
	opts       Options

	onEnded func(EndResult)

	mu     sync.RWMutex
	active map[string]*session
	ended  map[string]*session

	done chan struct{}
}

// session state is guarded by its own mutex; the registry maps above are
// guarded by the engine mutex only for insert, remove, and lookup.
type session struct {
	mu sync.Mutex

	id          string
	artifactRef string
	mode        Mode
	status      SessionStatus
	createdAt   time.Time
	endedAt     *time.Time
	endCause    string
	timeout     time.Duration

	ownerID string
	roster  map[string]*Participant
	order   []string

	workspace Workspace
	log       []*Edit
	turn      *TurnRecord

	idleTimer    *time.Timer
	turnTimer    *time.Timer
	turnDeadline time.Time

	merge       *MergeResult
	retainUntil time.Time
}

func New(artifacts artifact.Store, dispatcher Dispatcher, opts Options) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	if opts.RetryRetention <= 0 {
		opts.RetryRetention = 24 * time.Hour
	}
	if opts.StatusTailSize <= 0 {
		opts.StatusTailSize = 20
	}
	e := &Engine{
		artifacts:  artifacts,
		dispatcher: dispatcher,
		opts:       opts,
		active:     make(map[string]*session),
		ended:      make(map[string]*session),
		done:       make(chan struct{}),
	}
	go e.retentionLoop()
	return e
}

// OnEnded registers a hook invoked once per ended session, after the merge
// attempt, with the final snapshot and full edit log. Used for archiving.
func (e *Engine) OnEnded(fn func(EndResult)) {
	e.onEnded = fn
}

func (e *Engine) Shutdown() {
	close(e.done)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sess := range e.active {
		sess.mu.Lock()
		sess.stopTimersLocked()
		sess.mu.Unlock()
	}
}

// Start creates a session over artifactRef, seeding the workspace from the
// artifact's current content. The caller becomes the session owner.
func (e *Engine) Start(ctx context.Context, callerID, callerName string, in StartInput) (SessionSnapshot, error) {
	if !ValidMode(in.Mode) {
		return SessionSnapshot{}, errInvalidMode(in.Mode)
	}
	if callerID == "" {
		return SessionSnapshot{}, errPermissionDenied("caller identity is required")
	}

	baseline, err := e.artifacts.Read(ctx, in.ArtifactRef)
	if err != nil {
		return SessionSnapshot{}, errArtifactUnavailable(in.ArtifactRef, err)
	}

	timeout := e.opts.DefaultTimeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}

	now := time.Now()
	sess := &session{
		id:          util.NewID("sess"),
		artifactRef: in.ArtifactRef,
		mode:        Mode(in.Mode),
		status:      StatusActive,
		createdAt:   now,
		timeout:     timeout,
		ownerID:     callerID,
		roster:      make(map[string]*Participant),
		workspace: Workspace{
			BaselineContent: baseline,
			CurrentContent:  baseline,
			Version:         0,
		},
	}
	sess.addParticipantLocked(&Participant{
		ID:       callerID,
		Name:     callerName,
		Role:     rbac.RoleOwner,
		Status:   ParticipantActive,
		JoinedAt: now,
	})
	for _, seed := range in.Participants {
		if seed.ID == "" || seed.ID == callerID {
			continue
		}
		role := rbac.Normalize(seed.Role)
		if role == rbac.RoleOwner {
			role = rbac.RoleEditor
		}
		sess.addParticipantLocked(&Participant{
			ID:     seed.ID,
			Name:   seed.Name,
			Role:   role,
			Status: ParticipantInvited,
		})
	}

	e.mu.Lock()
	e.active[sess.id] = sess
	e.mu.Unlock()

	e.dispatcher.SessionOpened(sess.id)

	sess.mu.Lock()
	sess.idleTimer = time.AfterFunc(sess.timeout, func() { e.timeoutSession(sess.id) })
	snapshot := sess.snapshotLocked(e.opts.StatusTailSize)
	recipients := sess.activeRecipientsLocked("")
	sess.mu.Unlock()

	e.dispatcher.SessionStarted(snapshot, recipients)
	return snapshot, nil
}

// Join adds the caller to an active session, or reactivates a participant who
// previously left or was invited at start.
func (e *Engine) Join(ctx context.Context, sessionID, callerID, callerName, role string) (WorkspaceView, error) {
	sess, err := e.lookupActive(sessionID)
	if err != nil {
		return WorkspaceView{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusActive {
		return WorkspaceView{}, errSessionNotActive(sessionID, sess.status)
	}

	now := time.Now()
	if existing, ok := sess.roster[callerID]; ok {
		existing.Status = ParticipantActive
		existing.LeftAt = nil
		if existing.JoinedAt.IsZero() {
			existing.JoinedAt = now
		}
	} else {
		resolved, err := joinRole(role, callerID == sess.ownerID)
		if err != nil {
			return WorkspaceView{}, err
		}
		sess.addParticipantLocked(&Participant{
			ID:       callerID,
			Name:     callerName,
			Role:     resolved,
			Status:   ParticipantActive,
			JoinedAt: now,
		})
	}

	return WorkspaceView{
		SessionID: sess.id,
		Content:   sess.workspace.CurrentContent,
		Version:   sess.workspace.Version,
		Roster:    sess.activeRosterLocked(),
	}, nil
}

// Leave marks the participant as left. Idempotent: leaving twice, or leaving
// without having joined, is not an error. A leaving turn-holder releases the
// turn as a system-authored log entry.
func (e *Engine) Leave(ctx context.Context, sessionID, participantID string) error {
	sess, err := e.lookupActive(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	participant, ok := sess.roster[participantID]
	if !ok || participant.Status == ParticipantLeft {
		sess.mu.Unlock()
		return nil
	}
	now := time.Now()
	participant.Status = ParticipantLeft
	participant.LeftAt = &now

	if sess.turn != nil && !sess.turn.Released && sess.turn.HolderID == participantID {
		released := sess.releaseTurnLocked(systemAuthor)
		e.dispatcher.EditAccepted(sessionID, *released, sess.activeRecipientsLocked(""))
	}
	sess.mu.Unlock()
	return nil
}

// Status returns a read-only snapshot with a bounded tail of recent edits.
// Completed sessions remain visible while retained for finalize retries.
func (e *Engine) Status(sessionID string) (SessionSnapshot, error) {
	sess, err := e.lookupAny(sessionID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshotLocked(e.opts.StatusTailSize), nil
}

// List returns snapshots of all active sessions.
func (e *Engine) List() []SessionSnapshot {
	e.mu.RLock()
	sessions := make([]*session, 0, len(e.active))
	for _, sess := range e.active {
		sessions = append(sessions, sess)
	}
	e.mu.RUnlock()

	items := make([]SessionSnapshot, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		items = append(items, sess.snapshotLocked(e.opts.StatusTailSize))
		sess.mu.Unlock()
	}
	return items
}

// Drain returns all projected edits with resulting version greater than
// sinceVersion, in log order. Staged review edits are excluded until approved.
func (e *Engine) Drain(sessionID, participantID string, sinceVersion int64) ([]Edit, error) {
	sess, err := e.lookupAny(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, ok := sess.roster[participantID]; !ok {
		return nil, errPermissionDenied("caller is not a session participant")
	}

	items := make([]Edit, 0)
	for _, entry := range sess.log {
		if entry.ResultingVersion == 0 && !entry.Approved {
			continue
		}
		if entry.ResultingVersion > sinceVersion {
			items = append(items, *entry)
		}
	}
	return items, nil
}

func (e *Engine) lookupActive(sessionID string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if sess, ok := e.active[sessionID]; ok {
		return sess, nil
	}
	if _, ok := e.ended[sessionID]; ok {
		return nil, errSessionNotActive(sessionID, StatusCompleted)
	}
	return nil, errSessionNotFound(sessionID)
}

func (e *Engine) lookupAny(sessionID string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if sess, ok := e.active[sessionID]; ok {
		return sess, nil
	}
	if sess, ok := e.ended[sessionID]; ok {
		return sess, nil
	}
	return nil, errSessionNotFound(sessionID)
}

func (e *Engine) retentionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case now := <-ticker.C:
			e.mu.Lock()
			for id, sess := range e.ended {
				sess.mu.Lock()
				expired := now.After(sess.retainUntil)
				sess.mu.Unlock()
				if expired {
					delete(e.ended, id)
				}
			}
			e.mu.Unlock()
		}
	}
}

// joinRole resolves a requested role name for a joining participant.
// Ownership is fixed at session creation, so a joiner asking for owner is
// granted editor instead. An empty role defaults to observer; any other
// unknown role is rejected.
func joinRole(requested string, isOwner bool) (rbac.Role, error) {
	if requested == "" {
		return rbac.RoleObserver, nil
	}
	if !rbac.Valid(requested) {
		return "", domainError(http.StatusUnprocessableEntity, "INVALID_ROLE", "role must be one of owner, editor, reviewer, observer", map[string]any{"role": requested})
	}
	role := rbac.Role(requested)
	if role == rbac.RoleOwner && !isOwner {
		return rbac.RoleEditor, nil
	}
	return role, nil
}

func (s *session) addParticipantLocked(p *Participant) {
	s.roster[p.ID] = p
	s.order = append(s.order, p.ID)
}

func (s *session) rosterLocked() []Participant {
	items := make([]Participant, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, *s.roster[id])
	}
	return items
}

func (s *session) activeRosterLocked() []Participant {
	items := make([]Participant, 0, len(s.order))
	for _, id := range s.order {
		if s.roster[id].Status == ParticipantActive {
			items = append(items, *s.roster[id])
		}
	}
	return items
}

// activeRecipientsLocked lists participants that receive event fan-out,
// excluding the author of the edit being published.
func (s *session) activeRecipientsLocked(exclude string) []string {
	ids := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if id == exclude {
			continue
		}
		if s.roster[id].Status == ParticipantActive {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *session) snapshotLocked(tail int) SessionSnapshot {
	snapshot := SessionSnapshot{
		ID:             s.id,
		ArtifactRef:    s.artifactRef,
		Mode:           s.mode,
		Status:         s.status,
		CreatedAt:      s.createdAt,
		EndedAt:        s.endedAt,
		EndCause:       s.endCause,
		TimeoutSeconds: int(s.timeout / time.Second),
		Version:        s.workspace.Version,
		Content:        s.workspace.CurrentContent,
		Roster:         s.rosterLocked(),
		RecentEdits:    make([]Edit, 0, tail),
	}
	if s.turn != nil && !s.turn.Released {
		turn := *s.turn
		snapshot.Turn = &turn
	}
	if s.merge != nil {
		merge := *s.merge
		snapshot.Merge = &merge
	}
	start := 0
	if tail > 0 && len(s.log) > tail {
		start = len(s.log) - tail
	}
	for _, entry := range s.log[start:] {
		snapshot.RecentEdits = append(snapshot.RecentEdits, *entry)
	}
	return snapshot
}

func (s *session) stopTimersLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
	}
}

func (s *session) resetIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.timeout)
	}
}

// resetTurnTimerLocked extends the held turn's inactivity window. The
// deadline backs the timer up: a timer that fired just before an extension
// finds the deadline in the future and leaves the turn alone.
func (s *session) resetTurnTimerLocked(d time.Duration) {
	if s.turnTimer != nil {
		s.turnTimer.Reset(d)
		s.turnDeadline = time.Now().Add(d)
	}
}
