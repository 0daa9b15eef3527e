// Package session composes the validator, physics world, turn arbiter and
// reconnection tracker for one game.
//
// A Session is not safe for concurrent use. The registry goroutine owns
// every session and is the only caller.
package session

import (
	"context"
	"errors"
	"slices"
	"time"

	"tower-arena/server/internal/move"
	"tower-arena/server/internal/oracle"
	"tower-arena/server/internal/physics"
	"tower-arena/server/internal/reconnect"
	"tower-arena/server/internal/telemetry"
	"tower-arena/server/internal/turn"
	"tower-arena/server/logging"
	loggingsession "tower-arena/server/logging/session"
)

// Error is a session-level rejection carrying a wire code.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Code() string  { return e.code }

var (
	ErrSessionFull    = &Error{code: "SESSION_FULL", msg: "session: no free seats"}
	ErrGameInProgress = &Error{code: "GAME_IN_PROGRESS", msg: "session: game already started"}
	ErrGameOver       = &Error{code: "GAME_OVER", msg: "session: game is over"}
	ErrNotActive      = &Error{code: "GAME_NOT_ACTIVE", msg: "session: game is not active"}
	ErrEliminated     = &Error{code: "ELIMINATED", msg: "session: player was eliminated"}
	ErrNotMember      = &Error{code: "NOT_IN_SESSION", msg: "session: player is not in this session"}
)

// ErrorCode returns the wire code carried by err, or "ERROR".
func ErrorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "ERROR"
}

// Dispatcher fires ledger calls without blocking the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind oracle.CallKind, sessionID string)
}

type Deps struct {
	Clock     logging.Clock
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Oracle    Dispatcher
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, oracle.CallKind, string) {}

type Session struct {
	id   string
	cfg  Config
	deps Deps
	ctx  context.Context

	roster  []string
	arbiter *turn.Arbiter
	tracker *reconnect.Tracker
	world   *physics.World

	status    Status
	winner    string
	ending    bool
	tick      uint64
	createdAt time.Time
	endedAt   time.Time
	outbox    []Event
}

// New builds a WAITING session. ctx scopes the logging and ledger calls the
// session makes.
func New(ctx context.Context, id string, cfg Config, deps Deps) (*Session, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.LoggerFunc(nil)
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics{}
	}
	if deps.Oracle == nil {
		deps.Oracle = nopDispatcher{}
	}

	s := &Session{
		id:   id,
		cfg:  cfg,
		deps: deps,
		ctx:  ctx,
		arbiter: turn.New(turn.Config{
			TurnDuration:  cfg.TurnDuration,
			EndTurnOnMove: cfg.EndTurnOnMove,
			Clock:         deps.Clock,
		}),
		tracker: reconnect.New(reconnect.Config{
			GracePeriod: cfg.GracePeriod,
			Clock:       deps.Clock,
			Logger:      deps.Logger,
		}),
		world: physics.New(physics.Config{
			Difficulty: cfg.Difficulty,
			Practice:   cfg.Practice,
			Layers:     cfg.Layers,
		}),
		status:    StatusWaiting,
		createdAt: deps.Clock.Now(),
	}
	return s, nil
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Config() Config       { return s.cfg }
func (s *Session) Status() Status       { return s.status }
func (s *Session) Tick() uint64         { return s.tick }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// EndedAt is zero until the session reaches a terminal status.
func (s *Session) EndedAt() time.Time { return s.endedAt }

func (s *Session) Roster() []string { return slices.Clone(s.roster) }

func (s *Session) ActivePlayers() []string { return s.arbiter.Players() }

func (s *Session) ActiveCount() int { return s.arbiter.Len() }

func (s *Session) IsMember(player string) bool { return slices.Contains(s.roster, player) }

func (s *Session) IsActive(player string) bool { return s.arbiter.Has(player) }

func (s *Session) IsDisconnected(player string) bool { return s.tracker.IsDisconnected(player) }

// HasCapacity reports whether a new player could join right now.
func (s *Session) HasCapacity() bool {
	return s.status == StatusWaiting && len(s.roster) < s.cfg.MaxPlayers
}

func (s *Session) CurrentPlayer() string { return s.arbiter.CurrentPlayer() }

func (s *Session) Turn() turn.Turn { return s.arbiter.Turn() }

func (s *Session) emit(kind EventKind, payload any) {
	s.outbox = append(s.outbox, Event{Kind: kind, Payload: payload})
}

func (s *Session) emitState() {
	s.emit(EventGameState, s.State())
}

// DrainEvents returns and clears the pending outbound events.
func (s *Session) DrainEvents() []Event {
	out := s.outbox
	s.outbox = nil
	return out
}

// AddPlayer seats player. A roster member who is inside their grace window
// is reconnected instead, and reconnected reports that.
func (s *Session) AddPlayer(player string) (reconnected bool, err error) {
	if s.IsMember(player) {
		if s.tracker.IsDisconnected(player) {
			return s.Reconnect(player), nil
		}
		if s.arbiter.Has(player) {
			return false, nil
		}
		if s.status != StatusWaiting {
			return false, ErrEliminated
		}
	}
	switch {
	case s.status.Terminal():
		return false, ErrGameOver
	case s.status != StatusWaiting:
		return false, ErrGameInProgress
	case len(s.roster) >= s.cfg.MaxPlayers:
		return false, ErrSessionFull
	}

	if !s.IsMember(player) {
		s.roster = append(s.roster, player)
	}
	s.arbiter.AddPlayer(player)
	loggingsession.PlayerJoined(s.ctx, s.deps.Publisher, s.id, s.tick, player, loggingsession.PlayerPayload{RosterSize: len(s.roster)})
	s.emitState()

	if n := s.arbiter.Len(); n >= s.cfg.MinPlayers || n >= s.cfg.MaxPlayers {
		s.start()
	}
	return false, nil
}

func (s *Session) start() {
	s.status = StatusActive
	s.deps.Metrics.Add("sessions_started", 1)
	loggingsession.GameStarted(s.ctx, s.deps.Publisher, s.id, s.tick, loggingsession.GameStartedPayload{
		Players:    s.arbiter.Players(),
		Difficulty: string(s.cfg.Difficulty),
		Stake:      s.cfg.Stake,
	})
	s.beginTurn()
}

func (s *Session) beginTurn() {
	t, ok := s.arbiter.StartTurn()
	if !ok {
		return
	}
	s.announceTurn(t)
}

func (s *Session) announceTurn(t turn.Turn) {
	loggingsession.TurnStarted(s.ctx, s.deps.Publisher, s.id, s.tick, loggingsession.TurnPayload{
		Player:     t.Player,
		TurnNumber: t.Number,
		DeadlineMs: t.Deadline.UnixMilli(),
	})
	s.emit(EventTurnChanged, TurnChanged{Player: t.Player, Deadline: t.Deadline.UnixMilli(), TurnNumber: t.Number})
	s.emitState()
}

// RemovePlayer takes player out of play for good. While WAITING the seat
// is freed; afterwards the player stays on the roster.
func (s *Session) RemovePlayer(player, reason string) bool {
	return s.removePlayer(player, reason, nil)
}

// removePlayer ends the game when at most one player remains. A survivor
// listed in gone is leaving in the same tick and cannot win.
func (s *Session) removePlayer(player, reason string, gone map[string]bool) bool {
	s.tracker.Forget(player)
	if !s.arbiter.RemovePlayer(player) {
		return false
	}
	if s.status == StatusWaiting {
		if i := slices.Index(s.roster, player); i >= 0 {
			s.roster = slices.Delete(s.roster, i, i+1)
		}
	}
	loggingsession.PlayerLeft(s.ctx, s.deps.Publisher, s.id, s.tick, player, loggingsession.PlayerPayload{
		Reason:     reason,
		RosterSize: len(s.roster),
	})
	s.emitState()

	if s.status == StatusActive && s.arbiter.Len() <= 1 {
		winner := ""
		if rest := s.arbiter.Players(); len(rest) == 1 && !gone[rest[0]] {
			winner = rest[0]
		}
		s.end(winner, reason)
	}
	return true
}

// Surrender is a voluntary permanent removal.
func (s *Session) Surrender(player string) bool {
	return s.RemovePlayer(player, "surrendered")
}

// Disconnect opens a grace window for an active player.
func (s *Session) Disconnect(player, reason string) bool {
	if s.status.Terminal() || !s.arbiter.Has(player) {
		return false
	}
	if !s.tracker.MarkDisconnected(player, reason) {
		return false
	}
	grace := s.tracker.GracePeriod().Milliseconds()
	loggingsession.PlayerDisconnected(s.ctx, s.deps.Publisher, s.id, s.tick, player, loggingsession.GracePayload{GraceMs: grace})
	s.emit(EventPlayerDisconnected, PlayerDisconnected{Player: player, GraceMs: grace})
	s.emitState()
	return true
}

// Reconnect closes player's grace window.
func (s *Session) Reconnect(player string) bool {
	if !s.tracker.MarkReconnected(player) {
		return false
	}
	loggingsession.PlayerReconnected(s.ctx, s.deps.Publisher, s.id, s.tick, player)
	s.emit(EventPlayerReconnected, PlayerReconnected{Player: player})
	s.emitState()
	return true
}

// ExpireDisconnected removes every player whose grace window has run out.
func (s *Session) ExpireDisconnected() []string {
	expired := s.tracker.ExpiredPlayers()
	gone := make(map[string]bool, len(expired))
	for _, rec := range expired {
		gone[rec.Player] = true
	}
	var removed []string
	for _, rec := range expired {
		loggingsession.GraceExpired(s.ctx, s.deps.Publisher, s.id, s.tick, rec.Player, loggingsession.GracePayload{
			GraceMs: s.tracker.GracePeriod().Milliseconds(),
		})
		if s.removePlayer(rec.Player, rec.Reason, gone) {
			removed = append(removed, rec.Player)
		}
	}
	return removed
}

// MoveLimits describes the legal targets of this session's tower.
func (s *Session) MoveLimits() move.Limits {
	return move.Limits{BlockCount: s.world.BlockCount(), LockedFrom: s.world.LockedFrom()}
}

// HandleMove validates a proposal and queues it for the end of the turn.
func (s *Session) HandleMove(player string, in *move.Input) error {
	m, err := move.Validate(in, s.MoveLimits())
	if err != nil {
		s.rejectMove(player, in, err)
		return err
	}
	if s.status != StatusActive {
		s.rejectMove(player, in, ErrNotActive)
		return ErrNotActive
	}
	if err := s.arbiter.SubmitMove(player, m); err != nil {
		s.rejectMove(player, in, err)
		return err
	}
	s.deps.Metrics.Add("moves_accepted", 1)
	loggingsession.MoveAccepted(s.ctx, s.deps.Publisher, s.id, s.tick, player, loggingsession.MovePayload{BlockIndex: m.BlockIndex})
	s.emit(EventMoveAccepted, MoveAccepted{Player: player, BlockIndex: m.BlockIndex})
	return nil
}

func (s *Session) rejectMove(player string, in *move.Input, err error) {
	idx := -1
	if in != nil && in.BlockIndex != nil {
		idx = int(*in.BlockIndex)
	}
	s.deps.Metrics.Add("moves_rejected", 1)
	loggingsession.MoveRejected(s.ctx, s.deps.Publisher, s.id, s.tick, player, loggingsession.MovePayload{
		BlockIndex: idx,
		Code:       ErrorCode(err),
		Reason:     err.Error(),
	})
}

// Update advances an ACTIVE session by dt seconds: physics first, then the
// collapse check, then disconnect expiry and the turn deadline.
func (s *Session) Update(dt float64) {
	if s.status != StatusActive {
		return
	}
	s.tick++
	s.world.Step(dt)

	if s.world.IsCollapsed(s.cfg.CollapseThreshold) {
		s.collapse()
		return
	}

	s.ExpireDisconnected()
	if s.status != StatusActive {
		return
	}

	if s.arbiter.Expired() && !s.ending {
		s.ending = true
		defer func() { s.ending = false }()
		s.endTurn()
	}
}

func (s *Session) endTurn() {
	ended, next, started := s.arbiter.EndTurn(func(m move.Move) {
		s.world.ApplyImpulse(m.BlockIndex, m.Force, m.Point)
	})
	loggingsession.TurnEnded(s.ctx, s.deps.Publisher, s.id, s.tick, loggingsession.TurnEndedPayload{
		Player:  ended.Player,
		HadMove: ended.HasMove,
	})
	if ended.HasMove {
		s.deps.Oracle.Dispatch(s.ctx, oracle.CallCompleteTurn, s.id)
	} else {
		s.deps.Oracle.Dispatch(s.ctx, oracle.CallTimeoutTurn, s.id)
	}
	if started {
		s.announceTurn(next)
	}
}

func (s *Session) collapse() {
	s.status = StatusCollapsed
	s.endedAt = s.deps.Clock.Now()
	s.arbiter.Stop()
	survivors := s.arbiter.Players()
	fallen, total := s.world.FallenCount()

	s.deps.Metrics.Add("sessions_collapsed", 1)
	loggingsession.TowerCollapsed(s.ctx, s.deps.Publisher, s.id, s.tick, loggingsession.CollapsePayload{
		Fallen:    fallen,
		Total:     total,
		Survivors: survivors,
	})
	s.emit(EventGameCollapsed, GameCollapsed{Survivors: survivors})
	s.emitState()
	s.deps.Oracle.Dispatch(s.ctx, oracle.CallReportCollapse, s.id)
}

func (s *Session) end(winner, reason string) {
	s.status = StatusEnded
	s.winner = winner
	s.endedAt = s.deps.Clock.Now()
	s.arbiter.Stop()

	s.deps.Metrics.Add("sessions_ended", 1)
	loggingsession.GameEnded(s.ctx, s.deps.Publisher, s.id, s.tick, loggingsession.GameEndedPayload{Winner: winner, Reason: reason})
	s.emit(EventGameEnded, GameEnded{Winner: winner, Reason: reason})
	s.emitState()
}

// State projects the session for clients.
func (s *Session) State() State {
	st := State{
		ID:            s.id,
		Roster:        slices.Clone(s.roster),
		Active:        s.arbiter.Players(),
		CurrentPlayer: s.arbiter.CurrentPlayer(),
		Status:        s.status,
		Config:        s.cfg,
		TurnNumber:    s.arbiter.Turn().Number,
		Winner:        s.winner,
	}
	if st.Roster == nil {
		st.Roster = []string{}
	}
	if st.Active == nil {
		st.Active = []string{}
	}
	for _, p := range st.Active {
		if s.tracker.IsDisconnected(p) {
			st.Disconnected = append(st.Disconnected, p)
		}
	}
	if s.arbiter.InTurn() {
		st.TurnDeadline = s.arbiter.Turn().Deadline.UnixMilli()
	}
	return st
}

// PhysicsSnapshot reports every body's kinematic state.
func (s *Session) PhysicsSnapshot() PhysicsUpdate {
	return PhysicsUpdate{Tick: s.tick, Bodies: s.world.Snapshot()}
}

// FallenBlocks counts bodies that have dropped below the grounded cutoff.
func (s *Session) FallenBlocks() (fallen, total int) {
	return s.world.FallenCount()
}
