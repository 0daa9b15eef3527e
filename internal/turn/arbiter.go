// Package turn implements the per-session turn state machine.
package turn

import (
	"time"

	"tower-arena/server/internal/move"
	"tower-arena/server/logging"
)

const DefaultTurnDuration = 30 * time.Second

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWaitingForMove
	PhaseMoveSubmitted
	PhaseTurnEnding
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitingForMove:
		return "WAITING_FOR_MOVE"
	case PhaseMoveSubmitted:
		return "MOVE_SUBMITTED"
	case PhaseTurnEnding:
		return "TURN_ENDING"
	default:
		return "IDLE"
	}
}

// Error is a turn-discipline rejection carrying a wire code.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Code() string  { return e.code }

var (
	ErrNotYourTurn          = &Error{code: "NOT_YOUR_TURN", msg: "turn: not your turn"}
	ErrTurnTimeout          = &Error{code: "TURN_TIMEOUT", msg: "turn: deadline passed"}
	ErrMoveAlreadySubmitted = &Error{code: "MOVE_ALREADY_SUBMITTED", msg: "turn: move already submitted"}
)

type Config struct {
	TurnDuration time.Duration
	// EndTurnOnMove pulls the deadline to the submission time so the next
	// tick ends the turn instead of waiting out the clock.
	EndTurnOnMove bool
	Clock         logging.Clock
}

func DefaultConfig() Config {
	return Config{TurnDuration: DefaultTurnDuration}
}

// Turn describes the turn in progress.
type Turn struct {
	Player   string
	Number   int
	Start    time.Time
	Deadline time.Time
	HasMove  bool
}

// Arbiter is owned by one session and is not safe for concurrent use.
type Arbiter struct {
	cfg     Config
	clock   logging.Clock
	players []string
	index   int
	phase   Phase
	turn    Turn
	pending *move.Move
	// vacated is set when the turn's player was removed mid-turn.
	vacated bool
}

func New(cfg Config) *Arbiter {
	if cfg.TurnDuration <= 0 {
		cfg.TurnDuration = DefaultTurnDuration
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Arbiter{cfg: cfg, clock: clock}
}

// AddPlayer appends to the rotation. Existing members are ignored.
func (a *Arbiter) AddPlayer(player string) bool {
	if a.position(player) >= 0 {
		return false
	}
	a.players = append(a.players, player)
	return true
}

// Players returns the rotation in order.
func (a *Arbiter) Players() []string {
	return append([]string(nil), a.players...)
}

func (a *Arbiter) Len() int { return len(a.players) }

func (a *Arbiter) Has(player string) bool { return a.position(player) >= 0 }

func (a *Arbiter) position(player string) int {
	for i, p := range a.players {
		if p == player {
			return i
		}
	}
	return -1
}

func (a *Arbiter) Phase() Phase { return a.phase }

func (a *Arbiter) InTurn() bool {
	return a.phase == PhaseWaitingForMove || a.phase == PhaseMoveSubmitted
}

// CurrentPlayer is empty between turns and after the turn's player left.
func (a *Arbiter) CurrentPlayer() string {
	if !a.InTurn() || a.vacated {
		return ""
	}
	return a.turn.Player
}

func (a *Arbiter) Turn() Turn { return a.turn }

// StartTurn passes the turn to the next player in rotation. It refuses
// while a turn is in progress or when nobody is left to play.
func (a *Arbiter) StartTurn() (Turn, bool) {
	if a.InTurn() || len(a.players) == 0 {
		return Turn{}, false
	}
	a.index = (a.index + 1) % len(a.players)
	now := a.clock.Now()
	a.turn = Turn{
		Player:   a.players[a.index],
		Number:   a.turn.Number + 1,
		Start:    now,
		Deadline: now.Add(a.cfg.TurnDuration),
	}
	a.phase = PhaseWaitingForMove
	a.pending = nil
	a.vacated = false
	return a.turn, true
}

// SubmitMove queues m for application when the turn ends.
func (a *Arbiter) SubmitMove(player string, m move.Move) error {
	if cur := a.CurrentPlayer(); cur == "" || player != cur {
		return ErrNotYourTurn
	}
	// A duplicate is reported as such even once the clock has run out.
	if a.phase == PhaseMoveSubmitted {
		return ErrMoveAlreadySubmitted
	}
	now := a.clock.Now()
	if now.After(a.turn.Deadline) {
		return ErrTurnTimeout
	}
	a.pending = &m
	a.turn.HasMove = true
	a.phase = PhaseMoveSubmitted
	if a.cfg.EndTurnOnMove {
		a.turn.Deadline = now
	}
	return nil
}

// Pending returns the queued move, if any.
func (a *Arbiter) Pending() (move.Move, bool) {
	if a.pending == nil {
		return move.Move{}, false
	}
	return *a.pending, true
}

// Expired reports whether the turn in progress has reached its deadline.
func (a *Arbiter) Expired() bool {
	return a.InTurn() && !a.clock.Now().Before(a.turn.Deadline)
}

// EndTurn hands the queued move (if any) to apply and starts the next turn.
// It returns the ended turn and whether a new one began.
func (a *Arbiter) EndTurn(apply func(move.Move)) (ended Turn, next Turn, started bool) {
	if !a.InTurn() {
		return Turn{}, Turn{}, false
	}
	a.phase = PhaseTurnEnding
	ended = a.turn
	if a.pending != nil && apply != nil {
		apply(*a.pending)
	}
	a.pending = nil
	a.phase = PhaseIdle
	next, started = a.StartTurn()
	return ended, next, started
}

// Stop abandons any turn in progress without applying its move.
func (a *Arbiter) Stop() {
	a.phase = PhaseIdle
	a.pending = nil
}

// RemovePlayer drops player from the rotation. Removing the player whose
// turn it is moves the deadline to now so the next expiry check ends it.
func (a *Arbiter) RemovePlayer(player string) bool {
	pos := a.position(player)
	if pos < 0 {
		return false
	}
	a.players = append(a.players[:pos], a.players[pos+1:]...)

	if pos <= a.index {
		a.index--
	}
	if len(a.players) == 0 {
		a.index = 0
	} else if a.index < 0 {
		a.index = len(a.players) - 1
	} else {
		a.index %= len(a.players)
	}

	if a.InTurn() && a.turn.Player == player {
		a.vacated = true
		a.turn.Deadline = a.clock.Now()
	}
	return true
}
