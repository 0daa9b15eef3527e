package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"tower-arena/server/internal/move"
	"tower-arena/server/internal/net/proto"
	"tower-arena/server/internal/oracle"
	"tower-arena/server/internal/oracle/oracletest"
	"tower-arena/server/internal/physics"
	"tower-arena/server/internal/session"
	"tower-arena/server/internal/telemetry"
	"tower-arena/server/internal/turn"
	"tower-arena/server/logging"
	"tower-arena/server/logging/simulation"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	msgs   []proto.ServerMessage
	closed bool
	full   bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg proto.ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) OfType(typ string) []proto.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []proto.ServerMessage
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type recordingOracle struct {
	mu    sync.Mutex
	calls []oracle.CallKind
	// panicOn makes the next dispatch of that kind panic once.
	panicOn oracle.CallKind
}

func (o *recordingOracle) Dispatch(_ context.Context, kind oracle.CallKind, _ string) {
	o.mu.Lock()
	if o.panicOn != "" && o.panicOn == kind {
		o.panicOn = ""
		o.mu.Unlock()
		panic("ledger client exploded")
	}
	o.calls = append(o.calls, kind)
	o.mu.Unlock()
}

func (o *recordingOracle) Calls() []oracle.CallKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]oracle.CallKind(nil), o.calls...)
}

type eventLog struct {
	mu     sync.Mutex
	events []logging.Event
}

func (l *eventLog) Publish(_ context.Context, event logging.Event) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) OfType(t logging.EventType) []logging.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logging.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	reg     *Registry
	cfg     Config
	clock   *manualClock
	ticks   chan time.Time
	oracle  *recordingOracle
	events  *eventLog
	metrics *telemetry.Counters
	cancel  context.CancelFunc
	errc    chan error
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:   &manualClock{now: time.Unix(1_700_000_000, 0)},
		ticks:   make(chan time.Time),
		oracle:  &recordingOracle{},
		events:  &eventLog{},
		metrics: telemetry.NewCounters(),
		errc:    make(chan error, 1),
	}
	next := 0
	cfg := DefaultConfig()
	cfg.Clock = h.clock
	cfg.Oracle = h.oracle
	cfg.Publisher = h.events
	cfg.Metrics = h.metrics
	cfg.NewID = func() string {
		next++
		return fmt.Sprintf("s%d", next)
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.cfg = cfg
	h.reg = New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.reg.Serve(ctx, h.ticks) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.errc
	h.cancel = nil
}

// step advances the clock by d, runs one tick and waits for it to finish.
func (h *harness) step(t *testing.T, d time.Duration) {
	t.Helper()
	h.clock.Advance(d)
	h.ticks <- time.Time{}
	_, err := h.reg.Stats(context.Background())
	require.NoError(t, err)
}

func (h *harness) connect(t *testing.T, id string) *fakeConn {
	t.Helper()
	conn := &fakeConn{id: id}
	require.NoError(t, h.reg.Attach(context.Background(), conn))
	return conn
}

func (h *harness) join(t *testing.T, conn *fakeConn, player, sessionID string) JoinResult {
	t.Helper()
	res, err := h.reg.Join(context.Background(), conn.ID(), player, sessionID)
	require.NoError(t, err, "join %s", player)
	return res
}

func validMove(block int) *move.Input {
	return move.NewInput(block, r3.Vec{Z: 10}, r3.Vec{})
}

func TestMatchmakingStartsGame(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.connect(t, "c-a"), h.connect(t, "c-b")

	first := h.join(t, a, "alice", "")
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, session.StatusWaiting, first.State.Status)

	second := h.join(t, b, "bob", "")
	assert.Equal(t, "s1", second.SessionID)
	assert.Equal(t, session.StatusActive, second.State.Status)
	assert.Equal(t, "bob", second.State.CurrentPlayer)

	changes := a.OfType(string(session.EventTurnChanged))
	require.Len(t, changes, 1)
	assert.Equal(t, "bob", changes[0].Payload.(session.TurnChanged).Player)
	require.Len(t, b.OfType(proto.TypeJoined), 1)
	assert.NotEmpty(t, b.OfType(string(session.EventGameState)))
}

func TestMatchmakingSkipsStartedSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t, h.connect(t, "c-a"), "alice", "")
	h.join(t, h.connect(t, "c-b"), "bob", "")

	res := h.join(t, h.connect(t, "c-c"), "carol", "")
	assert.Equal(t, "s2", res.SessionID)

	states, err := h.reg.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, session.StatusActive, states[0].Status)
	assert.Equal(t, session.StatusWaiting, states[1].Status)
}

func TestCreateSessionAndJoinByID(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, b := h.connect(t, "c-a"), h.connect(t, "c-b")

	cfg := h.cfg.Defaults
	cfg.MaxPlayers = 3
	cfg.MinPlayers = 3
	state, err := h.reg.CreateSession(ctx, a.ID(), cfg)
	require.NoError(t, err)
	assert.Equal(t, session.StatusWaiting, state.Status)
	assert.Len(t, a.OfType(string(session.EventGameState)), 1)

	h.join(t, a, "alice", state.ID)
	_, err = h.reg.Join(ctx, a.ID(), "alice", state.ID)
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	_, err = h.reg.Join(ctx, b.ID(), "bob", "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.reg.Join(ctx, b.ID(), "", state.ID)
	assert.ErrorIs(t, err, ErrInvalidPlayer)
	_, err = h.reg.Join(ctx, "nobody", "bob", state.ID)
	assert.ErrorIs(t, err, ErrUnknownConnection)

	bad := h.cfg.Defaults
	bad.MaxPlayers = 9
	_, err = h.reg.CreateSession(ctx, a.ID(), bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, "INVALID_CONFIG", session.ErrorCode(err))
}

func TestSubmitMoveRoutesToSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, b, c := h.connect(t, "c-a"), h.connect(t, "c-b"), h.connect(t, "c-c")
	h.join(t, a, "alice", "")
	h.join(t, b, "bob", "")

	assert.ErrorIs(t, h.reg.SubmitMove(ctx, a.ID(), validMove(4)), turn.ErrNotYourTurn)
	assert.ErrorIs(t, h.reg.SubmitMove(ctx, c.ID(), validMove(4)), session.ErrNotMember)

	err := h.reg.SubmitMove(ctx, b.ID(), move.NewInput(-1, r3.Vec{Z: 1}, r3.Vec{}))
	var verr *move.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, move.KindInvalidData, verr.Kind)

	require.NoError(t, h.reg.SubmitMove(ctx, b.ID(), validMove(4)))
	accepted := a.OfType(string(session.EventMoveAccepted))
	require.Len(t, accepted, 1)
	assert.Equal(t, session.MoveAccepted{Player: "bob", BlockIndex: 4}, accepted[0].Payload)

	assert.ErrorIs(t, h.reg.SubmitMove(ctx, b.ID(), validMove(5)), turn.ErrMoveAlreadySubmitted)
}

func TestTurnDeadlineDispatchesOracleCall(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Defaults.TurnDuration = 2 * time.Second })
	a, b := h.connect(t, "c-a"), h.connect(t, "c-b")
	h.join(t, a, "alice", "")
	h.join(t, b, "bob", "")

	h.step(t, time.Second)
	assert.Empty(t, h.oracle.Calls())

	h.step(t, 2*time.Second)
	assert.Equal(t, []oracle.CallKind{oracle.CallTimeoutTurn}, h.oracle.Calls())
	changes := a.OfType(string(session.EventTurnChanged))
	require.Len(t, changes, 2)
	assert.Equal(t, "alice", changes[1].Payload.(session.TurnChanged).Player)

	require.NoError(t, h.reg.SubmitMove(context.Background(), a.ID(), validMove(7)))
	h.step(t, 3*time.Second)
	assert.Equal(t, []oracle.CallKind{oracle.CallTimeoutTurn, oracle.CallCompleteTurn}, h.oracle.Calls())
}

func TestBroadcastCadence(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "c-a")
	h.join(t, a, "alice", "")
	h.join(t, h.connect(t, "c-b"), "bob", "")

	tick := time.Second / DefaultTickRate
	h.step(t, tick)
	h.step(t, tick)
	assert.Empty(t, a.OfType(string(session.EventPhysicsUpdate)))

	h.step(t, tick)
	updates := a.OfType(string(session.EventPhysicsUpdate))
	require.Len(t, updates, 1)
	bodies := updates[0].Payload.(session.PhysicsUpdate).Bodies
	assert.Len(t, bodies, physics.DefaultLayers*physics.BlocksPerLayer)
}

func TestDisconnectAndReconnect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, b := h.connect(t, "c-a"), h.connect(t, "c-b")
	h.join(t, a, "alice", "")
	h.join(t, b, "bob", "")

	require.NoError(t, h.reg.Detach(ctx, a.ID()))
	disconnected := b.OfType(string(session.EventPlayerDisconnected))
	require.Len(t, disconnected, 1)
	assert.Equal(t, "alice", disconnected[0].Payload.(session.PlayerDisconnected).Player)

	h.step(t, 29*time.Second)

	again := h.connect(t, "c-a2")
	res := h.join(t, again, "alice", "")
	assert.True(t, res.Reconnected)
	assert.Equal(t, "s1", res.SessionID)
	assert.Len(t, b.OfType(string(session.EventPlayerReconnected)), 1)

	states, err := h.reg.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, states[0].Active)
	assert.Empty(t, states[0].Disconnected)
}

func TestGraceExpiryEndsGameAndSessionIsReclaimed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, b := h.connect(t, "c-a"), h.connect(t, "c-b")
	h.join(t, a, "alice", "")
	h.join(t, b, "bob", "")

	require.NoError(t, h.reg.Detach(ctx, b.ID()))
	h.step(t, 31*time.Second)

	ended := a.OfType(string(session.EventGameEnded))
	require.Len(t, ended, 1)
	assert.Equal(t, session.GameEnded{Winner: "alice", Reason: "disconnected"}, ended[0].Payload)
	assert.False(t, a.Closed(), "winner lingers in the room")

	h.step(t, DefaultSessionLinger)
	assert.True(t, a.Closed())
	states, err := h.reg.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.Equal(t, uint64(1), h.metrics.Snapshot()["sessions_reclaimed"])
	assert.Len(t, h.events.OfType(simulation.EventSessionReclaimed), 1)
}

func TestSurrenderEndsGameAndWinnerLeaving(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, b := h.connect(t, "c-a"), h.connect(t, "c-b")
	h.join(t, a, "alice", "")
	h.join(t, b, "bob", "")

	require.NoError(t, h.reg.Surrender(ctx, a.ID()))
	ended := b.OfType(string(session.EventGameEnded))
	require.Len(t, ended, 1)
	assert.Equal(t, session.GameEnded{Winner: "bob", Reason: "surrendered"}, ended[0].Payload)
	assert.ErrorIs(t, h.reg.Surrender(ctx, a.ID()), session.ErrNotMember)

	require.NoError(t, h.reg.Detach(ctx, a.ID()))
	require.NoError(t, h.reg.Detach(ctx, b.ID()))
	h.step(t, time.Second/DefaultTickRate)

	stats, err := h.reg.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Sessions)
	assert.Zero(t, stats.Connections)
}

func TestLeavingWaitingSessionFreesConnection(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.connect(t, "c-a")

	res := h.join(t, a, "alice", "")
	require.NoError(t, h.reg.Surrender(ctx, a.ID()))
	assert.ErrorIs(t, h.reg.Surrender(ctx, a.ID()), session.ErrNotMember)

	states, err := h.reg.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Empty(t, states[0].Roster)

	again := h.join(t, a, "alice", res.SessionID)
	assert.Equal(t, []string{"alice"}, again.State.Roster)
	require.NoError(t, h.reg.Surrender(ctx, a.ID()))

	matched := h.join(t, a, "alice", "")
	assert.Equal(t, res.SessionID, matched.SessionID)
	require.NoError(t, h.reg.Surrender(ctx, a.ID()))

	h.step(t, DefaultSessionLinger)
	stats, err := h.reg.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Sessions, "an abandoned waiting session is reclaimed")
	assert.Equal(t, 1, stats.Connections)
	assert.False(t, a.Closed())
}

func TestIdleWaitingSessionIsReclaimed(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "c-a")
	_, err := h.reg.CreateSession(context.Background(), a.ID(), h.cfg.Defaults)
	require.NoError(t, err)

	h.step(t, time.Second)
	stats, err := h.reg.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sessions)

	h.step(t, DefaultSessionLinger)
	stats, err = h.reg.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Sessions)
	assert.False(t, a.Closed(), "creator never joined the room")
}

func TestJoinFromSecondConnectionReplacesFirst(t *testing.T) {
	h := newHarness(t, nil)
	first, second := h.connect(t, "c-1"), h.connect(t, "c-2")
	res := h.join(t, first, "alice", "")
	h.join(t, second, "alice", res.SessionID)

	assert.True(t, first.Closed())
	errs := first.OfType(proto.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "REPLACED", errs[0].Payload.(proto.ErrorPayload).Code)

	require.NoError(t, h.reg.Detach(context.Background(), first.ID()))
	states, err := h.reg.Sessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states[0].Disconnected, "stale connection must not disconnect the player")
}

func TestPaidSessionVerifiesStake(t *testing.T) {
	ledger := oracletest.New()
	ledger.SetPaid("alice", true)
	h := newHarness(t, func(cfg *Config) { cfg.Payments = ledger })
	ctx := context.Background()
	a, b := h.connect(t, "c-a"), h.connect(t, "c-b")

	cfg := h.cfg.Defaults
	cfg.Difficulty = physics.DifficultyHard
	cfg.Stake = 5
	state, err := h.reg.CreateSession(ctx, a.ID(), cfg)
	require.NoError(t, err)
	require.True(t, state.Config.RequiresPayment())

	_, err = h.reg.Join(ctx, b.ID(), "bob", state.ID)
	assert.ErrorIs(t, err, ErrPaymentRequired)
	assert.Empty(t, b.OfType(proto.TypeJoined))

	res := h.join(t, a, "alice", state.ID)
	assert.Equal(t, []string{"alice"}, res.State.Roster)

	// A failed check leaves the connection free to try again.
	ledger.SetPaid("bob", true)
	res = h.join(t, b, "bob", state.ID)
	assert.Equal(t, session.StatusActive, res.State.Status)
}

func TestMixedCaseDifficultyStillRequiresPayment(t *testing.T) {
	ledger := oracletest.New()
	h := newHarness(t, func(cfg *Config) { cfg.Payments = ledger })
	ctx := context.Background()
	a := h.connect(t, "c-a")

	cfg := proto.ClientMessage{Difficulty: "HARD", Stake: 5}.SessionConfig(h.cfg.Defaults)
	state, err := h.reg.CreateSession(ctx, a.ID(), cfg)
	require.NoError(t, err)
	assert.Equal(t, physics.DifficultyHard, state.Config.Difficulty)
	require.True(t, state.Config.RequiresPayment())

	_, err = h.reg.Join(ctx, a.ID(), "alice", state.ID)
	assert.ErrorIs(t, err, ErrPaymentRequired)
}

func TestPracticeSessionSkipsPayment(t *testing.T) {
	ledger := oracletest.New()
	h := newHarness(t, func(cfg *Config) { cfg.Payments = ledger })
	a := h.connect(t, "c-a")

	cfg := h.cfg.Defaults
	cfg.Difficulty = physics.DifficultyHard
	cfg.Stake = 5
	cfg.Practice = true
	state, err := h.reg.CreateSession(context.Background(), a.ID(), cfg)
	require.NoError(t, err)
	h.join(t, a, "alice", state.ID)
}

func TestPanicInSessionIsContained(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Defaults.TurnDuration = time.Second })
	h.oracle.panicOn = oracle.CallTimeoutTurn
	a := h.connect(t, "c-a")
	h.join(t, a, "alice", "")
	h.join(t, h.connect(t, "c-b"), "bob", "")

	h.step(t, 2*time.Second)
	assert.Equal(t, uint64(1), h.metrics.Snapshot()["tick_panics"])
	faults := h.events.OfType(simulation.EventSessionFault)
	require.Len(t, faults, 1)
	assert.Equal(t, "s1", faults[0].SessionID)

	h.step(t, 2*time.Second)
	assert.Equal(t, []oracle.CallKind{oracle.CallTimeoutTurn}, h.oracle.Calls())
	states, err := h.reg.Sessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, states[0].Status)
	assert.Equal(t, "bob", states[0].CurrentPlayer)
}

func TestDroppedFramesAreCounted(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "c-a")
	h.join(t, a, "alice", "")
	a.mu.Lock()
	a.full = true
	a.mu.Unlock()

	h.join(t, h.connect(t, "c-b"), "bob", "")
	assert.NotZero(t, h.metrics.Snapshot()["frames_dropped"])
}

func TestStopClosesConnections(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect(t, "c-a")
	h.join(t, a, "alice", "")

	h.stop()
	assert.True(t, a.Closed())
	_, err := h.reg.Sessions(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, h.reg.Serve(context.Background(), nil), ErrAlreadyRunning)
}
