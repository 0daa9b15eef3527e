// Package registry owns every live session and drives them from one loop
// goroutine. Sessions are never touched from any other goroutine; callers
// reach them by sending commands through the registry's inbox.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tower-arena/server/internal/move"
	"tower-arena/server/internal/net/proto"
	"tower-arena/server/internal/session"
	"tower-arena/server/internal/telemetry"
	"tower-arena/server/logging"
	"tower-arena/server/logging/network"
	"tower-arena/server/logging/simulation"
)

const (
	DefaultTickRate      = 60
	DefaultBroadcastRate = 20
	DefaultSessionLinger = 2 * time.Minute
	DefaultMaxSessions   = 1024
	defaultInboxSize     = 256

	// maxTickDelta bounds the simulated time of one tick after a stall.
	maxTickDelta = 0.25
)

// Error is a registry-level rejection carrying a wire code.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Code() string  { return e.code }

var (
	ErrStopped           = &Error{code: "UNAVAILABLE", msg: "registry: not running"}
	ErrUnknownConnection = &Error{code: "NOT_CONNECTED", msg: "registry: unknown connection"}
	ErrSessionNotFound   = &Error{code: "SESSION_NOT_FOUND", msg: "registry: session not found"}
	ErrTooManySessions   = &Error{code: "TOO_MANY_SESSIONS", msg: "registry: session limit reached"}
	ErrAlreadyJoined     = &Error{code: "ALREADY_JOINED", msg: "registry: connection already joined a session"}
	ErrJoinPending       = &Error{code: "JOIN_PENDING", msg: "registry: a join is already in progress"}
	ErrInvalidPlayer     = &Error{code: "INVALID_PLAYER", msg: "registry: player identity is required"}
	ErrInvalidConfig     = &Error{code: "INVALID_CONFIG", msg: "registry: invalid session config"}
	ErrPaymentRequired   = &Error{code: "PAYMENT_REQUIRED", msg: "registry: payment verification failed"}
	ErrReplaced          = &Error{code: "REPLACED", msg: "registry: identity joined from another connection"}
)

var ErrAlreadyRunning = errors.New("registry: already running")

// Connection is the registry's view of one client transport. Send must not
// block; it reports false when the frame was dropped.
type Connection interface {
	ID() string
	Send(msg proto.ServerMessage) bool
	Close()
}

// PaymentVerifier checks a player's stake deposit. It may block.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, sessionID, player string, stake int64) (bool, error)
}

type Config struct {
	TickRate      int
	BroadcastRate int
	// SessionLinger bounds how long a finished session with connections, or
	// an empty waiting session, is kept.
	SessionLinger time.Duration
	MaxSessions   int
	InboxSize     int
	// Defaults seeds matchmaking sessions and createSession requests.
	Defaults session.Config

	Clock     logging.Clock
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Oracle    session.Dispatcher
	// Payments verifies stakes for paid sessions. Nil skips verification.
	Payments PaymentVerifier
	NewID    func() string
}

func DefaultConfig() Config {
	return Config{
		TickRate:      DefaultTickRate,
		BroadcastRate: DefaultBroadcastRate,
		SessionLinger: DefaultSessionLinger,
		MaxSessions:   DefaultMaxSessions,
		InboxSize:     defaultInboxSize,
		Defaults:      session.DefaultConfig(),
	}
}

// JoinResult describes a completed join.
type JoinResult struct {
	SessionID   string
	Player      string
	Reconnected bool
	State       session.State
}

type Stats struct {
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
	Ticks       uint64 `json:"ticks"`
	TickRate    int    `json:"tickRate"`
}

type entry struct {
	id      string
	session *session.Session
	// room holds the ids of connections receiving this session's events.
	room map[string]struct{}
	// players maps a player identity to its bound connection.
	players map[string]string
	touched time.Time
}

type binding struct {
	conn      Connection
	sessionID string
	player    string
	pending   bool
}

type Registry struct {
	cfg            Config
	interval       time.Duration
	broadcastEvery uint64

	inbox   chan func()
	done    chan struct{}
	running atomic.Bool

	// Owned by the loop goroutine.
	ctx      context.Context
	sessions map[string]*entry
	order    []string
	conns    map[string]*binding
	ticks    uint64
	last     time.Time
}

func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.TickRate <= 0 {
		cfg.TickRate = def.TickRate
	}
	if cfg.BroadcastRate <= 0 {
		cfg.BroadcastRate = def.BroadcastRate
	}
	if cfg.SessionLinger <= 0 {
		cfg.SessionLinger = def.SessionLinger
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.Defaults == (session.Config{}) {
		cfg.Defaults = def.Defaults
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics{}
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	every := cfg.TickRate / cfg.BroadcastRate
	if every <= 0 {
		every = 1
	}
	return &Registry{
		cfg:            cfg,
		interval:       time.Second / time.Duration(cfg.TickRate),
		broadcastEvery: uint64(every),
		inbox:          make(chan func(), cfg.InboxSize),
		done:           make(chan struct{}),
		ctx:            context.Background(),
		sessions:       make(map[string]*entry),
		conns:          make(map[string]*binding),
	}
}

// Run drives the registry at the configured tick rate until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	return r.Serve(ctx, ticker.C)
}

// Serve runs the loop, ticking once per value received from ticks. The
// simulated delta comes from the configured clock, not from the tick values.
func (r *Registry) Serve(ctx context.Context, ticks <-chan time.Time) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(r.done)

	r.ctx = ctx
	r.last = r.cfg.Clock.Now()
	r.cfg.Logger.Printf("registry running at %d Hz (broadcast every %d ticks)", r.cfg.TickRate, r.broadcastEvery)

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case cmd := <-r.inbox:
			cmd()
		case <-ticks:
			r.tick(r.cfg.Clock.Now())
		}
	}
}

func (r *Registry) shutdown() {
	for id, b := range r.conns {
		b.conn.Close()
		delete(r.conns, id)
	}
	r.cfg.Logger.Printf("registry stopped with %d sessions", len(r.sessions))
}

// do runs fn on the loop goroutine and waits for it to finish.
func (r *Registry) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}
	select {
	case r.inbox <- cmd:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. It is dropped once the loop has stopped.
func (r *Registry) post(fn func()) {
	select {
	case r.inbox <- fn:
	case <-r.done:
	}
}

// Attach registers a connection so it can create and join sessions.
func (r *Registry) Attach(ctx context.Context, conn Connection) error {
	return r.do(ctx, func() {
		r.conns[conn.ID()] = &binding{conn: conn}
		r.cfg.Metrics.Store("registry_connections", uint64(len(r.conns)))
	})
}

// Detach forgets a closed connection. A bound player gets a grace window
// rather than an immediate removal.
func (r *Registry) Detach(ctx context.Context, connID string) error {
	return r.do(ctx, func() {
		b, ok := r.conns[connID]
		if !ok {
			return
		}
		delete(r.conns, connID)
		r.cfg.Metrics.Store("registry_connections", uint64(len(r.conns)))
		e, ok := r.sessions[b.sessionID]
		if !ok {
			return
		}
		r.leaveRoom(e, connID, b.player)
		e.session.Disconnect(b.player, "disconnected")
		r.flush(e)
	})
}

// CreateSession opens a WAITING session and sends its state to the creator.
func (r *Registry) CreateSession(ctx context.Context, connID string, cfg session.Config) (session.State, error) {
	var (
		state session.State
		err   error
	)
	if doErr := r.do(ctx, func() {
		b, ok := r.conns[connID]
		if !ok {
			err = ErrUnknownConnection
			return
		}
		var e *entry
		if e, err = r.create(cfg); err != nil {
			return
		}
		state = e.session.State()
		r.send(connID, b, proto.State(state))
	}); doErr != nil {
		return session.State{}, doErr
	}
	return state, err
}

type joinReply struct {
	result JoinResult
	err    error
}

// Join seats player in sessionID, or in the first waiting session with a
// free seat when sessionID is empty. Paid sessions verify the stake off the
// loop first.
func (r *Registry) Join(ctx context.Context, connID, player, sessionID string) (JoinResult, error) {
	reply := make(chan joinReply, 1)
	if err := r.do(ctx, func() { r.join(connID, player, sessionID, reply) }); err != nil {
		return JoinResult{}, err
	}
	select {
	case res := <-reply:
		return res.result, res.err
	case <-r.done:
		return JoinResult{}, ErrStopped
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}
}

func (r *Registry) join(connID, player, sessionID string, reply chan<- joinReply) {
	b, ok := r.conns[connID]
	switch {
	case !ok:
		reply <- joinReply{err: ErrUnknownConnection}
		return
	case player == "":
		reply <- joinReply{err: ErrInvalidPlayer}
		return
	case b.pending:
		reply <- joinReply{err: ErrJoinPending}
		return
	case b.sessionID != "":
		reply <- joinReply{err: ErrAlreadyJoined}
		return
	}

	e, err := r.resolve(player, sessionID)
	if err != nil {
		reply <- joinReply{err: err}
		return
	}
	s := e.session
	if r.cfg.Payments == nil || s.IsMember(player) || !s.HasCapacity() || !s.Config().RequiresPayment() {
		r.seat(b, e, player, reply)
		return
	}

	b.pending = true
	ctx, verifier := r.ctx, r.cfg.Payments
	sid, stake := e.id, s.Config().Stake
	go func() {
		paid, err := verifier.VerifyPayment(ctx, sid, player, stake)
		r.post(func() { r.finishPayment(connID, player, sid, paid, err, reply) })
	}()
}

func (r *Registry) finishPayment(connID, player, sessionID string, paid bool, err error, reply chan<- joinReply) {
	b, ok := r.conns[connID]
	if !ok {
		reply <- joinReply{err: ErrUnknownConnection}
		return
	}
	b.pending = false
	if err != nil || !paid {
		if err != nil {
			r.cfg.Logger.Printf("payment check for %s in %s failed: %v", player, sessionID, err)
		}
		reply <- joinReply{err: ErrPaymentRequired}
		return
	}
	e, ok := r.sessions[sessionID]
	if !ok {
		reply <- joinReply{err: ErrSessionNotFound}
		return
	}
	r.seat(b, e, player, reply)
}

// resolve picks the session a join targets.
func (r *Registry) resolve(player, sessionID string) (*entry, error) {
	if sessionID != "" {
		e, ok := r.sessions[sessionID]
		if !ok {
			return nil, ErrSessionNotFound
		}
		return e, nil
	}
	for _, id := range r.order {
		if e := r.sessions[id]; e.session.IsDisconnected(player) {
			return e, nil
		}
	}
	for _, id := range r.order {
		if e := r.sessions[id]; e.session.HasCapacity() {
			return e, nil
		}
	}
	return r.create(r.cfg.Defaults)
}

func (r *Registry) create(cfg session.Config) (*entry, error) {
	if len(r.sessions) >= r.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}
	id := r.cfg.NewID()
	s, err := session.New(r.ctx, id, cfg, session.Deps{
		Clock:     r.cfg.Clock,
		Logger:    r.cfg.Logger,
		Publisher: r.cfg.Publisher,
		Metrics:   r.cfg.Metrics,
		Oracle:    r.cfg.Oracle,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	e := &entry{
		id:      id,
		session: s,
		room:    make(map[string]struct{}),
		players: make(map[string]string),
		touched: r.cfg.Clock.Now(),
	}
	r.sessions[id] = e
	r.order = append(r.order, id)
	r.cfg.Metrics.Add("sessions_created", 1)
	r.cfg.Metrics.Store("registry_sessions", uint64(len(r.sessions)))
	r.cfg.Logger.Printf("session %s created (%s, max %d players)", id, s.Config().Difficulty, s.Config().MaxPlayers)
	return e, nil
}

func (r *Registry) seat(b *binding, e *entry, player string, reply chan<- joinReply) {
	connID := b.conn.ID()
	reconnected, err := e.session.AddPlayer(player)
	if err != nil {
		reply <- joinReply{err: err}
		return
	}

	if prev, ok := e.players[player]; ok && prev != connID {
		r.leaveRoom(e, prev, player)
		if old, ok := r.conns[prev]; ok {
			delete(r.conns, prev)
			r.send(prev, old, proto.ErrorFrom(ErrReplaced))
			old.conn.Close()
		}
	}

	b.sessionID = e.id
	b.player = player
	e.room[connID] = struct{}{}
	e.players[player] = connID
	e.touched = r.cfg.Clock.Now()

	res := JoinResult{
		SessionID:   e.id,
		Player:      player,
		Reconnected: reconnected,
		State:       e.session.State(),
	}
	r.send(connID, b, proto.Joined(proto.JoinedPayload{
		SessionID:   res.SessionID,
		Player:      res.Player,
		Reconnected: res.Reconnected,
		State:       res.State,
	}))
	r.flush(e)
	reply <- joinReply{result: res}
}

func (r *Registry) leaveRoom(e *entry, connID, player string) {
	delete(e.room, connID)
	if e.players[player] == connID {
		delete(e.players, player)
	}
}

// bound returns the session a connection has joined.
func (r *Registry) bound(connID string) (*binding, *entry, error) {
	b, ok := r.conns[connID]
	if !ok {
		return nil, nil, ErrUnknownConnection
	}
	e, ok := r.sessions[b.sessionID]
	if !ok {
		return b, nil, session.ErrNotMember
	}
	return b, e, nil
}

// SubmitMove routes a move proposal to the connection's session.
func (r *Registry) SubmitMove(ctx context.Context, connID string, in *move.Input) error {
	var err error
	if doErr := r.do(ctx, func() {
		b, e, bindErr := r.bound(connID)
		if bindErr != nil {
			err = bindErr
			return
		}
		err = e.session.HandleMove(b.player, in)
		r.flush(e)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Surrender permanently removes the connection's player from play. Once a
// game has started the connection stays in the room and keeps receiving
// events. A player leaving a waiting session gives up the seat and the
// connection is free to join again.
func (r *Registry) Surrender(ctx context.Context, connID string) error {
	var err error
	if doErr := r.do(ctx, func() {
		b, e, bindErr := r.bound(connID)
		if bindErr != nil {
			err = bindErr
			return
		}
		if !e.session.Surrender(b.player) {
			err = session.ErrNotMember
		}
		r.flush(e)
		if !e.session.IsMember(b.player) {
			r.leaveRoom(e, connID, b.player)
			b.sessionID = ""
			b.player = ""
			e.touched = r.cfg.Clock.Now()
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Sessions lists the public state of every live session in creation order.
func (r *Registry) Sessions(ctx context.Context) ([]session.State, error) {
	var out []session.State
	err := r.do(ctx, func() {
		out = make([]session.State, 0, len(r.order))
		for _, id := range r.order {
			out = append(out, r.sessions[id].session.State())
		}
	})
	return out, err
}

func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := r.do(ctx, func() {
		stats = Stats{
			Sessions:    len(r.sessions),
			Connections: len(r.conns),
			Ticks:       r.ticks,
			TickRate:    r.cfg.TickRate,
		}
	})
	return stats, err
}

func (r *Registry) tick(now time.Time) {
	started := time.Now()
	dt := now.Sub(r.last).Seconds()
	r.last = now
	if dt < 0 {
		dt = 0
	}
	if dt > maxTickDelta {
		dt = maxTickDelta
	}
	r.ticks++

	for _, id := range r.order {
		e := r.sessions[id]
		r.update(e, dt)
		r.flush(e)
		if e.session.Status() == session.StatusActive && r.ticks%r.broadcastEvery == 0 {
			r.broadcast(e, proto.State(e.session.State()))
			r.broadcast(e, proto.Event(session.Event{Kind: session.EventPhysicsUpdate, Payload: e.session.PhysicsSnapshot()}))
		}
	}
	r.reclaim(now)

	r.cfg.Metrics.Add("registry_ticks", 1)
	if elapsed := time.Since(started); elapsed > r.interval {
		r.cfg.Metrics.Add("tick_overruns", 1)
		simulation.TickBudgetOverrun(r.ctx, r.cfg.Publisher, r.ticks, simulation.TickBudgetOverrunPayload{
			DurationMillis: elapsed.Milliseconds(),
			BudgetMillis:   r.interval.Milliseconds(),
			Ratio:          float64(elapsed) / float64(r.interval),
			Sessions:       len(r.sessions),
		})
	}
}

// update advances one session. A panic is contained to that session so the
// loop and every other session keep running.
func (r *Registry) update(e *entry, dt float64) {
	defer func() {
		if rec := recover(); rec != nil {
			r.cfg.Metrics.Add("tick_panics", 1)
			r.cfg.Logger.Printf("session %s: recovered from panic: %v", e.id, rec)
			simulation.SessionFault(r.ctx, r.cfg.Publisher, r.ticks, e.id, simulation.SessionFaultPayload{Panic: fmt.Sprint(rec)})
		}
	}()
	switch e.session.Status() {
	case session.StatusActive:
		e.session.Update(dt)
	case session.StatusWaiting:
		e.session.ExpireDisconnected()
	}
}

func (r *Registry) flush(e *entry) {
	for _, ev := range e.session.DrainEvents() {
		r.broadcast(e, proto.Event(ev))
	}
}

func (r *Registry) broadcast(e *entry, msg proto.ServerMessage) {
	for connID := range e.room {
		if b, ok := r.conns[connID]; ok {
			r.send(connID, b, msg)
		}
	}
}

func (r *Registry) send(connID string, b *binding, msg proto.ServerMessage) {
	if b.conn.Send(msg) {
		return
	}
	r.cfg.Metrics.Add("frames_dropped", 1)
	network.SendDropped(r.ctx, r.cfg.Publisher, connID, network.MessagePayload{
		MessageType: msg.Type,
		Reason:      "send buffer full",
	})
}

func (r *Registry) reclaim(now time.Time) {
	kept := r.order[:0]
	for _, id := range r.order {
		e := r.sessions[id]
		if reason, ok := r.reclaimable(e, now); ok {
			r.drop(e, reason)
			continue
		}
		kept = append(kept, id)
	}
	clear(r.order[len(kept):])
	r.order = kept
}

func (r *Registry) reclaimable(e *entry, now time.Time) (string, bool) {
	s := e.session
	status := s.Status()
	switch {
	case status.Terminal() && s.ActiveCount() == 0:
		return "no active players", true
	case status.Terminal() && len(e.room) == 0:
		return "no connections", true
	case status.Terminal() && now.Sub(s.EndedAt()) >= r.cfg.SessionLinger:
		return "linger expired", true
	case status == session.StatusWaiting && s.ActiveCount() == 0 && len(e.room) == 0 &&
		now.Sub(e.touched) >= r.cfg.SessionLinger:
		return "idle", true
	}
	return "", false
}

// drop removes a session and closes any connections still in its room.
func (r *Registry) drop(e *entry, reason string) {
	for connID := range e.room {
		if b, ok := r.conns[connID]; ok {
			delete(r.conns, connID)
			b.conn.Close()
		}
	}
	delete(r.sessions, e.id)

	r.cfg.Metrics.Add("sessions_reclaimed", 1)
	r.cfg.Metrics.Store("registry_sessions", uint64(len(r.sessions)))
	r.cfg.Metrics.Store("registry_connections", uint64(len(r.conns)))
	r.cfg.Logger.Printf("session %s reclaimed: %s", e.id, reason)
	simulation.SessionReclaimed(r.ctx, r.cfg.Publisher, r.ticks, e.id, simulation.SessionReclaimedPayload{
		Status: string(e.session.Status()),
		Reason: reason,
	})
}
