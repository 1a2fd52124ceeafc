// Package client keeps one logical connection to the fireworks server alive: it dials,
// waits for the handshake, queues outbound actions while offline, reconnects after drops and
// measures round-trip latency.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DoyleJ11/fireworks-backend/pkg/observe"
	"github.com/DoyleJ11/fireworks-backend/pkg/types"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var ErrLeftRoom = errors.New("left room")

type Options struct {
	URL    string
	Dialer Dialer          // default WSDialer
	Clock  clockwork.Clock // default real clock
	Logger *zap.Logger

	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	PingInterval         time.Duration
	LatencyThreshold     time.Duration
	ConnectTimeout       time.Duration // dial plus handshake
	WriteTimeout         time.Duration
	QueueCapacity        int
	LatencyWindow        int
}

func DefaultOptions(url string) Options {
	return Options{
		URL:                  url,
		MaxReconnectAttempts: 3,
		ReconnectInterval:    5 * time.Second,
		PingInterval:         25 * time.Second,
		LatencyThreshold:     3 * time.Second,
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         3 * time.Second,
		QueueCapacity:        100,
		LatencyWindow:        20,
	}
}

func (o *Options) fill() {
	def := DefaultOptions(o.URL)
	if o.Dialer == nil {
		o.Dialer = WSDialer{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = def.ReconnectInterval
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.LatencyThreshold <= 0 {
		o.LatencyThreshold = def.LatencyThreshold
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = def.QueueCapacity
	}
	if o.LatencyWindow <= 0 {
		o.LatencyWindow = def.LatencyWindow
	}
}

type loopMsg interface{ isLoopMsg() }

type connectCmd struct{ retry bool }

type disconnectCmd struct{}

type joinCmd struct {
	req   types.JoinRoom
	reply chan joinResult
}

type leaveCmd struct{}

type sendCmd struct{ out Outbound }

type syncCmd struct{ done chan struct{} }

type dialResult struct {
	gen  uint64
	conn Conn
	err  error
}

type inbound struct {
	gen uint64
	env types.Envelope
}

type readFailed struct {
	gen uint64
	err error
}

type timerFired struct {
	kind timerKind
	gen  uint64
}

func (connectCmd) isLoopMsg()    {}
func (disconnectCmd) isLoopMsg() {}
func (joinCmd) isLoopMsg()       {}
func (leaveCmd) isLoopMsg()      {}
func (sendCmd) isLoopMsg()       {}
func (syncCmd) isLoopMsg()       {}
func (dialResult) isLoopMsg()    {}
func (inbound) isLoopMsg()       {}
func (readFailed) isLoopMsg()    {}
func (timerFired) isLoopMsg()    {}

type joinResult struct {
	info types.RoomInfo
	err  error
}

type timerKind int

const (
	pingTimer timerKind = iota
	reconnectTimer
	connectTimer
	numTimers
)

// view is what the query methods read. The loop republishes it after every change.
type view struct {
	state    State
	connID   string
	room     *types.RoomInfo
	latency  LatencyStats
	queueLen int
	attempts int
}

// Synchronizer owns one logical connection. All state lives in a single loop goroutine;
// public methods post commands to it and never block on the network, except JoinRoom which
// waits for the server's answer.
//
// Observers run on the loop goroutine in subscription order. They may call any method except
// Close and JoinRoom.
type Synchronizer struct {
	opts  Options
	clock clockwork.Clock
	log   *zap.Logger

	inbox  chan loopMsg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	stateObs   observe.List[StateChange]
	latencyObs observe.List[time.Duration]
	errorObs   observe.List[string]
	msgMu      sync.Mutex
	msgObs     map[string]*observe.List[types.Envelope]

	viewMu sync.RWMutex
	view   view

	// loop-owned
	state      State
	connID     string
	conn       Conn
	connGen    uint64 // bumped whenever the current transport is abandoned
	stopConn   context.CancelFunc
	attempts   int
	queue      *Queue
	latency    *LatencyWindow
	timers     [numTimers]clockwork.Timer
	timerGen   [numTimers]uint64
	pingSentAt time.Time
	pingOut    bool
	room       *types.RoomInfo
	lastJoin   *types.JoinRoom // replayed after a reconnect
	joins      []*joinFlight   // sent, unanswered, oldest first
}

// joinFlight is a join_room frame waiting for its answer. The server answers joins in the order
// it receives them, so replies are matched to the oldest flight.
type joinFlight struct {
	req   types.JoinRoom
	reply chan joinResult // nil for a replayed join
	stale bool            // superseded or left; the answer is dropped
}

func New(opts Options) *Synchronizer {
	opts.fill()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger,
		inbox:   make(chan loopMsg, 128),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		msgObs:  make(map[string]*observe.List[types.Envelope]),
		queue:   NewQueue(opts.QueueCapacity),
		latency: NewLatencyWindow(opts.LatencyWindow),
	}
	s.refreshView()
	go s.loop()
	return s
}

func (s *Synchronizer) post(m loopMsg) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- m:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// barrier returns once every message posted before it has been handled.
func (s *Synchronizer) barrier() error {
	done := make(chan struct{})
	if err := s.post(syncCmd{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Connect starts dialing. It is a no-op while connecting or connected.
func (s *Synchronizer) Connect() error { return s.post(connectCmd{}) }

// RetryConnection resets the attempt counter and dials once. Used after Failed.
func (s *Synchronizer) RetryConnection() error { return s.post(connectCmd{retry: true}) }

// Disconnect closes the connection and discards the queue, latency history and room.
func (s *Synchronizer) Disconnect() error { return s.post(disconnectCmd{}) }

// JoinRoom asks the server for a room and waits for the answer. A rejection is returned as
// *JoinError.
func (s *Synchronizer) JoinRoom(ctx context.Context, nickname string, roomType types.RoomType, code string) (types.RoomInfo, error) {
	reply := make(chan joinResult, 1)
	cmd := joinCmd{
		req:   types.JoinRoom{Nickname: nickname, RoomType: roomType, Code: code},
		reply: reply,
	}
	if err := s.post(cmd); err != nil {
		return types.RoomInfo{}, err
	}
	select {
	case r := <-reply:
		return r.info, r.err
	case <-ctx.Done():
		return types.RoomInfo{}, ctx.Err()
	case <-s.done:
		return types.RoomInfo{}, ErrClosed
	}
}

func (s *Synchronizer) LeaveRoom() error { return s.post(leaveCmd{}) }

func (s *Synchronizer) SendFireworkAction(x, y float64, fireworkTypeID int) error {
	return s.send(types.EvtFireworkAction, types.FireworkAction{X: x, Y: y, FireworkTypeID: fireworkTypeID})
}

func (s *Synchronizer) SendChatMessage(text string) error {
	return s.send(types.EvtChatMessage, types.ChatMessage{Message: text})
}

func (s *Synchronizer) SendComboMilestone(count int) error {
	return s.send(types.EvtComboMilestone, types.ComboMilestone{ComboCount: count})
}

func (s *Synchronizer) send(evt string, payload any) error {
	frame, err := types.Encode(evt, payload)
	if err != nil {
		return err
	}
	return s.post(sendCmd{out: Outbound{Type: evt, Frame: frame}})
}

// Close tears the synchronizer down without emitting further events.
func (s *Synchronizer) Close() {
	s.cancel()
	<-s.done
}

func (s *Synchronizer) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	return s.stateObs.Subscribe(fn)
}

func (s *Synchronizer) OnLatency(fn func(time.Duration)) (unsubscribe func()) {
	return s.latencyObs.Subscribe(fn)
}

func (s *Synchronizer) OnError(fn func(string)) (unsubscribe func()) {
	return s.errorObs.Subscribe(fn)
}

// OnMessage subscribes to one server event type.
func (s *Synchronizer) OnMessage(eventType string, fn func(types.Envelope)) (unsubscribe func()) {
	s.msgMu.Lock()
	l, ok := s.msgObs[eventType]
	if !ok {
		l = &observe.List[types.Envelope]{}
		s.msgObs[eventType] = l
	}
	s.msgMu.Unlock()
	return l.Subscribe(fn)
}

func (s *Synchronizer) snapshot() view {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

func (s *Synchronizer) State() State { return s.snapshot().state }

func (s *Synchronizer) ConnectionID() string { return s.snapshot().connID }

func (s *Synchronizer) Room() (types.RoomInfo, bool) {
	v := s.snapshot()
	if v.room == nil {
		return types.RoomInfo{}, false
	}
	return cloneRoom(*v.room), true
}

func (s *Synchronizer) Latency() LatencyStats { return s.snapshot().latency }

func (s *Synchronizer) QueueLen() int { return s.snapshot().queueLen }

func (s *Synchronizer) ReconnectAttempts() int { return s.snapshot().attempts }

func (s *Synchronizer) MaxReconnectAttempts() int { return s.opts.MaxReconnectAttempts }

func (s *Synchronizer) LatencyThreshold() time.Duration { return s.opts.LatencyThreshold }

func (s *Synchronizer) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case connectCmd:
				s.connect(msg.retry)
			case disconnectCmd:
				s.disconnect()
			case joinCmd:
				s.join(msg)
			case leaveCmd:
				s.leave()
			case sendCmd:
				s.enqueueOrWrite(msg.out)
			case syncCmd:
				close(msg.done)
			case dialResult:
				s.dialed(msg)
			case inbound:
				if msg.gen == s.connGen {
					s.receive(msg.env)
				}
			case readFailed:
				if msg.gen == s.connGen {
					s.connectionLost(msg.err)
				}
			case timerFired:
				s.fired(msg)
			}
			s.refreshView()
		}
	}
}

func (s *Synchronizer) refreshView() {
	v := view{
		state:    s.state,
		connID:   s.connID,
		latency:  s.latency.Stats(),
		queueLen: s.queue.Len(),
		attempts: s.attempts,
	}
	if s.room != nil {
		r := cloneRoom(*s.room)
		v.room = &r
	}
	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()
}

func (s *Synchronizer) setState(to State, reason string, voluntary bool) {
	from := s.state
	s.state = to
	s.refreshView()
	s.log.Debug("state change",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("attempt", s.attempts),
		zap.String("reason", reason))
	s.stateObs.Emit(StateChange{
		From:        from,
		To:          to,
		Attempt:     s.attempts,
		MaxAttempts: s.opts.MaxReconnectAttempts,
		Reason:      reason,
		Voluntary:   voluntary,
		At:          s.clock.Now(),
	})
}

func (s *Synchronizer) emitError(msg string) {
	s.log.Warn("connection error", zap.String("error", msg))
	s.errorObs.Emit(msg)
}

func (s *Synchronizer) arm(k timerKind, d time.Duration) {
	s.stop(k)
	gen := s.timerGen[k]
	s.timers[k] = s.clock.AfterFunc(d, func() {
		_ = s.post(timerFired{kind: k, gen: gen})
	})
}

func (s *Synchronizer) stop(k timerKind) {
	if s.timers[k] != nil {
		s.timers[k].Stop()
		s.timers[k] = nil
	}
	s.timerGen[k]++
}

func (s *Synchronizer) stopAll() {
	for k := timerKind(0); k < numTimers; k++ {
		s.stop(k)
	}
}

func (s *Synchronizer) fired(m timerFired) {
	if m.gen != s.timerGen[m.kind] {
		return
	}
	s.timers[m.kind] = nil

	switch m.kind {
	case connectTimer:
		if s.state == Connecting || s.state == Reconnecting {
			s.connectFailed("connection timeout")
		}
	case reconnectTimer:
		if s.state == Reconnecting {
			s.startDial()
		}
	case pingTimer:
		s.ping()
	}
}

func (s *Synchronizer) connect(retry bool) {
	switch s.state {
	case Connecting, Connected:
		return
	case Reconnecting:
		if !retry {
			return
		}
		s.stop(reconnectTimer)
	}
	s.attempts = 0
	s.startDial()
	s.setState(Connecting, "", false)
}

// startDial abandons any current transport and dials a new one in the background. The same
// goroutine then reads the connection until it fails or is abandoned.
func (s *Synchronizer) startDial() {
	s.dropConn("redial")
	gen := s.connGen
	ctx, cancel := context.WithCancel(s.ctx)
	s.stopConn = cancel
	s.arm(connectTimer, s.opts.ConnectTimeout)

	go s.run(ctx, gen)
}

func (s *Synchronizer) run(ctx context.Context, gen uint64) {
	conn, err := s.opts.Dialer.Dial(ctx, s.opts.URL)
	if err != nil {
		_ = s.post(dialResult{gen: gen, err: err})
		return
	}
	if err := s.post(dialResult{gen: gen, conn: conn}); err != nil {
		_ = conn.Close("client closed")
		return
	}
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			_ = s.post(readFailed{gen: gen, err: err})
			return
		}
		env, err := types.Decode(data)
		if err != nil {
			s.log.Debug("bad frame from server", zap.Error(err))
			continue
		}
		if s.post(inbound{gen: gen, env: env}) != nil {
			return
		}
	}
}

// dropConn abandons the current transport. Events already posted for it become stale.
func (s *Synchronizer) dropConn(reason string) {
	s.connGen++
	if s.stopConn != nil {
		s.stopConn()
		s.stopConn = nil
	}
	if s.conn != nil {
		c := s.conn
		s.conn = nil
		go func() { _ = c.Close(reason) }()
	}
	s.pingOut = false
}

func (s *Synchronizer) dialed(m dialResult) {
	if m.gen != s.connGen || (s.state != Connecting && s.state != Reconnecting) {
		if m.conn != nil {
			go func() { _ = m.conn.Close("stale") }()
		}
		return
	}
	if m.err != nil {
		s.connectFailed(fmt.Sprintf("connection failed: %v", m.err))
		return
	}
	// Not connected until the server's handshake arrives.
	s.conn = m.conn
}

func (s *Synchronizer) connectFailed(reason string) {
	s.stop(connectTimer)
	s.dropConn("connect failed")

	switch s.state {
	case Connecting:
		s.setState(Disconnected, reason, false)
		s.emitError(reason)
	case Reconnecting:
		s.emitError(reason)
		s.scheduleReconnect(reason)
	}
}

func (s *Synchronizer) scheduleReconnect(reason string) {
	if s.attempts >= s.opts.MaxReconnectAttempts {
		s.setState(Failed, reason, false)
		s.emitError(fmt.Sprintf("reconnect failed after %d attempts", s.attempts))
		return
	}
	s.attempts++
	s.arm(reconnectTimer, s.opts.ReconnectInterval)
	s.setState(Reconnecting, reason, false)
}

func (s *Synchronizer) connectionLost(err error) {
	reason := err.Error()
	if s.state != Connected {
		s.connectFailed("connection failed: " + reason)
		return
	}

	s.stop(pingTimer)
	s.dropConn("")
	s.connID = ""
	s.room = nil
	s.failPending(ErrConnectionLost)

	s.setState(Disconnected, reason, false)
	if !recoverable(err) {
		s.emitError("connection closed by server: " + reason)
		return
	}
	s.scheduleReconnect(reason)
}

func (s *Synchronizer) disconnect() {
	s.stopAll()
	s.dropConn("client disconnect")
	s.queue.Clear()
	s.latency.Reset()
	s.connID = ""
	s.room = nil
	s.lastJoin = nil
	s.attempts = 0
	s.failPending(ErrDisconnected)

	if s.state != Disconnected {
		s.setState(Disconnected, "client disconnect", true)
	}
}

func (s *Synchronizer) teardown() {
	s.stopAll()
	s.dropConn("client closed")
	s.failPending(ErrClosed)
}

// failPending fails every join in flight. Only for when the transport is gone and no answer
// can arrive.
func (s *Synchronizer) failPending(err error) {
	s.abandonJoins(err)
	s.joins = nil
}

// abandonJoins answers waiting callers with err and marks every flight stale. The flights stay
// queued so their late answers are still matched and dropped.
func (s *Synchronizer) abandonJoins(err error) {
	for _, f := range s.joins {
		if f.reply != nil {
			f.reply <- joinResult{err: err}
			f.reply = nil
		}
		f.stale = true
	}
}

func (s *Synchronizer) popJoin() *joinFlight {
	if len(s.joins) == 0 {
		return nil
	}
	f := s.joins[0]
	s.joins = s.joins[1:]
	return f
}

func (s *Synchronizer) write(frame []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.WriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, frame)
}

func (s *Synchronizer) online() bool { return s.state == Connected && s.conn != nil }

// enqueueOrWrite sends immediately when connected and nothing is queued ahead; otherwise the
// message waits in the queue.
func (s *Synchronizer) enqueueOrWrite(out Outbound) {
	if s.online() && s.queue.Len() == 0 {
		err := s.write(out.Frame)
		if err == nil {
			return
		}
		s.push(out)
		s.connectionLost(err)
		return
	}
	s.push(out)
}

func (s *Synchronizer) push(out Outbound) {
	if evicted, dropped := s.queue.Push(out); dropped {
		s.log.Warn("queue full, dropped oldest message", zap.String("event", evicted.Type))
	}
}

// flush drains the queue in order. On a write error the failed message stays at the head.
func (s *Synchronizer) flush() {
	for s.online() {
		out, ok := s.queue.Peek()
		if !ok {
			return
		}
		if err := s.write(out.Frame); err != nil {
			s.connectionLost(err)
			return
		}
		s.queue.Pop()
	}
}

func (s *Synchronizer) receive(env types.Envelope) {
	switch env.Type {
	case types.EvtConnected:
		if !s.handshake(env) {
			return
		}
	case types.EvtPong:
		s.pong()
	case types.EvtRoomJoined:
		s.roomJoined(env)
	case types.EvtJoinRoomError:
		s.joinRejected(env)
	case types.EvtPlayerUpdate:
		if s.room != nil {
			var pu types.PlayerUpdate
			if err := env.Unmarshal(&pu); err == nil {
				s.room.Players = pu.Players
			}
		}
	}
	s.emitMessage(env)
}

func (s *Synchronizer) emitMessage(env types.Envelope) {
	s.msgMu.Lock()
	l := s.msgObs[env.Type]
	s.msgMu.Unlock()
	if l != nil {
		l.Emit(env)
	}
}

func (s *Synchronizer) handshake(env types.Envelope) bool {
	if s.state != Connecting && s.state != Reconnecting {
		return false
	}
	var c types.Connected
	if err := env.Unmarshal(&c); err != nil {
		s.connectFailed("bad handshake: " + err.Error())
		return false
	}

	s.stop(connectTimer)
	s.stop(reconnectTimer)
	s.connID = c.ConnectionID
	s.attempts = 0
	s.arm(pingTimer, s.opts.PingInterval)
	s.setState(Connected, "", false)

	if s.lastJoin != nil {
		frame, err := types.Encode(types.EvtJoinRoom, *s.lastJoin)
		if err == nil {
			if err := s.write(frame); err != nil {
				s.connectionLost(err)
				return true
			}
			s.joins = append(s.joins, &joinFlight{req: *s.lastJoin})
		}
	}
	s.flush()
	return true
}

func (s *Synchronizer) ping() {
	if !s.online() {
		return
	}
	if s.pingOut {
		s.emitError(fmt.Sprintf("ping timeout: no pong within %dms", s.opts.PingInterval.Milliseconds()))
	}
	s.arm(pingTimer, s.opts.PingInterval)

	frame, err := types.Encode(types.EvtPing, nil)
	if err != nil {
		return
	}
	s.pingSentAt = s.clock.Now()
	s.pingOut = true
	if err := s.write(frame); err != nil {
		s.connectionLost(err)
	}
}

func (s *Synchronizer) pong() {
	if !s.pingOut {
		return
	}
	s.pingOut = false
	rtt := s.clock.Now().Sub(s.pingSentAt)
	s.latency.Add(rtt)
	s.refreshView()

	s.latencyObs.Emit(rtt)
	if rtt > s.opts.LatencyThreshold {
		s.emitError(fmt.Sprintf("high latency: %dms", rtt.Milliseconds()))
	}
}

func (s *Synchronizer) join(cmd joinCmd) {
	if cmd.req.Code != "" && !types.ValidRoomCode(cmd.req.Code) {
		cmd.reply <- joinResult{err: ErrInvalidRoomCode}
		s.emitError(fmt.Sprintf("invalid room code %q", cmd.req.Code))
		return
	}
	if !s.online() {
		cmd.reply <- joinResult{err: ErrNotConnected}
		return
	}
	frame, err := types.Encode(types.EvtJoinRoom, cmd.req)
	if err != nil {
		cmd.reply <- joinResult{err: err}
		return
	}

	s.abandonJoins(ErrJoinSuperseded)
	if err := s.write(frame); err != nil {
		cmd.reply <- joinResult{err: ErrConnectionLost}
		s.connectionLost(err)
		return
	}
	s.joins = append(s.joins, &joinFlight{req: cmd.req, reply: cmd.reply})
}

func (s *Synchronizer) roomJoined(env types.Envelope) {
	var rj types.RoomJoined
	if err := env.Unmarshal(&rj); err != nil {
		s.log.Warn("bad room_joined", zap.Error(err))
		return
	}
	f := s.popJoin()
	if f != nil && f.stale {
		return
	}
	info := rj.RoomInfo
	s.room = &info
	if f == nil {
		return
	}

	req := f.req
	if info.Code != "" {
		// Replays must land in the same private room.
		req.Code = info.Code
		req.RoomType = info.Type
	}
	s.lastJoin = &req
	if f.reply != nil {
		s.refreshView()
		f.reply <- joinResult{info: cloneRoom(info)}
	}
}

func (s *Synchronizer) joinRejected(env types.Envelope) {
	var je types.JoinRoomError
	if err := env.Unmarshal(&je); err != nil {
		s.log.Warn("bad join_room_error", zap.Error(err))
		return
	}
	f := s.popJoin()
	if f != nil && f.stale {
		return
	}
	jerr := &JoinError{Code: je.Error, Message: je.Message}
	if f != nil && f.reply != nil {
		f.reply <- joinResult{err: jerr}
	} else {
		// A replayed join was refused; stop replaying it.
		s.lastJoin = nil
	}
	s.emitError(jerr.Error())
}

func (s *Synchronizer) leave() {
	s.abandonJoins(ErrLeftRoom)
	s.lastJoin = nil
	s.room = nil
	if !s.online() {
		return
	}
	frame, err := types.Encode(types.EvtLeaveRoom, nil)
	if err != nil {
		return
	}
	if err := s.write(frame); err != nil {
		s.connectionLost(err)
	}
}

func cloneRoom(r types.RoomInfo) types.RoomInfo {
	r.Players = append([]types.Player(nil), r.Players...)
	return r
}
