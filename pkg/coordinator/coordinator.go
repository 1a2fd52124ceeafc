// Package coordinator turns the synchronizer's raw signals into user-facing errors, latency
// and instability warnings, and a graceful degradation flag.
package coordinator

import (
	"sync"
	"time"

	"github.com/DoyleJ11/fireworks-backend/pkg/client"
	"github.com/DoyleJ11/fireworks-backend/pkg/observe"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DisconnectWindow  = 60 * time.Second
	UnstableThreshold = 3
	LatencyThreshold  = 3 * time.Second
)

// Synchronizer is the part of *client.Synchronizer the coordinator needs.
type Synchronizer interface {
	OnStateChange(func(client.StateChange)) func()
	OnLatency(func(time.Duration)) func()
	OnError(func(string)) func()
	RetryConnection() error
	Disconnect() error
}

type Options struct {
	Clock             clockwork.Clock
	Logger            *zap.Logger
	DisconnectWindow  time.Duration
	UnstableThreshold int
	LatencyThreshold  time.Duration
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State             client.State
	Error             *Error
	HighLatency       bool
	LastLatency       time.Duration
	Unstable          bool
	RecentDisconnects int
	Degraded          bool
	SinglePlayer      bool
}

// Coordinator watches one synchronizer. Notifications are delivered after internal state is
// updated and never while a lock is held, so observers may call back into the coordinator.
type Coordinator struct {
	syncer Synchronizer
	clock  clockwork.Clock
	log    *zap.Logger
	opts   Options

	mu           sync.Mutex
	state        client.State
	current      *Error
	disconnects  []time.Time
	highLatency  bool
	lastLatency  time.Duration
	unstable     bool
	degraded     bool
	singlePlayer bool
	unsubs       []func()

	errorObs    observe.List[Error]
	clearedObs  observe.List[struct{}]
	showLatency observe.List[time.Duration]
	hideLatency observe.List[time.Duration]
	unstableObs observe.List[int]
	degradedObs observe.List[bool]
}

func New(s Synchronizer, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DisconnectWindow <= 0 {
		opts.DisconnectWindow = DisconnectWindow
	}
	if opts.UnstableThreshold <= 0 {
		opts.UnstableThreshold = UnstableThreshold
	}
	if opts.LatencyThreshold <= 0 {
		opts.LatencyThreshold = LatencyThreshold
	}

	c := &Coordinator{syncer: s, clock: opts.Clock, log: opts.Logger, opts: opts}
	c.unsubs = []func(){
		s.OnStateChange(c.handleState),
		s.OnLatency(c.handleLatency),
		s.OnError(c.handleError),
	}
	return c
}

// Close detaches from the synchronizer. Observers stay registered but receive nothing further.
func (c *Coordinator) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (c *Coordinator) OnError(fn func(Error)) func() { return c.errorObs.Subscribe(fn) }

// OnErrorCleared fires when the active error goes away (reconnected, retried or opted out).
func (c *Coordinator) OnErrorCleared(fn func()) func() {
	return c.clearedObs.Subscribe(func(struct{}) { fn() })
}

func (c *Coordinator) OnShowLatencyWarning(fn func(time.Duration)) func() {
	return c.showLatency.Subscribe(fn)
}

func (c *Coordinator) OnHideLatencyWarning(fn func(time.Duration)) func() {
	return c.hideLatency.Subscribe(fn)
}

// OnNetworkUnstable receives the number of disconnects seen inside the window.
func (c *Coordinator) OnNetworkUnstable(fn func(int)) func() { return c.unstableObs.Subscribe(fn) }

func (c *Coordinator) OnDegradationChanged(fn func(bool)) func() {
	return c.degradedObs.Subscribe(fn)
}

// notes collects notifications while the lock is held; run fires them after unlocking.
type notes []func()

func (n notes) run() {
	for _, f := range n {
		f()
	}
}

func (c *Coordinator) handleState(ch client.StateChange) {
	var n notes
	c.mu.Lock()
	c.state = ch.To
	if c.singlePlayer {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()

	if ch.To == client.Disconnected && !ch.Voluntary {
		c.disconnects = append(c.disconnects, now)
		count := c.pruneLocked(now)
		if count >= c.opts.UnstableThreshold {
			if !c.unstable {
				c.unstable = true
				e := Error{
					Code:     CodeNetworkUnstable,
					Severity: Warning,
					Message:  "Your network connection is unstable",
					CanRetry: false,
					At:       now,
				}
				n = append(n, func() { c.unstableObs.Emit(count) }, func() { c.errorObs.Emit(e) })
				c.log.Warn("network unstable", zap.Int("disconnects", count))
			}
			n = append(n, c.setDegradedLocked(true)...)
		}
	}

	if e, ok := ClassifyState(ch); ok {
		if e.At.IsZero() {
			e.At = now
		}
		c.current = &e
		n = append(n, func() { c.errorObs.Emit(e) })
	}

	if ch.To == client.Connected {
		if c.current != nil {
			c.current = nil
			n = append(n, func() { c.clearedObs.Emit(struct{}{}) })
		}
		n = append(n, c.settleLocked(now)...)
	}
	c.mu.Unlock()
	n.run()
}

func (c *Coordinator) handleLatency(rtt time.Duration) {
	var n notes
	c.mu.Lock()
	c.lastLatency = rtt
	if c.singlePlayer {
		c.mu.Unlock()
		return
	}
	high := rtt > c.opts.LatencyThreshold
	if high != c.highLatency {
		c.highLatency = high
		if high {
			n = append(n, func() { c.showLatency.Emit(rtt) })
			n = append(n, c.setDegradedLocked(true)...)
		} else {
			n = append(n, func() { c.hideLatency.Emit(rtt) })
			n = append(n, c.settleLocked(c.clock.Now())...)
		}
	}
	c.mu.Unlock()
	n.run()
}

func (c *Coordinator) handleError(msg string) {
	e, ok := ClassifyMessage(msg)
	if !ok {
		c.log.Debug("unclassified connection error", zap.String("error", msg))
		return
	}
	c.mu.Lock()
	if c.singlePlayer {
		c.mu.Unlock()
		return
	}
	e.At = c.clock.Now()
	c.current = &e
	c.mu.Unlock()
	c.errorObs.Emit(e)
}

// pruneLocked drops disconnects older than the window and returns how many remain. The
// unstable flag resets once the count falls below the threshold.
func (c *Coordinator) pruneLocked(now time.Time) int {
	cutoff := now.Add(-c.opts.DisconnectWindow)
	i := 0
	for i < len(c.disconnects) && !c.disconnects[i].After(cutoff) {
		i++
	}
	c.disconnects = c.disconnects[i:]
	if len(c.disconnects) < c.opts.UnstableThreshold {
		c.unstable = false
	}
	return len(c.disconnects)
}

// settleLocked clears degradation once the client is connected, latency is normal and the
// disconnect window no longer holds enough drops to count as unstable.
func (c *Coordinator) settleLocked(now time.Time) notes {
	count := c.pruneLocked(now)
	if c.singlePlayer || c.state != client.Connected || c.highLatency || count >= c.opts.UnstableThreshold {
		return nil
	}
	return c.setDegradedLocked(false)
}

func (c *Coordinator) setDegradedLocked(on bool) notes {
	if c.degraded == on {
		return nil
	}
	c.degraded = on
	c.log.Info("graceful degradation", zap.Bool("enabled", on))
	return notes{func() { c.degradedObs.Emit(on) }}
}

// RetryConnection clears the active error and asks the synchronizer to try again from zero
// attempts. It also leaves single player mode.
func (c *Coordinator) RetryConnection() error {
	var n notes
	c.mu.Lock()
	c.singlePlayer = false
	if c.current != nil {
		c.current = nil
		n = append(n, func() { c.clearedObs.Emit(struct{}{}) })
	}
	c.mu.Unlock()
	n.run()
	return c.syncer.RetryConnection()
}

// SwitchToSinglePlayerMode disconnects and drops every error and warning. Synchronizer events
// are ignored until RetryConnection is called.
func (c *Coordinator) SwitchToSinglePlayerMode() error {
	var n notes
	c.mu.Lock()
	c.singlePlayer = true
	c.disconnects = nil
	c.unstable = false
	if c.highLatency {
		c.highLatency = false
		rtt := c.lastLatency
		n = append(n, func() { c.hideLatency.Emit(rtt) })
	}
	if c.current != nil {
		c.current = nil
		n = append(n, func() { c.clearedObs.Emit(struct{}{}) })
	}
	n = append(n, c.setDegradedLocked(false)...)
	c.mu.Unlock()
	n.run()
	return c.syncer.Disconnect()
}

// Status also settles degradation whose disconnect window has run out; any resulting
// notification fires before it returns.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	n := c.settleLocked(c.clock.Now())
	st := Status{
		State:             c.state,
		HighLatency:       c.highLatency,
		LastLatency:       c.lastLatency,
		Unstable:          c.unstable,
		RecentDisconnects: len(c.disconnects),
		Degraded:          c.degraded,
		SinglePlayer:      c.singlePlayer,
	}
	if c.current != nil {
		e := *c.current
		st.Error = &e
	}
	c.mu.Unlock()
	n.run()
	return st
}

func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	n := c.settleLocked(c.clock.Now())
	on := c.degraded
	c.mu.Unlock()
	n.run()
	return on
}

// UpdateInterval returns the cadence a presentation loop should use: base normally, twice
// base while degraded.
func (c *Coordinator) UpdateInterval(base time.Duration) time.Duration {
	if c.Degraded() {
		return 2 * base
	}
	return base
}
