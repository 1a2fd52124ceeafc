package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/DoyleJ11/fireworks-backend/internal/room"
	"github.com/DoyleJ11/fireworks-backend/internal/session"
	"github.com/DoyleJ11/fireworks-backend/pkg/types"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var ErrHubClosed = errors.New("hub closed")

type HubMsg interface{ isHubMsg() }

// Connect registers a live connection. The hub writes encoded frames to Outbox and closes it
// when the connection is dropped or the hub shuts down.
type Connect struct {
	ConnID string
	Outbox chan []byte
}

type Disconnect struct {
	ConnID string
}

type FromClient struct {
	ConnID string
	Env    types.Envelope
}

// Sweep runs the idle-room cleanup immediately.
type Sweep struct{}

type GetStats struct {
	Reply chan types.Stats
}

type ShutdownHub struct{}

func (Connect) isHubMsg()     {}
func (Disconnect) isHubMsg()  {}
func (FromClient) isHubMsg()  {}
func (Sweep) isHubMsg()       {}
func (GetStats) isHubMsg()    {}
func (ShutdownHub) isHubMsg() {}

// Archiver receives rooms removed by the idle sweep.
type Archiver interface {
	Archive(ctx context.Context, rooms []room.Summary) error
}

// Hub is the single writer for rooms and sessions. Every message is handled to completion
// before the next is read, so joins, leaves and actions in a room apply in arrival order.
type Hub struct {
	inbox    chan HubMsg
	rooms    *room.Registry
	sessions *session.Manager
	conns    map[string]chan []byte
	slow     []string // connections whose outbox overflowed during the current message

	clock         clockwork.Clock
	log           *zap.Logger
	archiver      Archiver
	sweepEvery    time.Duration
	idleThreshold time.Duration
	archiveWG     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Hub)

func WithClock(c clockwork.Clock) Option { return func(h *Hub) { h.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(h *Hub) { h.log = l } }

func WithArchiver(a Archiver) Option { return func(h *Hub) { h.archiver = a } }

func WithSweepInterval(d time.Duration) Option { return func(h *Hub) { h.sweepEvery = d } }

func WithIdleThreshold(d time.Duration) Option { return func(h *Hub) { h.idleThreshold = d } }

func NewHub(parent context.Context, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:         make(chan HubMsg, 256),
		conns:         make(map[string]chan []byte),
		clock:         clockwork.NewRealClock(),
		log:           zap.NewNop(),
		sweepEvery:    room.SweepInterval,
		idleThreshold: room.IdleThreshold,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.rooms = room.NewRegistry(room.WithClock(h.clock), room.WithIdleThreshold(h.idleThreshold))
	h.sessions = session.NewManager(h.clock)

	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed once the hub loop has exited.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Post delivers msg unless ctx ends or the hub is gone first.
func (h *Hub) Post(ctx context.Context, msg HubMsg) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.inbox <- msg:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Stats(ctx context.Context) (types.Stats, error) {
	reply := make(chan types.Stats, 1)
	if err := h.Post(ctx, GetStats{Reply: reply}); err != nil {
		return types.Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-h.done:
		return types.Stats{}, ErrHubClosed
	case <-ctx.Done():
		return types.Stats{}, ctx.Err()
	}
}

// Shutdown stops the loop and waits for it and any pending archive writes.
func (h *Hub) Shutdown(ctx context.Context) error {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	archived := make(chan struct{})
	go func() {
		h.archiveWG.Wait()
		close(archived)
	}()
	select {
	case <-archived:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	ticker := h.clock.NewTicker(h.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case <-ticker.Chan():
			h.sweep()

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Connect:
				h.connect(msg.ConnID, msg.Outbox)

			case Disconnect:
				h.disconnect(msg.ConnID)

			case FromClient:
				h.fromClient(msg.ConnID, msg.Env)

			case Sweep:
				h.sweep()

			case GetStats:
				msg.Reply <- h.stats()

			case ShutdownHub:
				h.shutdown()
				return
			}
			h.dropSlow()
		}
	}
}

func (h *Hub) shutdown() {
	for id, out := range h.conns {
		close(out)
		delete(h.conns, id)
	}
	h.sessions.Destroy()
	h.cancel()
	h.log.Info("hub stopped")
}

func (h *Hub) sweep() {
	removed := h.rooms.CleanupEmptyRooms()
	if len(removed) == 0 {
		return
	}
	h.log.Info("swept idle rooms", zap.Int("count", len(removed)))
	if h.archiver == nil {
		return
	}

	h.archiveWG.Add(1)
	go func() {
		defer h.archiveWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.archiver.Archive(ctx, removed); err != nil {
			h.log.Warn("archive swept rooms", zap.Error(err), zap.Int("count", len(removed)))
		}
	}()
}

func (h *Hub) stats() types.Stats {
	rs := h.rooms.Stats()
	ss := h.sessions.Stats()
	return types.Stats{
		Rooms:            rs.Rooms,
		PublicRooms:      rs.PublicRooms,
		PrivateRooms:     rs.PrivateRooms,
		Players:          rs.Players,
		ConnectedClients: len(h.conns),
		Sessions:         ss.Sessions,
		SessionsInRooms:  ss.InRooms,
	}
}

func (h *Hub) connect(connID string, out chan []byte) {
	if old, ok := h.conns[connID]; ok {
		close(old)
	}
	h.conns[connID] = out
	h.send(connID, types.EvtConnected, types.Connected{
		ConnectionID: connID,
		Timestamp:    types.Timestamp(h.clock.Now()),
	})
	h.log.Debug("client connected", zap.String("conn", connID))
}

// disconnect tears down everything owned by connID. Unknown ids are a no-op.
func (h *Hub) disconnect(connID string) {
	if out, ok := h.conns[connID]; ok {
		close(out)
		delete(h.conns, connID)
	}
	h.leaveRoom(connID)
	if h.sessions.Delete(connID) {
		h.log.Debug("client disconnected", zap.String("conn", connID))
	}
}

// push enqueues a frame without blocking. A full outbox marks the client slow; it is dropped
// once the current message has been handled.
func (h *Hub) push(connID string, frame []byte) {
	out, ok := h.conns[connID]
	if !ok {
		return
	}
	select {
	case out <- frame:
	default:
		h.slow = append(h.slow, connID)
	}
}

func (h *Hub) dropSlow() {
	for len(h.slow) > 0 {
		id := h.slow[0]
		h.slow = h.slow[1:]
		if _, ok := h.conns[id]; !ok {
			continue
		}
		h.log.Warn("dropping slow client", zap.String("conn", id))
		h.disconnect(id)
	}
}

func (h *Hub) send(connID, evt string, payload any) {
	frame, err := types.Encode(evt, payload)
	if err != nil {
		h.log.Error("encode frame", zap.String("event", evt), zap.Error(err))
		return
	}
	h.push(connID, frame)
}

// broadcast sends to every player of the room except the one named by except (may be empty).
func (h *Hub) broadcast(roomID, evt string, payload any, except string) {
	frame, err := types.Encode(evt, payload)
	if err != nil {
		h.log.Error("encode frame", zap.String("event", evt), zap.Error(err))
		return
	}
	for _, p := range h.rooms.Players(roomID) {
		if p.ID == except {
			continue
		}
		h.push(p.ID, frame)
	}
}
