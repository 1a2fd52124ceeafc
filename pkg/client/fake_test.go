package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/fireworks-backend/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return errors.New("fake conn: write buffer full")
	}
}

func (c *fakeConn) Close(string) error {
	c.drop(net.ErrClosed)
	return nil
}

// drop ends the connection from the "server" side; Read returns err.
func (c *fakeConn) drop(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type dialOutcome struct {
	conn *fakeConn
	err  error
}

// fakeDialer hands out queued outcomes; Dial blocks until one is queued.
type fakeDialer struct {
	outcomes chan dialOutcome
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{outcomes: make(chan dialOutcome, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	select {
	case o := <-d.outcomes:
		if o.err != nil {
			return nil, o.err
		}
		return o.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) willConnect() *fakeConn {
	c := newFakeConn()
	d.outcomes <- dialOutcome{conn: c}
	return c
}

func (d *fakeDialer) willFail(err error) {
	d.outcomes <- dialOutcome{err: err}
}

// recorder captures everything a synchronizer emits.
type recorder struct {
	mu        sync.Mutex
	changes   []StateChange
	errs      []string
	latencies []time.Duration
}

func record(s *Synchronizer) *recorder {
	r := &recorder{}
	s.OnStateChange(func(c StateChange) {
		r.mu.Lock()
		r.changes = append(r.changes, c)
		r.mu.Unlock()
	})
	s.OnError(func(e string) {
		r.mu.Lock()
		r.errs = append(r.errs, e)
		r.mu.Unlock()
	})
	s.OnLatency(func(d time.Duration) {
		r.mu.Lock()
		r.latencies = append(r.latencies, d)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.To
	}
	return out
}

func (r *recorder) stateChanges() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

func (r *recorder) errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errs...)
}

func (r *recorder) latencySamples() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.latencies...)
}

type harness struct {
	s      *Synchronizer
	dialer *fakeDialer
	clock  *clockwork.FakeClock
	rec    *recorder
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer()
	opts := DefaultOptions("ws://fireworks.test/ws")
	opts.Dialer = dialer
	opts.Clock = clock
	opts.Logger = zaptest.NewLogger(t)
	for _, m := range mutate {
		m(&opts)
	}
	s := New(opts)
	t.Cleanup(s.Close)
	return &harness{s: s, dialer: dialer, clock: clock, rec: record(s)}
}

const wait = time.Second
const tick = 5 * time.Millisecond

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.s.State() == want }, wait, tick,
		"state is %s, want %s", h.s.State(), want)
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.barrier())
}

// serverSend delivers a server event to the client over c.
func serverSend(t *testing.T, c *fakeConn, evt string, payload any) {
	t.Helper()
	frame, err := types.Encode(evt, payload)
	require.NoError(t, err)
	c.in <- frame
}

// expectFrame returns the next frame the client wrote to c.
func expectFrame(t *testing.T, c *fakeConn, evt string) types.Envelope {
	t.Helper()
	select {
	case frame := <-c.out:
		env, err := types.Decode(frame)
		require.NoError(t, err)
		require.Equal(t, evt, env.Type)
		return env
	case <-time.After(wait):
		t.Fatalf("timed out waiting for %s", evt)
		return types.Envelope{}
	}
}

func expectNoFrame(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case frame := <-c.out:
		t.Fatalf("unexpected frame %s", frame)
	case <-time.After(30 * time.Millisecond):
	}
}

// connect dials, completes the handshake and waits for Connected.
func (h *harness) connect(t *testing.T, connID string) *fakeConn {
	t.Helper()
	c := h.dialer.willConnect()
	require.NoError(t, h.s.Connect())
	serverSend(t, c, types.EvtConnected, types.Connected{ConnectionID: connID})
	h.waitState(t, Connected)
	return c
}
