package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/fireworks-backend/internal/room"
	"github.com/DoyleJ11/fireworks-backend/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

type fakeArchiver struct {
	mu    sync.Mutex
	rooms []room.Summary
}

func (f *fakeArchiver) Archive(_ context.Context, rooms []room.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, rooms...)
	return nil
}

func (f *fakeArchiver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

func newTestHub(t *testing.T, opts ...Option) (*Hub, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	h := NewHub(context.Background(), append([]Option{WithClock(clock), WithLogger(zaptest.NewLogger(t))}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h, clock
}

// helper: receive one frame with a timeout so tests never hang
func recv(t *testing.T, ch <-chan []byte) types.Envelope {
	t.Helper()
	select {
	case frame, ok := <-ch:
		require.True(t, ok, "outbox closed unexpectedly")
		env, err := types.Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame")
		return types.Envelope{}
	}
}

// recvType skips frames until one of the wanted type arrives.
func recvType(t *testing.T, ch <-chan []byte, evt string) types.Envelope {
	t.Helper()
	for {
		env := recv(t, ch)
		if env.Type == evt {
			return env
		}
	}
}

func recvNone(t *testing.T, ch <-chan []byte, evt string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			env, err := types.Decode(frame)
			require.NoError(t, err)
			require.NotEqual(t, evt, env.Type, "unexpected %s", evt)
		case <-deadline:
			return
		}
	}
}

func connect(t *testing.T, h *Hub, id string) chan []byte {
	t.Helper()
	out := make(chan []byte, 128)
	h.Inbox() <- Connect{ConnID: id, Outbox: out}
	env := recv(t, out)
	require.Equal(t, types.EvtConnected, env.Type)
	return out
}

func send(t *testing.T, h *Hub, id, evt string, payload any) {
	t.Helper()
	frame, err := types.Encode(evt, payload)
	require.NoError(t, err)
	env, err := types.Decode(frame)
	require.NoError(t, err)
	h.Inbox() <- FromClient{ConnID: id, Env: env}
}

func join(t *testing.T, h *Hub, id string, req types.JoinRoom) {
	t.Helper()
	send(t, h, id, types.EvtJoinRoom, req)
}

func stats(t *testing.T, h *Hub) types.Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := h.Stats(ctx)
	require.NoError(t, err)
	return s
}

func joined(t *testing.T, out <-chan []byte) types.RoomJoined {
	t.Helper()
	env := recv(t, out)
	require.Equal(t, types.EvtRoomJoined, env.Type, "expected room_joined, got %s", env.Type)
	var rj types.RoomJoined
	require.NoError(t, env.Unmarshal(&rj))
	return rj
}

func joinErr(t *testing.T, out <-chan []byte) types.JoinRoomError {
	t.Helper()
	env := recv(t, out)
	require.Equal(t, types.EvtJoinRoomError, env.Type)
	var je types.JoinRoomError
	require.NoError(t, env.Unmarshal(&je))
	return je
}

func TestHub_ConnectSendsHandshake(t *testing.T) {
	h, clock := newTestHub(t)
	out := make(chan []byte, 4)
	h.Inbox() <- Connect{ConnID: "c1", Outbox: out}

	env := recv(t, out)
	require.Equal(t, types.EvtConnected, env.Type)
	var c types.Connected
	require.NoError(t, env.Unmarshal(&c))
	assert.Equal(t, "c1", c.ConnectionID)
	assert.Equal(t, clock.Now().UnixMilli(), c.Timestamp)
	assert.Equal(t, 1, stats(t, h).ConnectedClients)
}

func TestHub_JoinPublicRoomAndBroadcasts(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h, "a")
	b := connect(t, h, "b")

	join(t, h, "a", types.JoinRoom{Nickname: "Astra", RoomType: types.RoomPublic})
	ja := joined(t, a)
	assert.Equal(t, "a", ja.PlayerID)
	assert.Equal(t, types.RoomPublic, ja.RoomInfo.Type)
	assert.Empty(t, ja.RoomInfo.Code)
	assert.Equal(t, room.MaxPlayers, ja.RoomInfo.MaxPlayers)

	upd := recvType(t, a, types.EvtPlayerUpdate)
	var pu types.PlayerUpdate
	require.NoError(t, upd.Unmarshal(&pu))
	require.Len(t, pu.Players, 1)
	recvType(t, a, types.EvtLeaderboardUpdate)

	join(t, h, "b", types.JoinRoom{Nickname: "Astra", RoomType: types.RoomPublic})
	jb := joined(t, b)
	assert.Equal(t, ja.RoomInfo.ID, jb.RoomInfo.ID, "first-fit puts both in the same public room")
	require.Len(t, jb.RoomInfo.Players, 2)
	assert.Equal(t, "Astra 2", jb.RoomInfo.Players[1].Nickname)

	pj := recv(t, a)
	require.Equal(t, types.EvtPlayerJoined, pj.Type)
	var joinedMsg types.PlayerJoined
	require.NoError(t, pj.Unmarshal(&joinedMsg))
	assert.Equal(t, "b", joinedMsg.Player.ID)

	// The joiner itself gets no player_joined.
	recvNone(t, b, types.EvtPlayerJoined, 50*time.Millisecond)

	s := stats(t, h)
	assert.Equal(t, 1, s.Rooms)
	assert.Equal(t, 2, s.Players)
	assert.Equal(t, 2, s.SessionsInRooms)
}

func TestHub_JoinInvalidRoomType(t *testing.T) {
	h, _ := newTestHub(t)
	out := connect(t, h, "a")

	join(t, h, "a", types.JoinRoom{Nickname: "x", RoomType: "arena"})
	je := joinErr(t, out)
	assert.Equal(t, types.ErrCodeInvalidRoomType, je.Error)
	assert.Equal(t, 0, stats(t, h).Sessions)
}

func TestHub_JoinWithUnknownCodeCreatesPrivateRoom(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h, "a")
	b := connect(t, h, "b")

	join(t, h, "a", types.JoinRoom{Nickname: "a", RoomType: types.RoomPublic, Code: "1234"})
	ja := joined(t, a)
	assert.Equal(t, "1234", ja.RoomInfo.Code)
	assert.Equal(t, types.RoomPrivate, ja.RoomInfo.Type)

	join(t, h, "b", types.JoinRoom{Nickname: "b", RoomType: types.RoomPrivate, Code: "1234"})
	jb := joined(t, b)
	assert.Equal(t, ja.RoomInfo.ID, jb.RoomInfo.ID)
}

func TestHub_JoinBadCodeFails(t *testing.T) {
	h, _ := newTestHub(t)
	out := connect(t, h, "a")

	join(t, h, "a", types.JoinRoom{Nickname: "a", RoomType: types.RoomPrivate, Code: "12x"})
	je := joinErr(t, out)
	assert.Equal(t, types.ErrCodeFailedToJoin, je.Error)
	assert.Equal(t, 0, stats(t, h).Sessions, "rejected join must not leave a session")
}

func TestHub_PrivateRoomWithoutCodeGetsOne(t *testing.T) {
	h, _ := newTestHub(t)
	out := connect(t, h, "a")

	join(t, h, "a", types.JoinRoom{Nickname: "a", RoomType: types.RoomPrivate})
	ja := joined(t, out)
	assert.True(t, room.ValidCode(ja.RoomInfo.Code))
}

func TestHub_TwentyFirstJoinIsRejected(t *testing.T) {
	h, _ := newTestHub(t)

	for i := 0; i < room.MaxPlayers; i++ {
		id := fmt.Sprintf("p%d", i)
		out := connect(t, h, id)
		join(t, h, id, types.JoinRoom{Nickname: id, RoomType: types.RoomPrivate, Code: "4321"})
		joined(t, out)
	}

	late := connect(t, h, "late")
	join(t, h, "late", types.JoinRoom{Nickname: "late", RoomType: types.RoomPrivate, Code: "4321"})
	je := joinErr(t, late)
	assert.Equal(t, types.ErrCodeRoomFull, je.Error)

	s := stats(t, h)
	assert.Equal(t, room.MaxPlayers, s.Players)
	assert.Equal(t, room.MaxPlayers, s.Sessions, "session of the rejected join is deleted")
}

func TestHub_ConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	h, _ := newTestHub(t)
	const clients = 35

	outs := make([]chan []byte, clients)
	for i := range outs {
		outs[i] = connect(t, h, fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			frame, _ := types.Encode(types.EvtJoinRoom, types.JoinRoom{Nickname: "n", RoomType: types.RoomPublic, Code: "5555"})
			env, _ := types.Decode(frame)
			h.Inbox() <- FromClient{ConnID: fmt.Sprintf("c%d", i), Env: env}
		}(i)
	}
	wg.Wait()

	admitted, full := 0, 0
	for _, out := range outs {
		for {
			env := recv(t, out)
			if env.Type == types.EvtRoomJoined {
				admitted++
				break
			}
			if env.Type == types.EvtJoinRoomError {
				full++
				break
			}
		}
	}
	assert.Equal(t, room.MaxPlayers, admitted)
	assert.Equal(t, clients-room.MaxPlayers, full)
	assert.Equal(t, room.MaxPlayers, stats(t, h).Players)
}

func TestHub_FireworkUpdatesCountAndLeaderboard(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h, "a")
	b := connect(t, h, "b")
	join(t, h, "a", types.JoinRoom{Nickname: "a", RoomType: types.RoomPublic})
	joined(t, a)
	join(t, h, "b", types.JoinRoom{Nickname: "b", RoomType: types.RoomPublic})
	joined(t, b)

	send(t, h, "b", types.EvtFireworkAction, types.FireworkAction{X: 0.5, Y: 0.25, FireworkTypeID: 7})

	for _, out := range []chan []byte{a, b} {
		env := recvType(t, out, types.EvtFireworkBroadcast)
		var fb types.FireworkBroadcast
		require.NoError(t, env.Unmarshal(&fb))
		assert.Equal(t, "b", fb.PlayerID)
		assert.Equal(t, 7, fb.FireworkTypeID)
		assert.Equal(t, 0.25, fb.Y)

		env = recvType(t, out, types.EvtLeaderboardUpdate)
		var lb types.LeaderboardUpdate
		require.NoError(t, env.Unmarshal(&lb))
		require.Len(t, lb.Leaderboard, 2)
		assert.Equal(t, "b", lb.Leaderboard[0].ID)
		assert.Equal(t, 1, lb.Leaderboard[0].FireworkCount)
	}
}

func TestHub_ActionsOutsideRoomAreIgnored(t *testing.T) {
	h, _ := newTestHub(t)
	out := connect(t, h, "a")

	send(t, h, "a", types.EvtFireworkAction, types.FireworkAction{X: 1, Y: 1})
	send(t, h, "a", types.EvtChatMessage, types.ChatMessage{Message: "hi"})
	send(t, h, "a", types.EvtComboMilestone, types.ComboMilestone{ComboCount: 5})
	send(t, h, "a", types.EvtPing, nil)

	env := recv(t, out)
	assert.Equal(t, types.EvtPong, env.Type, "only the pong is answered")
}

func TestHub_ChatAndCombo(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h, "a")
	join(t, h, "a", types.JoinRoom{Nickname: "Zed", RoomType: types.RoomPublic})
	joined(t, a)

	send(t, h, "a", types.EvtChatMessage, types.ChatMessage{Message: "   "})
	send(t, h, "a", types.EvtChatMessage, types.ChatMessage{Message: "  boom!  "})
	env := recvType(t, a, types.EvtChatBroadcast)
	var cb types.ChatBroadcast
	require.NoError(t, env.Unmarshal(&cb))
	assert.Equal(t, "boom!", cb.Message)
	assert.Equal(t, "Zed", cb.PlayerNickname)

	send(t, h, "a", types.EvtComboMilestone, types.ComboMilestone{ComboCount: 0})
	send(t, h, "a", types.EvtComboMilestone, types.ComboMilestone{ComboCount: 10})
	env = recvType(t, a, types.EvtComboBroadcast)
	var co types.ComboBroadcast
	require.NoError(t, env.Unmarshal(&co))
	assert.Equal(t, 10, co.ComboCount)
}

func TestHub_LeaveAndDisconnect(t *testing.T) {
	h, _ := newTestHub(t)
	a := connect(t, h, "a")
	b := connect(t, h, "b")
	join(t, h, "a", types.JoinRoom{Nickname: "a", RoomType: types.RoomPublic})
	joined(t, a)
	join(t, h, "b", types.JoinRoom{Nickname: "b", RoomType: types.RoomPublic})
	joined(t, b)

	send(t, h, "b", types.EvtLeaveRoom, nil)
	env := recvType(t, a, types.EvtPlayerLeft)
	var pl types.PlayerLeft
	require.NoError(t, env.Unmarshal(&pl))
	assert.Equal(t, "b", pl.SocketID)
	assert.Equal(t, "b", pl.Nickname)

	s := stats(t, h)
	assert.Equal(t, 1, s.Players)
	assert.Equal(t, 2, s.Sessions, "leave keeps the session")
	assert.Equal(t, 1, s.SessionsInRooms)

	h.Inbox() <- Disconnect{ConnID: "a"}
	s = stats(t, h)
	assert.Equal(t, 0, s.Players)
	assert.Equal(t, 1, s.Sessions)
	assert.Equal(t, 1, s.ConnectedClients)
	assert.Equal(t, 1, s.Rooms, "empty room waits for the sweep")

	_, open := <-a
	for open {
		_, open = <-a
	}
}

func TestHub_SweepRemovesIdleRoomsAndArchives(t *testing.T) {
	arch := &fakeArchiver{}
	h, clock := newTestHub(t, WithArchiver(arch))
	a := connect(t, h, "a")
	join(t, h, "a", types.JoinRoom{Nickname: "a", RoomType: types.RoomPrivate, Code: "9090"})
	joined(t, a)
	send(t, h, "a", types.EvtLeaveRoom, nil)
	require.Equal(t, 1, stats(t, h).Rooms)

	clock.Advance(room.IdleThreshold + time.Second)
	h.Inbox() <- Sweep{}

	assert.Equal(t, 0, stats(t, h).Rooms)
	require.Eventually(t, func() bool { return arch.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "9090", arch.rooms[0].Code)
	assert.Equal(t, 1, arch.rooms[0].PeakPlayers)
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h, _ := newTestHub(t)
	fast := connect(t, h, "fast")
	join(t, h, "fast", types.JoinRoom{Nickname: "fast", RoomType: types.RoomPublic})
	joined(t, fast)

	slow := make(chan []byte, 1)
	h.Inbox() <- Connect{ConnID: "slow", Outbox: slow} // handshake fills the only slot
	join(t, h, "slow", types.JoinRoom{Nickname: "slow", RoomType: types.RoomPublic})

	s := stats(t, h)
	assert.Equal(t, 1, s.ConnectedClients)
	assert.Equal(t, 1, s.Players)
	assert.Equal(t, 1, s.Sessions)

	<-slow
	_, open := <-slow
	assert.False(t, open, "outbox of a dropped client is closed")
}

func TestHub_ShutdownClosesOutboxes(t *testing.T) {
	h, _ := newTestHub(t)
	out := connect(t, h, "a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	_, open := <-out
	assert.False(t, open)

	err := h.Post(ctx, Sweep{})
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_PanicAfterAdmissionRollsBackJoin(t *testing.T) {
	log := zaptest.NewLogger(t, zaptest.WrapOptions(zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "player joined" {
			panic("boom")
		}
		return nil
	})))
	h, _ := newTestHub(t, WithLogger(log))

	a := connect(t, h, "a")

	join(t, h, "a", types.JoinRoom{Nickname: "Astra", RoomType: types.RoomPublic})
	joined(t, a)
	for {
		env := recv(t, a)
		if env.Type == types.EvtJoinRoomError {
			var je types.JoinRoomError
			require.NoError(t, env.Unmarshal(&je))
			assert.Equal(t, types.ErrCodeInternal, je.Error)
			break
		}
	}

	s := stats(t, h)
	assert.Zero(t, s.Players)
	assert.Zero(t, s.Sessions)
	assert.Zero(t, s.SessionsInRooms)
}
