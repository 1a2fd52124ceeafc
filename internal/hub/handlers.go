package hub

import (
	"strings"
	"unicode/utf8"

	"github.com/DoyleJ11/fireworks-backend/internal/room"
	"github.com/DoyleJ11/fireworks-backend/pkg/types"
	"go.uber.org/zap"
)

const maxChatRunes = 200

func (h *Hub) fromClient(connID string, env types.Envelope) {
	if _, ok := h.conns[connID]; !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panic", zap.String("conn", connID), zap.String("event", env.Type), zap.Any("panic", r))
			if env.Type == types.EvtJoinRoom {
				h.abortJoin(connID)
				h.joinError(connID, types.ErrCodeInternal, "Internal server error")
			}
		}
	}()

	h.sessions.UpdateActivity(connID)

	switch env.Type {
	case types.EvtJoinRoom:
		var req types.JoinRoom
		if err := env.Unmarshal(&req); err != nil {
			h.joinError(connID, types.ErrCodeFailedToJoin, "Malformed join request")
			return
		}
		h.join(connID, req)

	case types.EvtLeaveRoom:
		h.leaveRoom(connID)

	case types.EvtFireworkAction:
		var act types.FireworkAction
		if err := env.Unmarshal(&act); err != nil {
			h.log.Debug("bad firework_action", zap.String("conn", connID), zap.Error(err))
			return
		}
		h.firework(connID, act)

	case types.EvtChatMessage:
		var msg types.ChatMessage
		if err := env.Unmarshal(&msg); err != nil {
			h.log.Debug("bad chat_message", zap.String("conn", connID), zap.Error(err))
			return
		}
		h.chat(connID, msg)

	case types.EvtComboMilestone:
		var cm types.ComboMilestone
		if err := env.Unmarshal(&cm); err != nil {
			h.log.Debug("bad combo_milestone", zap.String("conn", connID), zap.Error(err))
			return
		}
		h.combo(connID, cm)

	case types.EvtPing:
		h.send(connID, types.EvtPong, types.Pong{Timestamp: types.Timestamp(h.clock.Now())})

	default:
		h.log.Debug("unknown event", zap.String("conn", connID), zap.String("event", env.Type))
	}
}

func (h *Hub) joinError(connID, code, message string) {
	h.send(connID, types.EvtJoinRoomError, types.JoinRoomError{Error: code, Message: message})
}

// join admits connID into a room. The session is created before admission and deleted on
// every failure path so no session outlives a rejected join.
func (h *Hub) join(connID string, req types.JoinRoom) {
	if !req.RoomType.Valid() {
		h.joinError(connID, types.ErrCodeInvalidRoomType, "Room type must be public or private")
		return
	}

	h.leaveRoom(connID)
	sess := h.sessions.Create(connID, req.Nickname)

	rm, err := h.pickRoom(req)
	if err != nil {
		h.sessions.Delete(connID)
		h.log.Info("join failed", zap.String("conn", connID), zap.Error(err))
		h.joinError(connID, types.ErrCodeFailedToJoin, "Could not create room")
		return
	}

	if rm.Full() {
		h.sessions.Delete(connID)
		h.joinError(connID, types.ErrCodeRoomFull, "Room is full")
		return
	}

	p := &room.Player{
		ID:             connID,
		Nickname:       sess.Nickname,
		LastActionTime: h.clock.Now(),
	}
	if err := h.rooms.AddPlayer(rm.ID, p); err != nil {
		h.sessions.Delete(connID)
		h.log.Info("join failed", zap.String("conn", connID), zap.String("room", rm.ID), zap.Error(err))
		h.joinError(connID, types.ErrCodeFailedToJoin, "Could not join room")
		return
	}
	if err := h.sessions.UpdateRoom(connID, rm.ID); err != nil {
		h.rooms.RemovePlayer(rm.ID, connID)
		h.log.Error("session lost during join", zap.String("conn", connID), zap.Error(err))
		h.joinError(connID, types.ErrCodeInternal, "Internal server error")
		return
	}

	info, _ := h.rooms.Info(rm.ID)
	h.send(connID, types.EvtRoomJoined, types.RoomJoined{RoomInfo: info, PlayerID: connID})

	now := types.Timestamp(h.clock.Now())
	h.broadcast(rm.ID, types.EvtPlayerJoined, types.PlayerJoined{Player: p.Wire(), Timestamp: now}, connID)
	h.broadcastRoomState(rm.ID)

	h.log.Info("player joined",
		zap.String("conn", connID),
		zap.String("room", rm.ID),
		zap.String("code", rm.Code),
		zap.String("nickname", sess.Nickname),
		zap.Int("players", rm.Len()))
}

// abortJoin rolls back a join that failed part way. The player may already be in a room even
// if the session does not point at it yet.
func (h *Hub) abortJoin(connID string) {
	if roomID, ok := h.rooms.RoomOf(connID); ok {
		if p, removed := h.rooms.RemovePlayer(roomID, connID); removed {
			h.broadcast(roomID, types.EvtPlayerLeft, types.PlayerLeft{
				SocketID:  connID,
				Nickname:  p.Nickname,
				Timestamp: types.Timestamp(h.clock.Now()),
			}, connID)
			h.broadcastRoomState(roomID)
		}
	}
	h.sessions.Delete(connID)
}

// pickRoom resolves the target room: by code (creating it if unknown), first-fit public, or
// a fresh private room.
func (h *Hub) pickRoom(req types.JoinRoom) (*room.Room, error) {
	if req.Code != "" {
		if rm := h.rooms.FindRoomByCode(req.Code); rm != nil {
			return rm, nil
		}
		return h.rooms.CreateRoomWithCode(req.Code)
	}
	if req.RoomType == types.RoomPublic {
		if rm := h.rooms.FindAvailablePublicRoom(); rm != nil {
			return rm, nil
		}
	}
	return h.rooms.CreateRoom(req.RoomType)
}

func (h *Hub) leaveRoom(connID string) {
	sess, ok := h.sessions.Get(connID)
	if !ok || sess.RoomID == "" {
		return
	}
	roomID := sess.RoomID
	_ = h.sessions.UpdateRoom(connID, "")

	p, removed := h.rooms.RemovePlayer(roomID, connID)
	if !removed {
		return
	}
	h.broadcast(roomID, types.EvtPlayerLeft, types.PlayerLeft{
		SocketID:  connID,
		Nickname:  p.Nickname,
		Timestamp: types.Timestamp(h.clock.Now()),
	}, connID)
	h.broadcastRoomState(roomID)

	h.log.Info("player left", zap.String("conn", connID), zap.String("room", roomID))
}

// currentRoom returns the room id of a connection that is in a room.
func (h *Hub) currentRoom(connID string) (string, bool) {
	sess, ok := h.sessions.Get(connID)
	if !ok || sess.RoomID == "" {
		return "", false
	}
	return sess.RoomID, true
}

func (h *Hub) firework(connID string, act types.FireworkAction) {
	roomID, ok := h.currentRoom(connID)
	if !ok {
		return
	}
	p, err := h.rooms.RecordFirework(roomID, connID)
	if err != nil {
		h.log.Warn("firework from player not in room", zap.String("conn", connID), zap.Error(err))
		return
	}
	h.broadcast(roomID, types.EvtFireworkBroadcast, types.FireworkBroadcast{
		PlayerID:       connID,
		PlayerNickname: p.Nickname,
		X:              act.X,
		Y:              act.Y,
		FireworkTypeID: act.FireworkTypeID,
		Timestamp:      types.Timestamp(p.LastActionTime),
	}, "")
	h.broadcastRoomState(roomID)
}

func (h *Hub) chat(connID string, msg types.ChatMessage) {
	roomID, ok := h.currentRoom(connID)
	if !ok {
		return
	}
	text := strings.TrimSpace(msg.Message)
	if text == "" || utf8.RuneCountInString(text) > maxChatRunes {
		return
	}
	sess, _ := h.sessions.Get(connID)
	h.rooms.UpdateActivity(roomID)
	h.broadcast(roomID, types.EvtChatBroadcast, types.ChatBroadcast{
		PlayerID:       connID,
		PlayerNickname: sess.Nickname,
		Message:        text,
		Timestamp:      types.Timestamp(h.clock.Now()),
	}, "")
}

func (h *Hub) combo(connID string, cm types.ComboMilestone) {
	roomID, ok := h.currentRoom(connID)
	if !ok || cm.ComboCount <= 0 {
		return
	}
	sess, _ := h.sessions.Get(connID)
	h.rooms.UpdateActivity(roomID)
	h.broadcast(roomID, types.EvtComboBroadcast, types.ComboBroadcast{
		PlayerID:       connID,
		PlayerNickname: sess.Nickname,
		ComboCount:     cm.ComboCount,
		Timestamp:      types.Timestamp(h.clock.Now()),
	}, "")
}

// broadcastRoomState sends the full player snapshot and a recomputed leaderboard.
func (h *Hub) broadcastRoomState(roomID string) {
	h.broadcast(roomID, types.EvtPlayerUpdate, types.PlayerUpdate{
		Players: room.Wire(h.rooms.Players(roomID)),
	}, "")
	h.broadcast(roomID, types.EvtLeaderboardUpdate, types.LeaderboardUpdate{
		Leaderboard: room.Wire(h.rooms.Leaderboard(roomID)),
		Timestamp:   types.Timestamp(h.clock.Now()),
	}, "")
}
