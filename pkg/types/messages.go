package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client -> Server
//   join_room:        nickname, roomType ("public" | "private"), code? (4 digits)
//   leave_room:       {}
//   firework_action:  x, y, fireworkTypeId
//   chat_message:     message
//   combo_milestone:  comboCount
//   ping:             {}
//
// Server -> Client
//   connected:          connectionId, timestamp            (handshake ack)
//   room_joined:        roomInfo, playerId
//   join_room_error:    error, message                     (requester only)
//   player_joined:      player, timestamp                  (room except sender)
//   player_left:        socketId, nickname, timestamp      (room except sender)
//   player_update:      players[]                          (whole room)
//   leaderboard_update: leaderboard[<=3], timestamp        (whole room)
//   firework_broadcast: playerId, playerNickname, x, y, fireworkTypeId, timestamp
//   chat_broadcast:     playerId, playerNickname, message, timestamp
//   combo_broadcast:    playerId, playerNickname, comboCount, timestamp
//   pong:               timestamp

const (
	EvtConnected         = "connected"
	EvtJoinRoom          = "join_room"
	EvtRoomJoined        = "room_joined"
	EvtJoinRoomError     = "join_room_error"
	EvtLeaveRoom         = "leave_room"
	EvtPlayerJoined      = "player_joined"
	EvtPlayerLeft        = "player_left"
	EvtPlayerUpdate      = "player_update"
	EvtLeaderboardUpdate = "leaderboard_update"
	EvtFireworkAction    = "firework_action"
	EvtFireworkBroadcast = "firework_broadcast"
	EvtChatMessage       = "chat_message"
	EvtChatBroadcast     = "chat_broadcast"
	EvtComboMilestone    = "combo_milestone"
	EvtComboBroadcast    = "combo_broadcast"
	EvtPing              = "ping"
	EvtPong              = "pong"
)

// Join error codes. The set is closed: nothing else is ever sent in join_room_error.
const (
	ErrCodeInvalidRoomType = "invalid_room_type"
	ErrCodeRoomFull        = "room_full"
	ErrCodeFailedToJoin    = "failed_to_join"
	ErrCodeInternal        = "internal_error"
)

type RoomType string

const (
	RoomPublic  RoomType = "public"
	RoomPrivate RoomType = "private"
)

func (t RoomType) Valid() bool { return t == RoomPublic || t == RoomPrivate }

// Envelope is the frame every message travels in.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload in an Envelope and marshals it. A nil payload produces no data field.
func Encode(eventType string, payload any) ([]byte, error) {
	env := Envelope{Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", eventType, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode parses a frame. The payload stays raw until Unmarshal is called on it.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Unmarshal decodes the envelope payload into v. An empty payload leaves v untouched.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ValidRoomCode reports whether code is exactly four ASCII digits.
func ValidRoomCode(code string) bool {
	if len(code) != 4 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// Timestamp is milliseconds since the Unix epoch, the unit browsers use.
func Timestamp(t time.Time) int64 { return t.UnixMilli() }

type Player struct {
	ID             string `json:"id"`
	Nickname       string `json:"nickname"`
	FireworkCount  int    `json:"fireworkCount"`
	LastActionTime int64  `json:"lastActionTime"`
}

type RoomInfo struct {
	ID         string   `json:"id"`
	Code       string   `json:"code,omitempty"`
	Type       RoomType `json:"type"`
	MaxPlayers int      `json:"maxPlayers"`
	Players    []Player `json:"players"`
	CreatedAt  int64    `json:"createdAt"`
}

// Client -> Server payloads

type JoinRoom struct {
	Nickname string   `json:"nickname"`
	RoomType RoomType `json:"roomType"`
	Code     string   `json:"code,omitempty"`
}

type FireworkAction struct {
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	FireworkTypeID int     `json:"fireworkTypeId"`
}

type ChatMessage struct {
	Message string `json:"message"`
}

type ComboMilestone struct {
	ComboCount int `json:"comboCount"`
}

// Server -> Client payloads

type Connected struct {
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
}

type RoomJoined struct {
	RoomInfo RoomInfo `json:"roomInfo"`
	PlayerID string   `json:"playerId"`
}

type JoinRoomError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type PlayerJoined struct {
	Player    Player `json:"player"`
	Timestamp int64  `json:"timestamp"`
}

type PlayerLeft struct {
	SocketID  string `json:"socketId"`
	Nickname  string `json:"nickname,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type PlayerUpdate struct {
	Players []Player `json:"players"`
}

type LeaderboardUpdate struct {
	Leaderboard []Player `json:"leaderboard"`
	Timestamp   int64    `json:"timestamp"`
}

type FireworkBroadcast struct {
	PlayerID       string  `json:"playerId"`
	PlayerNickname string  `json:"playerNickname"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	FireworkTypeID int     `json:"fireworkTypeId"`
	Timestamp      int64   `json:"timestamp"`
}

type ChatBroadcast struct {
	PlayerID       string `json:"playerId"`
	PlayerNickname string `json:"playerNickname"`
	Message        string `json:"message"`
	Timestamp      int64  `json:"timestamp"`
}

type ComboBroadcast struct {
	PlayerID       string `json:"playerId"`
	PlayerNickname string `json:"playerNickname"`
	ComboCount     int    `json:"comboCount"`
	Timestamp      int64  `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}
