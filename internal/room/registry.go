package room

import (
	"fmt"
	"sort"
	"time"

	"github.com/DoyleJ11/fireworks-backend/pkg/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const leaderboardSize = 3

// Registry owns the set of live rooms and the code -> room lookup.
//
// A Registry is not safe for concurrent use. The hub goroutine owns it and applies one
// mutation at a time, so every operation runs to completion before the next one starts.
type Registry struct {
	rooms map[string]*Room
	order []string          // room creation order, drives first-fit public matching
	codes map[string]string // code -> room id

	clock    clockwork.Clock
	nextCode CodeSource
	newID    func() string
	idle     time.Duration
}

type Option func(*Registry)

func WithClock(c clockwork.Clock) Option { return func(r *Registry) { r.clock = c } }

func WithCodeSource(src CodeSource) Option { return func(r *Registry) { r.nextCode = src } }

func WithIDGenerator(gen func() string) Option { return func(r *Registry) { r.newID = gen } }

// WithIdleThreshold overrides how long an empty room survives the sweep.
func WithIdleThreshold(d time.Duration) Option { return func(r *Registry) { r.idle = d } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms:    make(map[string]*Room),
		codes:    make(map[string]string),
		clock:    clockwork.NewRealClock(),
		nextCode: RandomCode,
		newID:    uuid.NewString,
		idle:     IdleThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRoom allocates a room. Private rooms get a fresh code.
func (r *Registry) CreateRoom(t Type) (*Room, error) {
	switch t {
	case Public:
		return r.create(Public, ""), nil
	case Private:
		code, err := r.generateCode()
		if err != nil {
			return nil, err
		}
		return r.create(Private, code), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoomType, t)
	}
}

// CreateRoomWithCode allocates a private room bound to code. A code that already maps to a
// live room is rejected rather than silently rebound.
func (r *Registry) CreateRoomWithCode(code string) (*Room, error) {
	if !ValidCode(code) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	if _, taken := r.codes[code]; taken {
		return nil, fmt.Errorf("%w: %s", ErrCodeInUse, code)
	}
	return r.create(Private, code), nil
}

func (r *Registry) create(t Type, code string) *Room {
	rm := newRoom(r.newID(), t, code, r.clock.Now())
	r.rooms[rm.ID] = rm
	r.order = append(r.order, rm.ID)
	if code != "" {
		r.codes[code] = rm.ID
	}
	return rm
}

func (r *Registry) generateCode() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		n, err := r.nextCode()
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		code := formatCode(n)
		if _, taken := r.codes[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

func (r *Registry) Get(roomID string) (*Room, bool) {
	rm, ok := r.rooms[roomID]
	return rm, ok
}

// FindRoomByCode returns nil when no live room owns code.
func (r *Registry) FindRoomByCode(code string) *Room {
	id, ok := r.codes[code]
	if !ok {
		return nil
	}
	return r.rooms[id]
}

// FindAvailablePublicRoom returns the oldest public room with a free slot, or nil.
// First fit, no balancing across public rooms.
func (r *Registry) FindAvailablePublicRoom() *Room {
	for _, id := range r.order {
		rm := r.rooms[id]
		if rm.Type == Public && !rm.Full() {
			return rm
		}
	}
	return nil
}

func (r *Registry) AddPlayer(roomID string, p *Player) error {
	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if rm.Full() {
		return ErrRoomFull
	}
	if _, exists := rm.players[p.ID]; exists {
		return ErrPlayerExists
	}
	rm.insert(p)
	rm.LastActivityAt = r.clock.Now()
	return nil
}

func (r *Registry) RemovePlayer(roomID, playerID string) (*Player, bool) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	p, ok := rm.remove(playerID)
	if ok {
		rm.LastActivityAt = r.clock.Now()
	}
	return p, ok
}

// RoomOf finds the room holding playerID by scanning every room.
func (r *Registry) RoomOf(playerID string) (string, bool) {
	for _, id := range r.order {
		if _, ok := r.rooms[id].Player(playerID); ok {
			return id, true
		}
	}
	return "", false
}

func (r *Registry) UpdateActivity(roomID string) bool {
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	rm.LastActivityAt = r.clock.Now()
	return true
}

// RecordFirework bumps the player's counter and the room activity.
func (r *Registry) RecordFirework(roomID, playerID string) (*Player, error) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	p, ok := rm.players[playerID]
	if !ok {
		return nil, ErrPlayerNotFound
	}
	now := r.clock.Now()
	p.FireworkCount++
	p.LastActionTime = now
	rm.TotalFireworks++
	rm.LastActivityAt = now
	return p, nil
}

// IsFull reports false for unknown rooms.
func (r *Registry) IsFull(roomID string) bool {
	rm, ok := r.rooms[roomID]
	return ok && rm.Full()
}

// Players returns a copy of the room's players in join order.
func (r *Registry) Players(roomID string) []Player {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return rm.snapshot()
}

func (r *Registry) DeleteRoom(roomID string) bool {
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	delete(r.rooms, roomID)
	if rm.Code != "" && r.codes[rm.Code] == roomID {
		delete(r.codes, rm.Code)
	}
	for i, id := range r.order {
		if id == roomID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Leaderboard returns at most three players by FireworkCount, highest first. Equal counts
// keep join order.
func (r *Registry) Leaderboard(roomID string) []Player {
	players := r.Players(roomID)
	sort.SliceStable(players, func(i, j int) bool {
		return players[i].FireworkCount > players[j].FireworkCount
	})
	if len(players) > leaderboardSize {
		players = players[:leaderboardSize]
	}
	return players
}

// CleanupEmptyRooms deletes rooms that have had no players for longer than the idle
// threshold (IdleThreshold unless overridden) and returns what was deleted.
func (r *Registry) CleanupEmptyRooms() []Summary {
	now := r.clock.Now()
	var removed []Summary
	for _, id := range append([]string(nil), r.order...) {
		rm := r.rooms[id]
		if rm.Len() == 0 && now.Sub(rm.LastActivityAt) > r.idle {
			r.DeleteRoom(id)
			removed = append(removed, rm.summary(now))
		}
	}
	return removed
}

// Info builds the wire description of a room.
func (r *Registry) Info(roomID string) (types.RoomInfo, bool) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return types.RoomInfo{}, false
	}
	return types.RoomInfo{
		ID:         rm.ID,
		Code:       rm.Code,
		Type:       rm.Type,
		MaxPlayers: rm.MaxPlayers,
		Players:    Wire(rm.snapshot()),
		CreatedAt:  types.Timestamp(rm.CreatedAt),
	}, true
}

func (r *Registry) Len() int { return len(r.rooms) }

type Stats struct {
	Rooms        int
	PublicRooms  int
	PrivateRooms int
	Players      int
}

func (r *Registry) Stats() Stats {
	var s Stats
	for _, rm := range r.rooms {
		s.Rooms++
		if rm.Type == Public {
			s.PublicRooms++
		} else {
			s.PrivateRooms++
		}
		s.Players += rm.Len()
	}
	return s
}

// Wire converts players to their wire form.
func Wire(players []Player) []types.Player {
	out := make([]types.Player, len(players))
	for i, p := range players {
		out[i] = p.Wire()
	}
	return out
}
