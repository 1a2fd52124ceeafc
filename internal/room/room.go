package room

import (
	"time"

	"github.com/DoyleJ11/fireworks-backend/pkg/types"
)

const (
	MaxPlayers    = 20
	IdleThreshold = 30 * time.Minute
	SweepInterval = 5 * time.Minute
)

type Type = types.RoomType

const (
	Public  = types.RoomPublic
	Private = types.RoomPrivate
)

type Player struct {
	ID             string
	Nickname       string
	FireworkCount  int
	LastActionTime time.Time
}

func (p Player) Wire() types.Player {
	return types.Player{
		ID:             p.ID,
		Nickname:       p.Nickname,
		FireworkCount:  p.FireworkCount,
		LastActionTime: types.Timestamp(p.LastActionTime),
	}
}

// Room is owned by the Registry that created it. Callers may read its exported fields but
// mutate it only through Registry methods.
type Room struct {
	ID             string
	Code           string // set iff Type == Private
	Type           Type
	MaxPlayers     int
	CreatedAt      time.Time
	LastActivityAt time.Time

	PeakPlayers    int
	TotalFireworks int

	players map[string]*Player
	order   []string // join order, used for snapshots and leaderboard ties
}

func newRoom(id string, t Type, code string, now time.Time) *Room {
	return &Room{
		ID:             id,
		Code:           code,
		Type:           t,
		MaxPlayers:     MaxPlayers,
		CreatedAt:      now,
		LastActivityAt: now,
		players:        make(map[string]*Player),
	}
}

func (r *Room) Len() int { return len(r.players) }

func (r *Room) Full() bool { return len(r.players) >= r.MaxPlayers }

func (r *Room) Player(id string) (*Player, bool) {
	p, ok := r.players[id]
	return p, ok
}

// snapshot copies the players in join order.
func (r *Room) snapshot() []Player {
	out := make([]Player, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.players[id])
	}
	return out
}

func (r *Room) insert(p *Player) {
	r.players[p.ID] = p
	r.order = append(r.order, p.ID)
	if len(r.players) > r.PeakPlayers {
		r.PeakPlayers = len(r.players)
	}
}

func (r *Room) remove(id string) (*Player, bool) {
	p, ok := r.players[id]
	if !ok {
		return nil, false
	}
	delete(r.players, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return p, true
}

// Summary describes a room at the moment it was deleted.
type Summary struct {
	RoomID         string
	Code           string
	Type           Type
	CreatedAt      time.Time
	LastActivityAt time.Time
	ClosedAt       time.Time
	PeakPlayers    int
	TotalFireworks int
}

func (r *Room) summary(closedAt time.Time) Summary {
	return Summary{
		RoomID:         r.ID,
		Code:           r.Code,
		Type:           r.Type,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
		ClosedAt:       closedAt,
		PeakPlayers:    r.PeakPlayers,
		TotalFireworks: r.TotalFireworks,
	}
}
