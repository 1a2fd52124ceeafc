// Package session binds live connections to display names and rooms.
package session

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"golang.org/x/text/unicode/norm"
)

const (
	MaxNicknameRunes = 20
	DefaultNickname  = "Player"
)

var ErrSessionNotFound = errors.New("session not found")

type Session struct {
	ConnectionID string
	Nickname     string
	RoomID       string // empty when not in a room
	CreatedAt    time.Time
	LastActivity time.Time
}

type Stats struct {
	Sessions int
	InRooms  int
}

// Manager owns sessions for the process. Like the room registry it is driven by the hub
// goroutine and is not safe for concurrent use.
type Manager struct {
	sessions  map[string]*Session // connection id -> session
	nicknames map[string]string   // effective nickname -> connection id
	clock     clockwork.Clock
}

func NewManager(clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		nicknames: make(map[string]string),
		clock:     clock,
	}
}

// Create starts a session for connID. The returned session carries the effective nickname,
// which is unique among live sessions. A previous session of the same connection is replaced.
func (m *Manager) Create(connID, requested string) *Session {
	m.Delete(connID)

	nick := m.uniqueNickname(SanitizeNickname(requested))
	now := m.clock.Now()
	s := &Session{
		ConnectionID: connID,
		Nickname:     nick,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.sessions[connID] = s
	m.nicknames[nick] = connID
	return s
}

func (m *Manager) Get(connID string) (*Session, bool) {
	s, ok := m.sessions[connID]
	return s, ok
}

// UpdateRoom sets or, with an empty roomID, clears the session's room.
func (m *Manager) UpdateRoom(connID, roomID string) error {
	s, ok := m.sessions[connID]
	if !ok {
		return ErrSessionNotFound
	}
	s.RoomID = roomID
	s.LastActivity = m.clock.Now()
	return nil
}

func (m *Manager) UpdateActivity(connID string) bool {
	s, ok := m.sessions[connID]
	if !ok {
		return false
	}
	s.LastActivity = m.clock.Now()
	return true
}

func (m *Manager) Delete(connID string) bool {
	s, ok := m.sessions[connID]
	if !ok {
		return false
	}
	delete(m.sessions, connID)
	if m.nicknames[s.Nickname] == connID {
		delete(m.nicknames, s.Nickname)
	}
	return true
}

func (m *Manager) Stats() Stats {
	st := Stats{Sessions: len(m.sessions)}
	for _, s := range m.sessions {
		if s.RoomID != "" {
			st.InRooms++
		}
	}
	return st
}

// Destroy drops every session.
func (m *Manager) Destroy() {
	clear(m.sessions)
	clear(m.nicknames)
}

func (m *Manager) uniqueNickname(base string) string {
	if _, taken := m.nicknames[base]; !taken {
		return base
	}
	for n := 2; ; n++ {
		suffix := " " + strconv.Itoa(n)
		candidate := truncateRunes(base, MaxNicknameRunes-utf8.RuneCountInString(suffix)) + suffix
		if _, taken := m.nicknames[candidate]; !taken {
			return candidate
		}
	}
}

// SanitizeNickname normalizes to NFC, trims whitespace and caps the length. Blank names
// become DefaultNickname.
func SanitizeNickname(raw string) string {
	s := strings.TrimSpace(norm.NFC.String(raw))
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return DefaultNickname
	}
	return truncateRunes(s, MaxNicknameRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
