package types

// Health is the body of GET /health.
type Health struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Uptime    int64  `json:"uptime"` // seconds
}

// Stats is the body of GET /stats, a point-in-time view of the hub.
type Stats struct {
	Rooms            int `json:"rooms"`
	PublicRooms      int `json:"publicRooms"`
	PrivateRooms     int `json:"privateRooms"`
	Players          int `json:"players"`
	ConnectedClients int `json:"connectedClients"`
	Sessions         int `json:"sessions"`
	SessionsInRooms  int `json:"sessionsInRooms"`
}
