// Package types defines the JSON shapes of the bridge's HTTP API.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// StatsResponse is the response from /api/v1/stats
type StatsResponse struct {
	ActiveCalls     int `json:"active_calls"`
	ChatEndpoints   int `json:"chat_endpoints"`
	RemoteEndpoints int `json:"remote_endpoints"`
	BridgedRooms    int `json:"bridged_rooms"`
	KnownIdentities int `json:"known_identities"`
}

// Leg is one side of a bridged call
type Leg struct {
	Side         string   `json:"side"`
	State        string   `json:"state"`
	RoomID       string   `json:"room_id,omitempty"`
	UserID       string   `json:"user_id,omitempty"`
	PeerUserID   string   `json:"peer_user_id,omitempty"`
	RemoteID     string   `json:"remote_id,omitempty"`
	LastActivity string   `json:"last_activity"`
	RemoteMedia  []string `json:"remote_media,omitempty"`
	LocalMedia   []string `json:"local_media,omitempty"`
}

// Call represents a bridged call
type Call struct {
	CallID    string `json:"call_id"`
	Origin    string `json:"origin"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
	Duration  int    `json:"duration"`
	Chat      *Leg   `json:"chat,omitempty"`
	Remote    *Leg   `json:"remote,omitempty"`
}

// CallsResponse is the response from /api/v1/calls
type CallsResponse struct {
	Total int    `json:"total"`
	Calls []Call `json:"calls"`
}

// MatrixError is the error body of the application service endpoints
type MatrixError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error,omitempty"`
}
