package domain

import "time"

// RunEvent is published by game servers when a run is completed
type RunEvent struct {
	Map       string    `json:"map"`
	SteamID   string    `json:"steam_id"`
	Time      float64   `json:"time"`
	CreatedAt time.Time `json:"created_at"`
}

// SecurityEvent is one audit log line describing a rejected input
type SecurityEvent struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"user_agent"`
	RequestURI string    `json:"request_uri"`
	MapName    string    `json:"map_name"`
	Reason     string    `json:"reason"`
}
