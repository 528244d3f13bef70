package domain

import "time"

// LeaderboardRecord is one ranked run as served to clients.
// Field names match what the browser client reads.
type LeaderboardRecord struct {
	SteamID       string  `json:"SteamID"`
	PlayerName    string  `json:"PlayerName"`
	Time          float64 `json:"Time"`
	FormattedTime string  `json:"FormattedTime"`
	Date          int64   `json:"Date"`
	Place         int     `json:"place"`
}

// RecordRow is a raw ranked row as produced by a record store, before
// defensive filtering.
type RecordRow struct {
	SteamID    string
	PlayerName string
	Time       float64
	Created    time.Time
	Place      int64
}

// Statistics contains aggregate counts over all ranked runs
type Statistics struct {
	TotalRecords int64 `json:"total_records"`
	TotalPlayers int64 `json:"total_players"`
	TotalMaps    int64 `json:"total_maps"`
}

// MapInfo summarizes a single map's leaderboard
type MapInfo struct {
	MapName      string             `json:"map_name"`
	TopRecord    *LeaderboardRecord `json:"top_record"`
	HasRecords   bool               `json:"has_records"`
	TotalRecords int                `json:"total_records"`
}

// MapRecords is the payload of the records endpoint
type MapRecords struct {
	Map     string              `json:"map"`
	Records []LeaderboardRecord `json:"records"`
	Count   int                 `json:"count"`
}

// Client carries the request details needed for throttling and auditing
type Client struct {
	IP         string
	UserAgent  string
	RequestURI string
}

// UnknownClient is used when no request context is available
var UnknownClient = Client{IP: "unknown", UserAgent: "unknown", RequestURI: "unknown"}
