package models

// GameStats is the activity of one catalog game.
type GameStats struct {
	GameID      string `json:"game_id"`
	Name        string `json:"name"`
	Author      string `json:"author,omitempty"`
	TimesPlayed int64  `json:"times_played"`
	Reports     int64  `json:"reports"`
}

// UserStats is a user's own standing plus the games they authored.
type UserStats struct {
	UserID             string      `json:"user_id"`
	CompetitionEnabled bool        `json:"competition_enabled"`
	Place              int         `json:"place,omitempty"`
	Places             int         `json:"places"`
	Score              int64       `json:"score"`
	TotalSessions      int64       `json:"total_sessions"`
	Games              []GameStats `json:"games"`
}
