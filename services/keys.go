package services

// State store keyspace shared by every orchestrator instance.
func sessionKey(id string) string         { return "session:" + id }
func activeKey(userID string) string      { return "user:" + userID + ":active" }
func ownerKey(id string) string           { return "owner:" + id }
func userLockKey(userID string) string    { return "lock:user:" + userID }
func competitionKey(id string) string     { return "competition:" + id }
func leaderboardKey(userID string) string { return "leaderboard:" + userID }
func leaderboardLockKey(userID string) string {
	return "lock:leaderboard:" + userID
}

const (
	sessionPrefix     = "session:"
	leaderboardPrefix = "leaderboard:"
)
