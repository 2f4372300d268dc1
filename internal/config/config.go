// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"time"
)

// Game policy constants. These are fixed by the game rules rather than
// deployment environment, so they are plain constants.
const (
	// MinTeams is the minimum number of teams required to start a game.
	MinTeams = 2
	// MaxTeams is the maximum number of teams a room admits.
	MaxTeams = 8
	// MaxTeamNameLen bounds team name length in runes.
	MaxTeamNameLen = 50
	// RoomCodeLen is the fixed length of a room code.
	RoomCodeLen = 6

	// DefaultMaxRounds is used when a room is created without a round limit.
	DefaultMaxRounds = 10
	// SongStartOffsetSec is the playback offset sent with round_started.
	SongStartOffsetSec = 5

	// Points awarded per correct answer category.
	PointsSong    = 10
	PointsArtist  = 5
	PointsMovieTV = 5
)

// Timing policy. Variables rather than constants so tests can shorten them.
var (
	// AnswerTimeout is how long the buzzing team has to submit an answer
	// before the round moves to evaluation with an empty answer.
	AnswerTimeout = 30 * time.Second
	// ReapInterval is how often stale connections are swept.
	ReapInterval = 5 * time.Minute
	// StaleTimeout is the heartbeat age beyond which a connection is reaped.
	StaleTimeout = 10 * time.Minute
	// RoomIdleTTL is how long a room may sit with no live connections and no
	// state changes before the janitor destroys it.
	RoomIdleTTL = 2 * time.Hour
)

// Config holds environment-derived settings resolved once at startup.
type Config struct {
	Addr           string
	SongServiceURL string
	RedisAddr      string // empty disables the event journal
	PostgresURL    string // empty disables the write-behind store
}

// Load resolves the configuration from the environment. Callers are expected
// to have loaded .env via godotenv/autoload before this runs.
func Load() Config {
	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	return Config{
		Addr:           addr,
		SongServiceURL: GetEnv("SONG_MANAGEMENT_URL", "http://localhost:8001"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		PostgresURL:    os.Getenv("DATABASE_URL"),
	}
}

// GetEnv reads an environment variable or returns a default value.
func GetEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetEnvInt parses an environment variable as an integer, else a default.
func GetEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
