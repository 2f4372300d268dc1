// internal/models/answer.go
package models

import "time"

// TeamAnswer is what the buzzing team submitted for a round. All fields are
// optional; an answer timeout records an empty TeamAnswer.
type TeamAnswer struct {
	TeamName    string    `json:"team_name"`
	SongName    string    `json:"song_name,omitempty"`
	ArtistName  string    `json:"artist_name,omitempty"`
	MovieTVName string    `json:"movie_tv_name,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// RoundScore is the manager's evaluation of a round's answer.
type RoundScore struct {
	TeamName       string `json:"team_name"`
	SongCorrect    bool   `json:"song_correct"`
	ArtistCorrect  bool   `json:"artist_correct"`
	MovieTVCorrect bool   `json:"movie_tv_correct"`
	PointsEarned   int    `json:"points_earned"`
}
