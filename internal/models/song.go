// internal/models/song.go
package models

// Song describes one catalog entry selected for a round. The catalog service
// owns the data; rooms only hold a reference for the round that played it.
type Song struct {
	ID        int      `json:"id"`
	Title     string   `json:"title"`
	Artist    string   `json:"artist"`
	YoutubeID string   `json:"youtube_id"`
	Genres    []string `json:"genres,omitempty"`
}
