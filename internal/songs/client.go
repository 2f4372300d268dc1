// internal/songs/client.go

// Package songs talks to the external song-management service that owns the
// catalog. The session service never stores songs; it only asks for the next
// track to play.
package songs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/soundclash/session-service/internal/models"
)

// Client is a thin JSON client for the song-management HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type selectRequest struct {
	Genres     []string `json:"genres"`
	ExcludeIDs []int    `json:"exclude_ids"`
	Count      int      `json:"count"`
}

// SelectRandom asks the catalog for one random song from the given genres,
// excluding already-played IDs. Returns an error when the catalog is
// unreachable or has nothing left to offer; callers fail closed.
func (c *Client) SelectRandom(ctx context.Context, genres []string, excludeIDs []int) (*models.Song, error) {
	if genres == nil {
		genres = []string{}
	}
	if excludeIDs == nil {
		excludeIDs = []int{}
	}
	body, err := json.Marshal(selectRequest{Genres: genres, ExcludeIDs: excludeIDs, Count: 1})
	if err != nil {
		return nil, fmt.Errorf("marshal select request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/songs/select", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build select request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("song selection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("song selection failed: status %d", resp.StatusCode)
	}

	var selected []models.Song
	if err := json.NewDecoder(resp.Body).Decode(&selected); err != nil {
		return nil, fmt.Errorf("decode song selection response: %w", err)
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no songs returned from selection")
	}
	return &selected[0], nil
}
