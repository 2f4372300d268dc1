// internal/songs/client_test.go
package songs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/soundclash/session-service/internal/models"
	"github.com/stretchr/testify/require"
)

func TestSelectRandom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/songs/select", r.URL.Path)

		var req struct {
			Genres     []string `json:"genres"`
			ExcludeIDs []int    `json:"exclude_ids"`
			Count      int      `json:"count"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"rock", "pop"}, req.Genres)
		require.Equal(t, []int{3, 7}, req.ExcludeIDs)
		require.Equal(t, 1, req.Count)

		json.NewEncoder(w).Encode([]models.Song{
			{ID: 42, Title: "Africa", Artist: "Toto", YoutubeID: "FTQbiNvZqaY"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	song, err := c.SelectRandom(context.Background(), []string{"rock", "pop"}, []int{3, 7})
	require.NoError(t, err)
	require.Equal(t, 42, song.ID)
	require.Equal(t, "Africa", song.Title)
}

func TestSelectRandomEmptyCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.Song{})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).SelectRandom(context.Background(), nil, nil)
	require.Error(t, err, "an exhausted catalog fails closed")
}

func TestSelectRandomServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).SelectRandom(context.Background(), nil, nil)
	require.Error(t, err)
}
