// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/soundclash/session-service/internal/cache"
	"github.com/soundclash/session-service/internal/config"
	"github.com/soundclash/session-service/internal/database"
	"github.com/soundclash/session-service/internal/handlers"
	"github.com/soundclash/session-service/internal/middleware"
	"github.com/soundclash/session-service/internal/registry"
	"github.com/soundclash/session-service/internal/room"
	"github.com/soundclash/session-service/internal/session"
	"github.com/soundclash/session-service/internal/songs"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	// Redis and Postgres are both optional; the service is fully functional
	// in-memory without them.
	var journal *cache.Journal
	if cfg.RedisAddr != "" {
		j, err := cache.Connect(cfg.RedisAddr)
		if err != nil {
			logger.Warnf("event journal disabled: %v", err)
		} else {
			journal = j
			defer journal.Close()
			logger.Infof("event journal connected at %s", cfg.RedisAddr)
		}
	}

	var db *database.Store
	if cfg.PostgresURL != "" {
		s, err := database.Connect(context.Background(), cfg.PostgresURL)
		if err != nil {
			logger.Warnf("game history disabled: %v", err)
		} else {
			db = s
			defer db.Close()
			logger.Info("game history store connected")
		}
	}

	store := room.NewRoomStore()
	reg := registry.New(logger)
	dispatch := session.NewDispatcher(reg, journal, logger)
	catalog := songs.NewClient(cfg.SongServiceURL)
	ctrl := session.NewController(store, reg, dispatch, catalog, db, logger)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go ctrl.RunJanitor(janitorCtx)

	mux := http.NewServeMux()
	logged := middleware.LogMiddleware(logger)

	// room websockets
	mux.HandleFunc("GET /ws/team/{code}", handlers.TeamWSHandler(logger, ctrl))
	mux.HandleFunc("GET /ws/manager/{code}", handlers.ManagerWSHandler(logger, ctrl))
	mux.HandleFunc("GET /ws/display/{code}", handlers.DisplayWSHandler(logger, ctrl))

	// control plane
	mux.Handle("POST /api/game/{code}/notify", logged(handlers.NotifyGameHandler(logger, ctrl)))
	mux.Handle("GET /api/game/{code}/status", logged(handlers.GameStatusHandler(ctrl)))
	mux.Handle("POST /api/game/{code}/kick/{team}", logged(handlers.KickTeamHandler(ctrl)))
	mux.Handle("DELETE /api/game/{code}", logged(handlers.DeleteGameHandler(ctrl)))

	mux.HandleFunc("GET /health", handlers.HealthHandler())
	mux.HandleFunc("GET /", handlers.IndexHandler(ctrl))

	logger.Infof("Running on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
