package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/codehuddle/server/internal/api"
	"github.com/codehuddle/server/internal/cleanup"
	"github.com/codehuddle/server/internal/config"
	"github.com/codehuddle/server/internal/coordinator"
	"github.com/codehuddle/server/internal/store"
	"github.com/codehuddle/server/internal/ws"
)

func main() {
	cfg := config.Load()

	st, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	hub := ws.NewHub()

	coord := coordinator.New(st, hub, coordinator.Config{
		ChatLogLimit:       cfg.ChatLogLimit,
		TypingTTL:          cfg.TypingTTL,
		CodeMinInterval:    cfg.CodeMinInterval,
		FlushInterval:      cfg.FlushInterval,
		CommitDedupeWindow: cfg.CommitDedupeWindow,
		CommitCap:          cfg.CommitCap,
	})
	coord.Start()

	sweeper := cleanup.New(coord, st, cleanup.Config{
		Interval:   cfg.CleanupInterval,
		RoomMaxAge: cfg.RoomMaxAge,
		ShareTTL:   cfg.ShareTTL,
	})
	sweeper.Start()

	apiHandler := api.New(hub, coord, st)

	// WebSocket endpoint
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, coord, w, r)
	})

	http.HandleFunc("/health", apiHandler.HealthHandler)
	http.HandleFunc("/api/stats", apiHandler.StatsHandler)
	http.HandleFunc("/api/rooms", apiHandler.ListRoomsHandler)
	http.HandleFunc("/api/share", apiHandler.ShareRouter)
	http.HandleFunc("/api/share/", apiHandler.ShareRouter)

	// Apply CORS middleware
	handler := corsMiddleware(http.DefaultServeMux)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		sweeper.Stop()
		coord.Stop()
		st.Close()
		os.Exit(0)
	}()

	log.Printf("🛖 Huddle server starting on :%s", cfg.Port)
	log.Printf("📁 Database: %s", cfg.DBPath)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws?room={roomKey}&name={displayName}")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Println("  - Rooms:     GET /api/rooms")
	log.Println("  - Share:     POST /api/share")
	log.Println("  - Share:     GET /api/share/{id}")

	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
