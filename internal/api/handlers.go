package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/codehuddle/server/internal/coordinator"
	"github.com/codehuddle/server/internal/store"
	"github.com/codehuddle/server/internal/ws"
)

const maxShareSize = 1024 * 1024

type API struct {
	hub   *ws.Hub
	coord *coordinator.Coordinator
	store store.Store
}

func New(hub *ws.Hub, coord *coordinator.Coordinator, st store.Store) *API {
	return &API{
		hub:   hub,
		coord: coord,
		store: st,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.RoomCount(),
		"active_clients": a.hub.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if storeStats, err := a.store.Stats(); err == nil {
		stats["total_rooms"] = storeStats["room_count"]
		stats["total_shares"] = storeStats["share_count"]
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	Key         string `json:"key"`
	ActiveUsers int    `json:"active_users"`
	Host        string `json:"host,omitempty"`
	CommitCount int    `json:"commit_count"`
}

// ListRoomsHandler returns every room currently held in memory
func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	counts := a.coord.ActiveRooms()
	response := make([]RoomResponse, 0, len(counts))
	for key, users := range counts {
		info := RoomResponse{Key: key, ActiveUsers: users}
		if snap, ok := a.coord.RoomSnapshot(key); ok {
			info.Host = snap.Host
			info.CommitCount = len(snap.Commits)
		}
		response = append(response, info)
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": response,
	})
}

// Share handlers

type CreateShareRequest struct {
	Content string `json:"content"`
}

type ShareResponse struct {
	ID      string `json:"id"`
	Content string `json:"content,omitempty"`
}

func (a *API) CreateShareHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Content == "" {
		errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}
	if len(req.Content) > maxShareSize {
		errorResponse(w, http.StatusRequestEntityTooLarge, "content too large")
		return
	}

	id, err := a.coord.CreateShare(req.Content)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create share")
		return
	}

	jsonResponse(w, http.StatusCreated, ShareResponse{ID: id})
}

func (a *API) GetShareHandler(w http.ResponseWriter, r *http.Request) {
	// Extract share id from path: /api/share/{id}
	path := strings.TrimPrefix(r.URL.Path, "/api/share/")
	shareID := strings.TrimSuffix(path, "/")

	if shareID == "" {
		errorResponse(w, http.StatusBadRequest, "Share id is required")
		return
	}

	content, err := a.coord.LoadShare(shareID)
	if errors.Is(err, store.ErrNotFound) {
		errorResponse(w, http.StatusNotFound, "Share code not found")
		return
	}
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to load share")
		return
	}

	jsonResponse(w, http.StatusOK, ShareResponse{ID: shareID, Content: content})
}

func (a *API) ShareRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/share")

	// /api/share or /api/share/
	if path == "" || path == "/" {
		if r.Method == http.MethodPost {
			a.CreateShareHandler(w, r)
		} else {
			errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	// /api/share/{id}
	if r.Method == http.MethodGet {
		a.GetShareHandler(w, r)
	} else {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
