package ws

import (
	"log"
	"sync"
)

// The set of active connections, grouped by room. Implements the
// coordinator's Broadcaster. Delivery is fire-and-forget: a client whose send
// buffer is full is dropped rather than allowed to stall the room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client // roomKey -> connID -> client
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	if _, ok := h.rooms[client.roomKey]; !ok {
		h.rooms[client.roomKey] = make(map[string]*Client)
	}
	h.rooms[client.roomKey][client.connID] = client
	count := len(h.rooms[client.roomKey])
	h.mu.Unlock()

	log.Printf("Client %s joined room %s (total: %d)", client.connID, client.roomKey, count)
}

// Unregister removes a client and runs the session leave path exactly once,
// whether the removal came from the read pump or from a slow-client drop.
// Reports whether the client was still present.
func (h *Hub) Unregister(client *Client) bool {
	h.mu.Lock()
	clients, ok := h.rooms[client.roomKey]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if _, ok := clients[client.connID]; !ok {
		h.mu.Unlock()
		return false
	}

	delete(clients, client.connID)
	close(client.send)
	remaining := len(clients)
	if remaining == 0 {
		delete(h.rooms, client.roomKey)
	}
	h.mu.Unlock()

	if remaining == 0 {
		log.Printf("Room %s has no connections", client.roomKey)
	} else {
		log.Printf("Client %s left room %s (remaining: %d)", client.connID, client.roomKey, remaining)
	}

	// The leave fans broadcasts back through this hub and the room lock, and
	// a slow-client drop arrives from inside both, so it gets its own goroutine
	go client.session.Leave(client.roomKey, client.connID)
	return true
}

// Broadcast sends to every member of the room except excludeConnID
func (h *Hub) Broadcast(roomKey, excludeConnID string, message []byte) {
	h.mu.RLock()
	clients := h.rooms[roomKey]
	var slow []*Client
	for connID, client := range clients {
		if connID == excludeConnID {
			continue
		}
		select {
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		log.Printf("Dropping slow client %s in room %s", client.connID, roomKey)
		h.Unregister(client)
	}
}

// SendTo sends to one connection in a room. The send happens under the read
// lock so it cannot race a concurrent Unregister closing the channel.
func (h *Hub) SendTo(roomKey, connID string, message []byte) {
	h.mu.RLock()
	client, ok := h.rooms[roomKey][connID]
	slow := false
	if ok {
		select {
		case client.send <- message:
		default:
			slow = true
		}
	}
	h.mu.RUnlock()

	if slow {
		log.Printf("Dropping slow client %s in room %s", connID, roomKey)
		h.Unregister(client)
	}
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.rooms {
		count += len(clients)
	}
	return count
}

func (h *Hub) ActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make(map[string]int, len(h.rooms))
	for roomKey, clients := range h.rooms {
		rooms[roomKey] = len(clients)
	}
	return rooms
}
