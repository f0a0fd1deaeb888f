package coordinator

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codehuddle/server/internal/protocol"
	"github.com/codehuddle/server/internal/room"
	"github.com/codehuddle/server/internal/schedule"
	"github.com/codehuddle/server/internal/store"
)

// Broadcaster delivers encoded events to room members. The coordinator calls
// into it; it never calls back into the coordinator.
type Broadcaster interface {
	// Broadcast sends to every member of the room except excludeConnID
	// (empty string excludes nobody).
	Broadcast(roomKey, excludeConnID string, message []byte)

	// SendTo sends to a single connection in the room.
	SendTo(roomKey, connID string, message []byte)
}

type Config struct {
	ChatLogLimit       int
	TypingTTL          time.Duration
	CodeMinInterval    time.Duration
	FlushInterval      time.Duration
	CommitDedupeWindow time.Duration
	CommitCap          int // 0 = unbounded
}

func DefaultConfig() Config {
	return Config{
		ChatLogLimit:       100,
		TypingTTL:          2 * time.Second,
		CodeMinInterval:    100 * time.Millisecond,
		FlushInterval:      2 * time.Second,
		CommitDedupeWindow: 5 * time.Minute,
		CommitCap:          0,
	}
}

// Coordinator owns the authoritative in-memory state of every active room
// and reconciles concurrent client events into one broadcastable state.
// Mutations on a room are serialized by that room's entry lock; rooms never
// contend with each other. Persistence is debounced and runs off the
// broadcast path: in-memory state is the source of truth, the store is
// eventually consistent with it.
type Coordinator struct {
	store  store.Store
	bus    Broadcaster
	config Config

	mu    sync.RWMutex
	rooms map[string]*entry

	timers *schedule.Timers
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Per-room serialization scope plus coalescing bookkeeping
type entry struct {
	mu          sync.Mutex
	room        *room.Room
	dirty       bool
	lastApplied map[string]time.Time     // language -> last broadcast code update
	pending     map[string]pendingUpdate // language -> coalesced value awaiting flush
}

type pendingUpdate struct {
	content string
	sender  string
}

func New(st store.Store, bus Broadcaster, config Config) *Coordinator {
	return &Coordinator{
		store:  st,
		bus:    bus,
		config: config,
		rooms:  make(map[string]*entry),
		timers: schedule.NewTimers(),
		stop:   make(chan struct{}),
	}
}

// Start launches the background persistence loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.run()
	log.Printf("💾 Coordinator started (flush interval: %v)", c.config.FlushInterval)
}

// Stop cancels all timers and flushes dirty rooms one last time.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
	c.timers.Stop()
	c.FlushNow()
	log.Println("💾 Coordinator stopped")
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.FlushNow()
		}
	}
}

// Room table

// getOrCreate returns the entry for a key, loading it from the durable store
// on first reference or initializing a fresh room for unknown keys. Safe
// under concurrent calls: one key never yields two divergent entries.
func (c *Coordinator) getOrCreate(key string) *entry {
	c.mu.RLock()
	e, ok := c.rooms[key]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.rooms[key]; ok {
		return e
	}

	e = &entry{
		room:        c.loadOrNew(key),
		lastApplied: make(map[string]time.Time),
		pending:     make(map[string]pendingUpdate),
	}
	c.rooms[key] = e
	return e
}

// lookup returns the entry for a key that already exists, either cached or
// persisted. Mutations against a never-created key get nil: rooms only come
// into existence through a join.
func (c *Coordinator) lookup(key string) *entry {
	c.mu.RLock()
	e, ok := c.rooms[key]
	c.mu.RUnlock()
	if ok {
		return e
	}

	if _, err := c.store.LoadRoom(key); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("Failed to load room %s from store: %v", key, err)
		}
		return nil
	}
	return c.getOrCreate(key)
}

func (c *Coordinator) loadOrNew(key string) *room.Room {
	blob, err := c.store.LoadRoom(key)
	if errors.Is(err, store.ErrNotFound) {
		return room.New(key, c.config.ChatLogLimit)
	}
	if err != nil {
		// In-memory state stays authoritative; start fresh rather than fail
		log.Printf("Failed to load room %s from store: %v", key, err)
		return room.New(key, c.config.ChatLogLimit)
	}

	var snap room.Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		log.Printf("Corrupt snapshot for room %s: %v", key, err)
		return room.New(key, c.config.ChatLogLimit)
	}
	return room.FromSnapshot(key, snap, c.config.ChatLogLimit)
}

// Membership

// Join adds a connection to a room, creating or loading the room as needed.
// The joiner receives the full sync snapshot; everyone gets the updated
// member list, and the owner if it changed.
func (c *Coordinator) Join(key, connID, name string) {
	e := c.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	added, hostChanged := e.room.AddMember(connID, name)
	if added {
		e.dirty = true
		c.emit(key, "", protocol.EventMemberList, c.memberList(e.room))
	}
	if hostChanged {
		c.emit(key, "", protocol.EventOwnerChanged, c.owner(e.room))
	}

	snap := protocol.SyncSnapshotPayload{
		Members: memberInfos(e.room.Members()),
		Owner:   ownerInfo(e.room),
		Code:    e.room.CodeMap(),
		Chat:    e.room.ChatLog(),
		Commits: e.room.CommitSummaries(),
	}
	c.sendTo(key, connID, protocol.EventSyncSnapshot, snap)
}

// Leave removes a connection from its room. The room survives vacancy; the
// host role passes to the first remaining member in join order.
func (c *Coordinator) Leave(key, connID string) {
	e := c.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c.timers.Cancel(typingKey(key, connID))
	wasTyping := e.room.ClearTyping(connID)

	removed, hostChanged := e.room.RemoveMember(connID)
	if !removed {
		return
	}
	e.dirty = true

	if wasTyping {
		c.emit(key, "", protocol.EventUserTyping, protocol.UserTypingPayload{Users: e.room.TypingNames()})
	}
	c.emit(key, "", protocol.EventMemberList, c.memberList(e.room))
	if hostChanged {
		c.emit(key, "", protocol.EventOwnerChanged, c.owner(e.room))
	}
}

// Code synchronization

// UpdateCode applies a code edit under the coalesce-then-flush policy: the
// first update in an idle window applies immediately; faster arrivals for the
// same (room, language) replace a pending value that flushes once the window
// elapses. The final keystroke state is never silently dropped.
func (c *Coordinator) UpdateCode(key, language, content, senderConnID string) {
	e := c.lookup(key)
	if e == nil {
		log.Printf("Dropping code-update for unknown room %s", key)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, waiting := e.pending[language]; waiting {
		// Coalesce: only the most recent value flushes
		e.pending[language] = pendingUpdate{content: content, sender: senderConnID}
		return
	}

	elapsed := time.Since(e.lastApplied[language])
	if elapsed >= c.config.CodeMinInterval {
		c.applyCode(e, key, language, content, senderConnID)
		return
	}

	e.pending[language] = pendingUpdate{content: content, sender: senderConnID}
	c.timers.Reset(codeKey(key, language), c.config.CodeMinInterval-elapsed, func() {
		c.flushPendingCode(e, key, language)
	})
}

// Caller holds e.mu
func (c *Coordinator) applyCode(e *entry, key, language, content, senderConnID string) {
	e.room.SetCode(language, content)
	e.lastApplied[language] = time.Now()
	e.dirty = true
	c.emit(key, senderConnID, protocol.EventCodeUpdate, protocol.CodeUpdatePayload{
		Language: language,
		Content:  content,
	})
}

func (c *Coordinator) flushPendingCode(e *entry, key, language string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pending[language]
	if !ok {
		return
	}
	delete(e.pending, language)
	c.applyCode(e, key, language, p.content, p.sender)
}

// GetLanguageSnapshot returns the current buffer for a language, or the
// placeholder if the language (or the room) has never been written.
func (c *Coordinator) GetLanguageSnapshot(key, language string) string {
	e := c.lookup(key)
	if e == nil {
		return room.CodePlaceholder
	}
	return e.room.Code(language)
}

// Chat

func (c *Coordinator) SendChat(key, connID, message string) {
	e := c.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	name, ok := e.room.MemberName(connID)
	if !ok {
		log.Printf("Dropping chat from non-member %s in room %s", connID, key)
		return
	}

	msg := e.room.AppendChat(name, message)
	e.dirty = true
	c.emit(key, "", protocol.EventChatMessage, msg)
}

// Typing

// TypingStart flags a connection as typing and (re)arms its expiry timer.
// Only an actual state change is broadcast.
func (c *Coordinator) TypingStart(key, connID string) {
	e := c.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.room.MemberName(connID); !ok {
		return
	}

	changed := e.room.SetTyping(connID)
	c.timers.Reset(typingKey(key, connID), c.config.TypingTTL, func() {
		c.TypingStop(key, connID)
	})
	if changed {
		c.emit(key, "", protocol.EventUserTyping, protocol.UserTypingPayload{Users: e.room.TypingNames()})
	}
}

// TypingStop clears the typing flag, from an explicit stop or timer expiry
func (c *Coordinator) TypingStop(key, connID string) {
	e := c.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c.timers.Cancel(typingKey(key, connID))
	if e.room.ClearTyping(connID) {
		c.emit(key, "", protocol.EventUserTyping, protocol.UserTypingPayload{Users: e.room.TypingNames()})
	}
}

// Cursors

// Cursor relays a cursor position to the rest of the room. Positions are
// transient: kept in memory for staleness checks, never persisted.
func (c *Coordinator) Cursor(key, connID, language string, line, col int) {
	e := c.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	name, ok := e.room.MemberName(connID)
	if !ok {
		return
	}

	e.room.SetCursor(connID, language, line, col)
	c.emit(key, connID, protocol.EventCursorUpdate, protocol.CursorBroadcastPayload{
		Member:   name,
		Language: language,
		Line:     line,
		Col:      col,
	})
}

// Commits

// Commit appends an immutable snapshot of one language buffer and returns its
// id. A commit identical in language and content to one made within the
// dedupe window is suppressed: the prior id comes back, nothing is appended
// or broadcast.
func (c *Coordinator) Commit(key, language, content, message, connID string) string {
	e := c.lookup(key)
	if e == nil {
		log.Printf("Dropping commit for unknown room %s", key)
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	author, _ := e.room.MemberName(connID)

	if c.config.CommitDedupeWindow > 0 {
		if last, ok := e.room.LastCommitFor(language); ok {
			if last.Content == content && time.Since(last.CreatedAt) < c.config.CommitDedupeWindow {
				return last.ID
			}
		}
	}

	now := time.Now()
	commit := room.Commit{
		ID:        room.NewCommitID(now),
		Language:  language,
		Message:   message,
		Content:   content,
		Author:    author,
		CreatedAt: now,
	}
	e.room.AppendCommit(commit)
	e.dirty = true

	c.emit(key, "", protocol.EventCommitList, protocol.CommitListPayload{Commits: e.room.CommitSummaries()})
	return commit.ID
}

// Restore writes a commit's stored content back into the room's buffer for
// that language and tells every client to refresh. An unknown commit id is
// logged and otherwise silent.
func (c *Coordinator) Restore(key, commitID string) {
	e := c.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	commit, ok := e.room.FindCommit(commitID)
	if !ok {
		log.Printf("Restore: commit %s not found in room %s", commitID, key)
		return
	}

	// A restore supersedes any coalesced edit still waiting for the language
	c.timers.Cancel(codeKey(key, commit.Language))
	delete(e.pending, commit.Language)

	e.room.SetCode(commit.Language, commit.Content)
	e.lastApplied[commit.Language] = time.Now()
	e.dirty = true

	c.emit(key, "", protocol.EventCodeUpdate, protocol.CodeUpdatePayload{
		Language: commit.Language,
		Content:  commit.Content,
	})
	c.emit(key, "", protocol.EventLanguageUpdate, protocol.LanguageUpdatePayload{Language: commit.Language})
}

// Share links

// CreateShare stores an anonymous, room-independent content blob and returns
// its id.
func (c *Coordinator) CreateShare(content string) (string, error) {
	id := uuid.NewString()
	if err := c.store.SaveShare(id, content, time.Now()); err != nil {
		return "", err
	}
	return id, nil
}

// LoadShare returns the stored content, or store.ErrNotFound for unknown or
// expired ids.
func (c *Coordinator) LoadShare(id string) (string, error) {
	return c.store.LoadShare(id)
}

// Persistence

// FlushNow writes every dirty room to the durable store, coalescing all
// mutations since the last flush into one write per room. A failed write is
// logged and the room re-marked dirty for the next tick.
func (c *Coordinator) FlushNow() {
	c.mu.RLock()
	entries := make(map[string]*entry, len(c.rooms))
	for key, e := range c.rooms {
		entries[key] = e
	}
	c.mu.RUnlock()

	for key, e := range entries {
		e.mu.Lock()
		if !e.dirty {
			e.mu.Unlock()
			continue
		}
		e.dirty = false
		blob, err := json.Marshal(e.room.Snapshot())
		e.mu.Unlock()

		if err != nil {
			log.Printf("Failed to serialize room %s: %v", key, err)
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
			continue
		}

		// The store write happens outside the room lock so a slow store
		// never stalls mutations or broadcasts
		if err := c.store.SaveRoom(key, blob); err != nil {
			log.Printf("Failed to persist room %s: %v", key, err)
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
		}
	}
}

// Retention hooks, driven by the cleanup service

// EvictInactive drops rooms that are empty and untouched for longer than
// maxAge from both the cache and the durable store. Returns how many went.
func (c *Coordinator) EvictInactive(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	var victims []string
	for key, e := range c.rooms {
		if e.room.MemberCount() == 0 && e.room.LastActive().Before(cutoff) {
			victims = append(victims, key)
			delete(c.rooms, key)
		}
	}
	c.mu.Unlock()

	for _, key := range victims {
		if err := c.store.DeleteRoom(key); err != nil {
			log.Printf("Failed to delete room %s from store: %v", key, err)
		}
	}
	return len(victims)
}

// TrimCommitLogs enforces the configured commit cap across cached rooms,
// evicting oldest-first. Returns the total number of evicted commits.
func (c *Coordinator) TrimCommitLogs() int {
	if c.config.CommitCap <= 0 {
		return 0
	}

	c.mu.RLock()
	entries := make([]*entry, 0, len(c.rooms))
	for _, e := range c.rooms {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	trimmed := 0
	for _, e := range entries {
		e.mu.Lock()
		if n := e.room.TrimCommits(c.config.CommitCap); n > 0 {
			e.dirty = true
			trimmed += n
		}
		e.mu.Unlock()
	}
	return trimmed
}

// RoomSnapshot returns the current persisted-shape state of a room, loading
// it if needed; ok is false for keys that were never created.
func (c *Coordinator) RoomSnapshot(key string) (room.Snapshot, bool) {
	e := c.lookup(key)
	if e == nil {
		return room.Snapshot{}, false
	}
	return e.room.Snapshot(), true
}

// ActiveRooms returns member counts for every cached room
func (c *Coordinator) ActiveRooms() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]int, len(c.rooms))
	for key, e := range c.rooms {
		counts[key] = e.room.MemberCount()
	}
	return counts
}

// Helpers

func (c *Coordinator) emit(key, exclude, event string, payload interface{}) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		log.Printf("Failed to encode %s event: %v", event, err)
		return
	}
	c.bus.Broadcast(key, exclude, data)
}

func (c *Coordinator) sendTo(key, connID, event string, payload interface{}) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		log.Printf("Failed to encode %s event: %v", event, err)
		return
	}
	c.bus.SendTo(key, connID, data)
}

func (c *Coordinator) memberList(r *room.Room) protocol.MemberListPayload {
	return protocol.MemberListPayload{Members: memberInfos(r.Members())}
}

func (c *Coordinator) owner(r *room.Room) protocol.OwnerChangedPayload {
	return protocol.OwnerChangedPayload{Owner: ownerInfo(r)}
}

func memberInfos(members []room.Member) []protocol.MemberInfo {
	infos := make([]protocol.MemberInfo, len(members))
	for i, m := range members {
		infos[i] = protocol.MemberInfo{ID: m.ID, Name: m.Name}
	}
	return infos
}

func ownerInfo(r *room.Room) *protocol.MemberInfo {
	host := r.Host()
	if host == "" {
		return nil
	}
	name, _ := r.MemberName(host)
	return &protocol.MemberInfo{ID: host, Name: name}
}

func typingKey(key, connID string) string {
	return "typing/" + key + "/" + connID
}

func codeKey(key, language string) string {
	return "code/" + key + "/" + language
}
