package coordinator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codehuddle/server/internal/protocol"
	"github.com/codehuddle/server/internal/room"
	"github.com/codehuddle/server/internal/store"
)

// Records everything the coordinator asks to deliver
type fakeBus struct {
	mu       sync.Mutex
	messages []busMessage
}

type busMessage struct {
	roomKey string
	exclude string // broadcast only
	connID  string // direct only
	event   string
	data    json.RawMessage
}

func (b *fakeBus) Broadcast(roomKey, excludeConnID string, message []byte) {
	b.record(busMessage{roomKey: roomKey, exclude: excludeConnID}, message)
}

func (b *fakeBus) SendTo(roomKey, connID string, message []byte) {
	b.record(busMessage{roomKey: roomKey, connID: connID}, message)
}

func (b *fakeBus) record(msg busMessage, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		panic("fakeBus received a non-envelope message: " + err.Error())
	}
	msg.event = env.Event
	msg.data = env.Data

	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

func (b *fakeBus) ofEvent(event string) []busMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busMessage
	for _, m := range b.messages {
		if m.event == event {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}

func setup(t *testing.T, config Config) (*Coordinator, *fakeBus, *store.Memory) {
	t.Helper()
	bus := &fakeBus{}
	st := store.NewMemory()
	c := New(st, bus, config)
	t.Cleanup(c.timers.Stop)
	return c, bus, st
}

func TestJoinHandshake(t *testing.T) {
	c, bus, _ := setup(t, DefaultConfig())

	c.Join("r1", "conn-1", "alice")

	if got := len(bus.ofEvent(protocol.EventMemberList)); got != 1 {
		t.Errorf("Expected 1 member-list broadcast, got %d", got)
	}
	if got := len(bus.ofEvent(protocol.EventOwnerChanged)); got != 1 {
		t.Errorf("Expected 1 owner-changed broadcast, got %d", got)
	}

	snaps := bus.ofEvent(protocol.EventSyncSnapshot)
	if len(snaps) != 1 {
		t.Fatalf("Expected 1 sync-snapshot, got %d", len(snaps))
	}
	if snaps[0].connID != "conn-1" {
		t.Errorf("sync-snapshot must go only to the joiner, went to '%s'", snaps[0].connID)
	}

	var payload protocol.SyncSnapshotPayload
	if err := json.Unmarshal(snaps[0].data, &payload); err != nil {
		t.Fatalf("Failed to decode snapshot payload: %v", err)
	}
	if payload.Owner == nil || payload.Owner.ID != "conn-1" {
		t.Errorf("Expected owner conn-1 in snapshot, got %+v", payload.Owner)
	}
}

func TestJoinIdempotent(t *testing.T) {
	c, bus, _ := setup(t, DefaultConfig())

	c.Join("r1", "conn-1", "alice")
	bus.reset()
	c.Join("r1", "conn-1", "alice")

	if got := len(bus.ofEvent(protocol.EventMemberList)); got != 0 {
		t.Errorf("Re-join should not rebroadcast the member list, got %d", got)
	}
	if got := len(bus.ofEvent(protocol.EventOwnerChanged)); got != 0 {
		t.Errorf("Re-join should not change the owner, got %d broadcasts", got)
	}
	if got := len(bus.ofEvent(protocol.EventSyncSnapshot)); got != 1 {
		t.Errorf("Re-join should still get a sync snapshot, got %d", got)
	}

	snap, _ := c.RoomSnapshot("r1")
	if len(snap.Members) != 1 {
		t.Errorf("Expected exactly 1 member, got %d", len(snap.Members))
	}
}

func TestHostSuccession(t *testing.T) {
	c, bus, _ := setup(t, DefaultConfig())

	c.Join("r1", "a", "A")
	c.Join("r1", "b", "B")
	c.Join("r1", "c", "C")
	bus.reset()

	c.Leave("r1", "a")

	owners := bus.ofEvent(protocol.EventOwnerChanged)
	if len(owners) != 1 {
		t.Fatalf("Expected 1 owner-changed broadcast, got %d", len(owners))
	}
	var payload protocol.OwnerChangedPayload
	json.Unmarshal(owners[0].data, &payload)
	if payload.Owner == nil || payload.Owner.ID != "b" {
		t.Errorf("Expected successor 'b', got %+v", payload.Owner)
	}

	bus.reset()
	c.Leave("r1", "c")
	if got := len(bus.ofEvent(protocol.EventOwnerChanged)); got != 0 {
		t.Errorf("Non-host leaving should not change owner, got %d broadcasts", got)
	}

	c.Leave("r1", "b")
	snap, ok := c.RoomSnapshot("r1")
	if !ok {
		t.Fatal("Room must survive full vacancy")
	}
	if snap.Host != "" {
		t.Errorf("Empty room should have no host, got '%s'", snap.Host)
	}
}

func TestCodeUpdateCoalescing(t *testing.T) {
	config := DefaultConfig()
	config.CodeMinInterval = 80 * time.Millisecond
	c, bus, _ := setup(t, config)

	c.Join("r1", "conn-1", "alice")
	bus.reset()

	// First update in an idle window applies immediately
	c.UpdateCode("r1", "python", "v1", "conn-1")

	// Two more inside the window coalesce into one trailing broadcast
	c.UpdateCode("r1", "python", "v2", "conn-1")
	c.UpdateCode("r1", "python", "v3", "conn-1")

	time.Sleep(200 * time.Millisecond)

	updates := bus.ofEvent(protocol.EventCodeUpdate)
	if len(updates) != 2 {
		t.Fatalf("Expected 2 code-update broadcasts (immediate + coalesced), got %d", len(updates))
	}

	var first, last protocol.CodeUpdatePayload
	json.Unmarshal(updates[0].data, &first)
	json.Unmarshal(updates[1].data, &last)
	if first.Content != "v1" {
		t.Errorf("Expected first broadcast 'v1', got '%s'", first.Content)
	}
	if last.Content != "v3" {
		t.Errorf("Coalesced flush must carry the latest content 'v3', got '%s'", last.Content)
	}

	if got := c.GetLanguageSnapshot("r1", "python"); got != "v3" {
		t.Errorf("Expected final buffer 'v3', got '%s'", got)
	}
}

func TestCodeUpdateExcludesSender(t *testing.T) {
	c, bus, _ := setup(t, DefaultConfig())

	c.Join("r1", "conn-1", "alice")
	bus.reset()
	c.UpdateCode("r1", "go", "package main", "conn-1")

	updates := bus.ofEvent(protocol.EventCodeUpdate)
	if len(updates) != 1 {
		t.Fatalf("Expected 1 code-update broadcast, got %d", len(updates))
	}
	if updates[0].exclude != "conn-1" {
		t.Errorf("Broadcast should exclude the sender, excluded '%s'", updates[0].exclude)
	}
}

func TestMutationBeforeJoinIgnored(t *testing.T) {
	c, bus, st := setup(t, DefaultConfig())

	c.UpdateCode("ghost", "python", "v1", "conn-1")
	c.SendChat("ghost", "conn-1", "hello")
	c.Commit("ghost", "python", "v1", "m", "conn-1")
	c.TypingStart("ghost", "conn-1")
	c.FlushNow()

	if len(bus.messages) != 0 {
		t.Errorf("Mutations on a never-joined room must not broadcast, got %d messages", len(bus.messages))
	}
	if _, err := st.LoadRoom("ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Error("Mutations on a never-joined room must not persist anything")
	}
	if got := c.GetLanguageSnapshot("ghost", "python"); got != room.CodePlaceholder {
		t.Errorf("Unknown room should read as placeholder, got '%s'", got)
	}
}

func TestChatBroadcast(t *testing.T) {
	c, bus, _ := setup(t, DefaultConfig())

	c.Join("r1", "conn-1", "alice")
	bus.reset()

	c.SendChat("r1", "conn-1", "hello world")

	msgs := bus.ofEvent(protocol.EventChatMessage)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 chat-message broadcast, got %d", len(msgs))
	}
	var payload room.ChatMessage
	json.Unmarshal(msgs[0].data, &payload)
	if payload.Author != "alice" || payload.Body != "hello world" {
		t.Errorf("Payload mismatch: %+v", payload)
	}
	if payload.SentAt.IsZero() {
		t.Error("Chat message should carry a timestamp")
	}

	bus.reset()
	c.SendChat("r1", "stranger", "spoof")
	if len(bus.ofEvent(protocol.EventChatMessage)) != 0 {
		t.Error("Chat from a non-member must be dropped")
	}
}

func TestChatBounding(t *testing.T) {
	c, _, _ := setup(t, DefaultConfig())

	c.Join("r1", "conn-1", "alice")
	for i := 1; i <= 150; i++ {
		c.SendChat("r1", "conn-1", fmt.Sprintf("message %d", i))
	}

	snap, _ := c.RoomSnapshot("r1")
	if len(snap.Chat) != 100 {
		t.Fatalf("Expected 100 chat entries, got %d", len(snap.Chat))
	}
	if snap.Chat[0].Body != "message 51" || snap.Chat[99].Body != "message 150" {
		t.Errorf("Expected messages 51-150 in order, got '%s'..'%s'",
			snap.Chat[0].Body, snap.Chat[99].Body)
	}
}

func TestTypingBroadcastOnlyOnChange(t *testing.T) {
	c, bus, _ := setup(t, DefaultConfig())

	c.Join("r1", "conn-1", "alice")
	bus.reset()

	c.TypingStart("r1", "conn-1")
	c.TypingStart("r1", "conn-1")

	if got := len(bus.ofEvent(protocol.EventUserTyping)); got != 1 {
		t.Errorf("Repeated typing-start should broadcast once, got %d", got)
	}

	bus.reset()
	c.TypingStop("r1", "conn-1")
	c.TypingStop("r1", "conn-1")
	if got := len(bus.ofEvent(protocol.EventUserTyping)); got != 1 {
		t.Errorf("Repeated typing-stop should broadcast once, got %d", got)
	}
}

func TestTypingAutoExpiry(t *testing.T) {
	config := DefaultConfig()
	config.TypingTTL = 40 * time.Millisecond
	c, bus, _ := setup(t, config)

	c.Join("r1", "conn-1", "alice")
	bus.reset()

	c.TypingStart("r1", "conn-1")
	time.Sleep(150 * time.Millisecond)

	broadcasts := bus.ofEvent(protocol.EventUserTyping)
	if len(broadcasts) != 2 {
		t.Fatalf("Expected start + expiry broadcasts, got %d", len(broadcasts))
	}

	var last protocol.UserTypingPayload
	json.Unmarshal(broadcasts[len(broadcasts)-1].data, &last)
	if len(last.Users) != 0 {
		t.Errorf("Typing flag should expire without an explicit stop, still typing: %v", last.Users)
	}
}

func TestTypingExpirySuperseded(t *testing.T) {
	config := DefaultConfig()
	config.TypingTTL = 60 * time.Millisecond
	c, bus, _ := setup(t, config)

	c.Join("r1", "conn-1", "alice")
	bus.reset()

	c.TypingStart("r1", "conn-1")
	time.Sleep(40 * time.Millisecond)
	c.TypingStart("r1", "conn-1") // timer reset, no state change
	time.Sleep(40 * time.Millisecond)

	// 80ms after the first start but only 40ms after the reset: still typing
	broadcasts := bus.ofEvent(protocol.EventUserTyping)
	if len(broadcasts) != 1 {
		t.Fatalf("Expected only the initial broadcast so far, got %d", len(broadcasts))
	}

	time.Sleep(60 * time.Millisecond)
	broadcasts = bus.ofEvent(protocol.EventUserTyping)
	if len(broadcasts) != 2 {
		t.Errorf("Expected expiry after the reset window, got %d broadcasts", len(broadcasts))
	}
}

func TestCommitRestoreRoundTrip(t *testing.T) {
	c, bus, _ := setup(t, DefaultConfig())

	c.Join("r1", "conn-1", "alice")
	c.UpdateCode("r1", "python", "X", "conn-1")
	id := c.Commit("r1", "python", "X", "checkpoint", "conn-1")
	if id == "" {
		t.Fatal("Commit should return an id")
	}

	// Intervening edits
	time.Sleep(120 * time.Millisecond)
	c.UpdateCode("r1", "python", "Y", "conn-1")
	time.Sleep(120 * time.Millisecond)

	bus.reset()
	c.Restore("r1", id)

	if got := c.GetLanguageSnapshot("r1", "python"); got != "X" {
		t.Errorf("Expected restored buffer 'X', got '%s'", got)
	}

	updates := bus.ofEvent(protocol.EventCodeUpdate)
	if len(updates) != 1 {
		t.Fatalf("Expected 1 code-update broadcast on restore, got %d", len(updates))
	}
	var payload protocol.CodeUpdatePayload
	json.Unmarshal(updates[0].data, &payload)
	if payload.Content != "X" {
		t.Errorf("Restore broadcast should carry 'X', got '%s'", payload.Content)
	}
	if updates[0].exclude != "" {
		t.Error("Restore broadcast must reach everyone, including the requester")
	}

	if got := len(bus.ofEvent(protocol.EventLanguageUpdate)); got != 1 {
		t.Errorf("Expected 1 language-update broadcast, got %d", got)
	}
}

func TestRestoreUnknownCommit(t *testing.T) {
	c, bus, _ := setup(t, DefaultConfig())

	c.Join("r1", "conn-1", "alice")
	bus.reset()

	c.Restore("r1", "no-such-commit")

	if len(bus.messages) != 0 {
		t.Errorf("Restore of an unknown commit must not broadcast, got %d messages", len(bus.messages))
	}
}

func TestCommitDedupe(t *testing.T) {
	c, bus, _ := setup(t, DefaultConfig())

	c.Join("r1", "conn-1", "alice")
	bus.reset()

	id1 := c.Commit("r1", "python", "same", "first", "conn-1")
	id2 := c.Commit("r1", "python", "same", "second", "conn-1")
	id3 := c.Commit("r1", "python", "different", "third", "conn-1")

	if id2 != id1 {
		t.Errorf("Identical commit inside the window should return the prior id, got '%s' vs '%s'", id2, id1)
	}
	if id3 == id1 {
		t.Error("Different content must produce a new commit")
	}

	if got := len(bus.ofEvent(protocol.EventCommitList)); got != 2 {
		t.Errorf("Suppressed duplicate must not broadcast, expected 2 commit-list broadcasts, got %d", got)
	}

	snap, _ := c.RoomSnapshot("r1")
	if len(snap.Commits) != 2 {
		t.Errorf("Expected 2 commits in the ledger, got %d", len(snap.Commits))
	}
}

func TestCursorRelay(t *testing.T) {
	c, bus, _ := setup(t, DefaultConfig())

	c.Join("r1", "conn-1", "alice")
	bus.reset()

	c.Cursor("r1", "conn-1", "go", 12, 4)

	cursors := bus.ofEvent(protocol.EventCursorUpdate)
	if len(cursors) != 1 {
		t.Fatalf("Expected 1 cursor broadcast, got %d", len(cursors))
	}
	if cursors[0].exclude != "conn-1" {
		t.Error("Cursor broadcast should exclude the sender")
	}

	c.FlushNow()
	snap, _ := c.RoomSnapshot("r1")
	blob, _ := json.Marshal(snap)
	if len(blob) == 0 {
		t.Fatal("Snapshot should marshal")
	}
	// Cursors are transient and never part of the persisted snapshot
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	st := store.NewMemory()
	bus := &fakeBus{}
	c1 := New(st, bus, DefaultConfig())

	c1.Join("r1", "conn-1", "alice")
	c1.UpdateCode("r1", "python", "print('x')", "conn-1")
	c1.SendChat("r1", "conn-1", "hello")
	c1.Commit("r1", "python", "print('x')", "v1", "conn-1")
	c1.FlushNow()
	c1.timers.Stop()

	before, _ := c1.RoomSnapshot("r1")
	beforeBlob, err := json.Marshal(before)
	if err != nil {
		t.Fatalf("Failed to marshal snapshot: %v", err)
	}

	// Simulated process restart against the same store
	c2 := New(st, &fakeBus{}, DefaultConfig())
	defer c2.timers.Stop()

	after, ok := c2.RoomSnapshot("r1")
	if !ok {
		t.Fatal("Room should load from the store after restart")
	}
	afterBlob, err := json.Marshal(after)
	if err != nil {
		t.Fatalf("Failed to marshal reloaded snapshot: %v", err)
	}

	if string(beforeBlob) != string(afterBlob) {
		t.Errorf("Room state did not survive restart:\n%s\nvs\n%s", beforeBlob, afterBlob)
	}
}

// Fails every write until healed
type flakyStore struct {
	*store.Memory
	mu      sync.Mutex
	failing bool
}

func (f *flakyStore) SaveRoom(key string, snapshot []byte) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errors.New("disk on fire")
	}
	return f.Memory.SaveRoom(key, snapshot)
}

func TestFlushRetriesAfterStoreFailure(t *testing.T) {
	st := &flakyStore{Memory: store.NewMemory(), failing: true}
	bus := &fakeBus{}
	c := New(st, bus, DefaultConfig())
	defer c.timers.Stop()

	c.Join("r1", "conn-1", "alice")
	c.FlushNow()

	if _, err := st.LoadRoom("r1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("Failed write should not have persisted anything")
	}

	// The join must remain fully observable despite the failed flush
	snap, _ := c.RoomSnapshot("r1")
	if len(snap.Members) != 1 {
		t.Error("In-memory state must stay authoritative through store failures")
	}

	st.mu.Lock()
	st.failing = false
	st.mu.Unlock()
	c.FlushNow()

	if _, err := st.LoadRoom("r1"); err != nil {
		t.Errorf("Dirty room should persist on the next tick, got %v", err)
	}
}

// Fails every read with a non-NotFound error
type brokenReadStore struct {
	*store.Memory
}

func (b *brokenReadStore) LoadRoom(key string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func TestLookupLogsStoreReadFailure(t *testing.T) {
	st := &brokenReadStore{Memory: store.NewMemory()}
	bus := &fakeBus{}
	c := New(st, bus, DefaultConfig())
	defer c.timers.Stop()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	// The room was never joined here, so the mutation is dropped, but the
	// store failure must leave a trace
	c.SendChat("r1", "conn-1", "hello")

	if got := bus.ofEvent(protocol.EventChatMessage); len(got) != 0 {
		t.Error("Mutation against an unloadable room must not broadcast")
	}
	if _, ok := c.RoomSnapshot("r1"); ok {
		t.Error("A failed load must not create the room")
	}
	if !strings.Contains(buf.String(), "r1") {
		t.Errorf("Store read failure should be logged, got %q", buf.String())
	}
}

func TestEvictInactive(t *testing.T) {
	c, _, st := setup(t, DefaultConfig())

	c.Join("r-empty", "conn-1", "alice")
	c.Leave("r-empty", "conn-1")
	c.Join("r-busy", "conn-2", "bob")
	c.FlushNow()

	time.Sleep(20 * time.Millisecond)

	evicted := c.EvictInactive(10 * time.Millisecond)
	if evicted != 1 {
		t.Fatalf("Expected 1 evicted room, got %d", evicted)
	}

	if _, err := st.LoadRoom("r-empty"); !errors.Is(err, store.ErrNotFound) {
		t.Error("Evicted room should be deleted from the store")
	}
	if _, err := st.LoadRoom("r-busy"); err != nil {
		t.Errorf("Occupied room must never be evicted, got %v", err)
	}
}

func TestTrimCommitLogs(t *testing.T) {
	config := DefaultConfig()
	config.CommitCap = 3
	config.CommitDedupeWindow = 0
	c, _, _ := setup(t, config)

	c.Join("r1", "conn-1", "alice")
	for i := 0; i < 5; i++ {
		c.Commit("r1", "go", fmt.Sprintf("content %d", i), "m", "conn-1")
	}

	trimmed := c.TrimCommitLogs()
	if trimmed != 2 {
		t.Errorf("Expected 2 trimmed commits, got %d", trimmed)
	}

	snap, _ := c.RoomSnapshot("r1")
	if len(snap.Commits) != 3 {
		t.Errorf("Expected 3 commits after trim, got %d", len(snap.Commits))
	}
}

func TestShareRoundTrip(t *testing.T) {
	c, _, _ := setup(t, DefaultConfig())

	id, err := c.CreateShare("shared content")
	if err != nil {
		t.Fatalf("Failed to create share: %v", err)
	}
	if id == "" {
		t.Fatal("Share id should not be empty")
	}

	content, err := c.LoadShare(id)
	if err != nil {
		t.Fatalf("Failed to load share: %v", err)
	}
	if content != "shared content" {
		t.Errorf("Expected 'shared content', got '%s'", content)
	}

	if _, err := c.LoadShare("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown share, got %v", err)
	}
}

func TestRoomsIsolated(t *testing.T) {
	c, bus, _ := setup(t, DefaultConfig())

	c.Join("r1", "conn-1", "alice")
	c.Join("r2", "conn-2", "bob")
	bus.reset()

	c.SendChat("r1", "conn-1", "only for r1")

	for _, m := range bus.ofEvent(protocol.EventChatMessage) {
		if m.roomKey != "r1" {
			t.Errorf("Chat leaked to room '%s'", m.roomKey)
		}
	}

	counts := c.ActiveRooms()
	if counts["r1"] != 1 || counts["r2"] != 1 {
		t.Errorf("Expected one member per room, got %v", counts)
	}
}
