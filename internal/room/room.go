package room

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Placeholder returned for languages nobody has written to yet. Not stored
// until the first real write.
const CodePlaceholder = "// Start coding here"

// A participant in a room. ID is the server-assigned connection id; Name is
// the display name and is not required to be unique.
type Member struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

type ChatMessage struct {
	Author string    `json:"author"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// An immutable snapshot of one language buffer.
type Commit struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Message   string    `json:"message"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// What gets broadcast for commit lists: id and message only, never content.
type CommitSummary struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type Cursor struct {
	Language  string    `json:"language"`
	Line      int       `json:"line"`
	Col       int       `json:"col"`
	UpdatedAt time.Time `json:"updated_at"`
}

// The persisted shape of a room. Typing state and cursors are transient and
// deliberately excluded.
type Snapshot struct {
	Members []Member          `json:"members"`
	Host    string            `json:"host"`
	Code    map[string]string `json:"code"`
	Commits []Commit          `json:"commits"`
	Chat    []ChatMessage     `json:"chat"`
}

// A collaborative coding session. All methods are safe for concurrent use;
// each takes the room lock, so every exported operation is atomic.
type Room struct {
	Key string

	mu         sync.Mutex
	members    []Member
	host       string
	code       map[string]string
	commits    []Commit
	chat       []ChatMessage
	chatLimit  int
	typing     map[string]bool
	cursors    map[string]Cursor
	lastActive time.Time
}

// Creates an empty room for the given key
func New(key string, chatLimit int) *Room {
	return &Room{
		Key:        key,
		code:       make(map[string]string),
		typing:     make(map[string]bool),
		cursors:    make(map[string]Cursor),
		chatLimit:  chatLimit,
		lastActive: time.Now(),
	}
}

// Rebuilds a room from a persisted snapshot
func FromSnapshot(key string, snap Snapshot, chatLimit int) *Room {
	r := New(key, chatLimit)
	r.members = append(r.members, snap.Members...)
	r.host = snap.Host
	for lang, content := range snap.Code {
		r.code[lang] = content
	}
	r.commits = append(r.commits, snap.Commits...)
	r.chat = append(r.chat, snap.Chat...)
	return r
}

func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Members: append([]Member(nil), r.members...),
		Host:    r.host,
		Code:    make(map[string]string, len(r.code)),
		Commits: append([]Commit(nil), r.commits...),
		Chat:    append([]ChatMessage(nil), r.chat...),
	}
	for lang, content := range r.code {
		snap.Code[lang] = content
	}
	return snap
}

// Membership

// Adds a member if absent; joining twice with the same id is a no-op.
// The first member into an empty room becomes host.
func (r *Room) AddMember(id, name string) (added, hostChanged bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActive = time.Now()

	for _, m := range r.members {
		if m.ID == id {
			return false, false
		}
	}

	r.members = append(r.members, Member{ID: id, Name: name, JoinedAt: time.Now()})
	if r.host == "" {
		r.host = id
		hostChanged = true
	}
	return true, hostChanged
}

// Removes a member. If the host leaves, the first remaining member in join
// order becomes host; the last member out leaves the host empty. The room
// itself survives vacancy.
func (r *Room) RemoveMember(id string) (removed, hostChanged bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActive = time.Now()

	idx := -1
	for i, m := range r.members {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, false
	}

	r.members = append(r.members[:idx], r.members[idx+1:]...)
	delete(r.typing, id)
	delete(r.cursors, id)

	if r.host == id {
		if len(r.members) > 0 {
			r.host = r.members[0].ID
		} else {
			r.host = ""
		}
		hostChanged = true
	}
	return true, hostChanged
}

func (r *Room) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Member(nil), r.members...)
}

func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) MemberName(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.ID == id {
			return m.Name, true
		}
	}
	return "", false
}

func (r *Room) Host() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host
}

// Code buffers

func (r *Room) SetCode(language, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code[language] = content
	r.lastActive = time.Now()
}

func (r *Room) Code(language string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if content, ok := r.code[language]; ok {
		return content
	}
	return CodePlaceholder
}

func (r *Room) CodeMap() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	code := make(map[string]string, len(r.code))
	for lang, content := range r.code {
		code[lang] = content
	}
	return code
}

// Chat

// Appends a chat message, evicting the oldest entry once the log is full
func (r *Room) AppendChat(author, body string) ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActive = time.Now()

	msg := ChatMessage{Author: author, Body: body, SentAt: time.Now()}
	r.chat = append(r.chat, msg)
	if r.chatLimit > 0 && len(r.chat) > r.chatLimit {
		r.chat = r.chat[len(r.chat)-r.chatLimit:]
	}
	return msg
}

func (r *Room) ChatLog() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChatMessage(nil), r.chat...)
}

// Commits

// NewCommitID returns a collision-resistant commit id: creation time plus a
// random suffix, so concurrent commits in the same millisecond stay distinct.
func NewCommitID(at time.Time) string {
	return fmt.Sprintf("%d-%s", at.UnixMilli(), uuid.NewString()[:8])
}

func (r *Room) AppendCommit(c Commit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, c)
	r.lastActive = time.Now()
}

func (r *Room) FindCommit(id string) (Commit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.commits {
		if c.ID == id {
			return c, true
		}
	}
	return Commit{}, false
}

// Returns the most recent commit for a language, for duplicate suppression
func (r *Room) LastCommitFor(language string) (Commit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.commits) - 1; i >= 0; i-- {
		if r.commits[i].Language == language {
			return r.commits[i], true
		}
	}
	return Commit{}, false
}

func (r *Room) CommitSummaries() []CommitSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	summaries := make([]CommitSummary, len(r.commits))
	for i, c := range r.commits {
		summaries[i] = CommitSummary{ID: c.ID, Message: c.Message}
	}
	return summaries
}

func (r *Room) CommitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits)
}

// Drops the oldest commits until at most max remain; returns how many were
// evicted. max <= 0 means unbounded.
func (r *Room) TrimCommits(max int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max <= 0 || len(r.commits) <= max {
		return 0
	}
	evicted := len(r.commits) - max
	r.commits = append([]Commit(nil), r.commits[evicted:]...)
	return evicted
}

// Typing

func (r *Room) SetTyping(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.typing[id] {
		return false
	}
	r.typing[id] = true
	r.lastActive = time.Now()
	return true
}

func (r *Room) ClearTyping(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.typing[id] {
		return false
	}
	delete(r.typing, id)
	return true
}

// Display names of everyone currently typing, sorted for stable broadcasts
func (r *Room) TypingNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.typing))
	for id := range r.typing {
		for _, m := range r.members {
			if m.ID == id {
				names = append(names, m.Name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// Cursors

func (r *Room) SetCursor(id, language string, line, col int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors[id] = Cursor{Language: language, Line: line, Col: col, UpdatedAt: time.Now()}
}

func (r *Room) Cursors() map[string]Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	cursors := make(map[string]Cursor, len(r.cursors))
	for id, c := range r.cursors {
		cursors[id] = c
	}
	return cursors
}

func (r *Room) LastActive() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActive
}
