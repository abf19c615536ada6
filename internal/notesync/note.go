package notesync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks locally generated placeholder ids. The Pending flag is
// the authoritative "not yet persisted" signal; the prefix only keeps temp
// ids out of the server id space.
const TempIDPrefix = "temp_"

type Note struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Content        string    `json:"content"`
	Title          string    `json:"title,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	IsRescued      bool      `json:"isRescued,omitempty"`
	OriginalNoteID string    `json:"originalNoteId,omitempty"`
	Pending        bool      `json:"pending,omitempty"`
}

func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// CreateRequest is the wire payload of a create mutation. ClientID is the
// stable correlation token that lets the server deduplicate a retried create.
type CreateRequest struct {
	Content  string `json:"content"`
	Title    string `json:"title,omitempty"`
	ClientID string `json:"clientId"`
}

// NotePatch is a partial update; nil fields are left untouched.
type NotePatch struct {
	Content   *string `json:"content,omitempty"`
	Title     *string `json:"title,omitempty"`
	IsRescued *bool   `json:"isRescued,omitempty"`
	ClientID  string  `json:"clientId,omitempty"`
}

// RemoteAPI is the authoritative store boundary. Implementations must not
// retry internally; replay belongs to the retry engine.
type RemoteAPI interface {
	CreateNote(ctx context.Context, req CreateRequest) (Note, error)
	UpdateNote(ctx context.Context, id string, patch NotePatch) (Note, error)
	DeleteNote(ctx context.Context, id string) error
	ListNotes(ctx context.Context, userID string) ([]Note, error)
}

type ChangeEventType string

const (
	ChangeInsert ChangeEventType = "insert"
	ChangeUpdate ChangeEventType = "update"
	ChangeDelete ChangeEventType = "delete"
)

// ChangeEvent is one server-pushed change, carrying the full note row.
type ChangeEvent struct {
	Event ChangeEventType `json:"event"`
	Note  Note            `json:"note"`
}

// ChangeFeed yields server-pushed change notifications filtered to one user.
type ChangeFeed interface {
	Subscribe(ctx context.Context, userID string) (ChangeSubscription, error)
}

type ChangeSubscription interface {
	Next(ctx context.Context) (ChangeEvent, error)
	Close() error
}

// NoteCache is the session's authoritative local view, sorted by UpdatedAt
// descending. Exactly one Note per logical note lives here at any time; a
// temporary Note and its persisted counterpart never coexist.
type NoteCache struct {
	mu    sync.RWMutex
	notes []Note
}

func NewNoteCache() *NoteCache {
	return &NoteCache{}
}

func (c *NoteCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.notes)
}

// Snapshot returns a copy; callers never mutate cache state directly.
func (c *NoteCache) Snapshot() []Note {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Note(nil), c.notes...)
}

func (c *NoteCache) Get(id string) (Note, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, note := range c.notes {
		if note.ID == id {
			return note, true
		}
	}
	return Note{}, false
}

// Prepend puts a note at the head of the list unconditionally.
func (c *NoteCache) Prepend(note Note) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append([]Note{note}, c.notes...)
}

// Insert prepends unless a note with the same id already exists, in which
// case it is a no-op and Insert reports false.
func (c *NoteCache) Insert(note Note) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.notes {
		if existing.ID == note.ID {
			return false
		}
	}
	c.notes = append([]Note{note}, c.notes...)
	return true
}

// Replace swaps the note with the matching id and re-sorts, since an update
// can move a note anywhere in temporal order.
func (c *NoteCache) Replace(note Note) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.notes {
		if c.notes[i].ID == note.ID {
			c.notes[i] = note
			c.resortLocked()
			return true
		}
	}
	return false
}

// Upsert replaces the matching note or inserts it, then re-sorts.
func (c *NoteCache) Upsert(note Note) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.notes {
		if c.notes[i].ID == note.ID {
			c.notes[i] = note
			c.resortLocked()
			return
		}
	}
	c.notes = append(c.notes, note)
	c.resortLocked()
}

func (c *NoteCache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.notes {
		if c.notes[i].ID == id {
			c.notes = append(c.notes[:i], c.notes[i+1:]...)
			return true
		}
	}
	return false
}

// ReplaceTemp splices the persisted note into the slot its temporary
// counterpart occupied, then re-sorts. Returns false when no temp entry with
// that id remains (already reconciled). The change feed may have delivered
// the persisted row before the create confirmation arrived; exactly one entry
// per server id survives.
func (c *NoteCache) ReplaceTemp(tempID string, persisted Note) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for i := range c.notes {
		if c.notes[i].ID == tempID {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	persisted.Pending = false
	kept := c.notes[:0]
	for _, note := range c.notes {
		switch note.ID {
		case tempID:
			kept = append(kept, persisted)
		case persisted.ID:
			// Dropped; the confirmation carries the same server row.
		default:
			kept = append(kept, note)
		}
	}
	c.notes = kept
	c.resortLocked()
	return true
}

// SetAll replaces the cache with an authoritative server listing while
// keeping pending optimistic entries, which the server cannot know about yet.
func (c *NoteCache) SetAll(notes []Note) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pending []Note
	for _, note := range c.notes {
		if note.Pending {
			pending = append(pending, note)
		}
	}
	c.notes = append(pending, notes...)
	c.resortLocked()
}

// resortLocked orders by UpdatedAt descending. sort.SliceStable keeps the
// relative order of equal timestamps deterministic per sort call.
func (c *NoteCache) resortLocked() {
	sort.SliceStable(c.notes, func(i, j int) bool {
		return c.notes[i].UpdatedAt.After(c.notes[j].UpdatedAt)
	})
}
