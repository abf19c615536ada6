package notesync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// NotePayload is the mutation-specific data of a queued intent. Content and
// Title are pointers so a queued update can clear a field; nil means the
// mutation leaves it alone.
type NotePayload struct {
	NoteID    string  `json:"noteId,omitempty"`
	Content   *string `json:"content,omitempty"`
	Title     *string `json:"title,omitempty"`
	IsRescued *bool   `json:"isRescued,omitempty"`
	ClientID  string  `json:"clientId,omitempty"`
}

// OutboxItem is one pending mutation awaiting confirmation from the remote
// store. TempID links a queued create to the optimistic Note it produced.
type OutboxItem struct {
	ID         string       `json:"id"`
	Type       MutationType `json:"type"`
	Payload    NotePayload  `json:"payload"`
	TempID     string       `json:"tempId,omitempty"`
	RetryCount int          `json:"retryCount"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
	LastError  string       `json:"lastError,omitempty"`
}

// FailedItem is a terminally failed mutation. It is surfaced, never silently
// retried again.
type FailedItem struct {
	Item     OutboxItem `json:"item"`
	Reason   string     `json:"reason"`
	FailedAt time.Time  `json:"failedAt"`
}

type outboxState struct {
	Items  []OutboxItem `json:"items"`
	Failed []FailedItem `json:"failed,omitempty"`
}

// OutboxStore persists the serialized outbox keyed by user id, durable across
// process restarts.
type OutboxStore interface {
	Load(userID string) (*outboxState, error)
	Save(userID string, state *outboxState) error
	Clear(userID string) error
}

type outboxStoreCloser interface {
	Close() error
}

// Outbox is the durable, per-user, FIFO list of pending mutations. It is
// owned exclusively by the synchronization engine.
type Outbox struct {
	mu     sync.Mutex
	userID string
	store  OutboxStore
	items  []OutboxItem
	failed []FailedItem
}

func NewOutbox(userID string, store OutboxStore) (*Outbox, error) {
	if userID == "" || store == nil {
		return nil, ErrInvalidInput
	}
	o := &Outbox{userID: userID, store: store}
	state, err := store.Load(userID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		o.items = append([]OutboxItem(nil), state.Items...)
		o.failed = append([]FailedItem(nil), state.Failed...)
	}
	return o, nil
}

// Enqueue appends a mutation intent and persists. The item id and enqueue
// timestamp are filled in when absent.
func (o *Outbox) Enqueue(item OutboxItem) (OutboxItem, error) {
	if item.Type == "" {
		return OutboxItem{}, ErrInvalidInput
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, item)
	if err := o.persistLocked(); err != nil {
		o.items = o.items[:len(o.items)-1]
		return OutboxItem{}, err
	}
	return item, nil
}

// Items returns the queued mutations in replay order.
func (o *Outbox) Items() []OutboxItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]OutboxItem(nil), o.items...)
}

func (o *Outbox) Failed() []FailedItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]FailedItem(nil), o.failed...)
}

func (o *Outbox) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Remove drops a confirmed item. Removing an id that is already gone is not
// an error, which keeps flush idempotent.
func (o *Outbox) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.items {
		if o.items[i].ID == id {
			o.items = append(o.items[:i], o.items[i+1:]...)
			return o.persistLocked()
		}
	}
	return nil
}

// AmendCreate folds later edits into a still-queued create so the note is
// born with its latest content. Reports whether a matching create was found.
func (o *Outbox) AmendCreate(tempID string, patch NotePatch) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.items {
		if o.items[i].Type != MutationCreate || o.items[i].TempID != tempID {
			continue
		}
		if patch.Content != nil {
			content := *patch.Content
			o.items[i].Payload.Content = &content
		}
		if patch.Title != nil {
			title := *patch.Title
			o.items[i].Payload.Title = &title
		}
		if patch.IsRescued != nil {
			rescued := *patch.IsRescued
			o.items[i].Payload.IsRescued = &rescued
		}
		return true, o.persistLocked()
	}
	return false, nil
}

// RemoveCreate cancels a still-queued create by its temp id, so deleting a
// never-persisted note needs no server round trip.
func (o *Outbox) RemoveCreate(tempID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.items {
		if o.items[i].Type == MutationCreate && o.items[i].TempID == tempID {
			o.items = append(o.items[:i], o.items[i+1:]...)
			return true, o.persistLocked()
		}
	}
	return false, nil
}

// MarkRetry increments the attempt counter of a still-queued item.
func (o *Outbox) MarkRetry(id, lastError string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.items {
		if o.items[i].ID == id {
			o.items[i].RetryCount++
			o.items[i].LastError = lastError
			return o.persistLocked()
		}
	}
	return ErrNotFound
}

// MarkFailed moves an item to the terminal failed set.
func (o *Outbox) MarkFailed(id, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.items {
		if o.items[i].ID == id {
			item := o.items[i]
			item.LastError = reason
			o.items = append(o.items[:i], o.items[i+1:]...)
			o.failed = append(o.failed, FailedItem{
				Item:     item,
				Reason:   reason,
				FailedAt: time.Now().UTC(),
			})
			return o.persistLocked()
		}
	}
	return ErrNotFound
}

// Clear empties both the queue and the failed set.
func (o *Outbox) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = nil
	o.failed = nil
	return o.store.Clear(o.userID)
}

func (o *Outbox) Close() error {
	if closer, ok := o.store.(outboxStoreCloser); ok {
		return closer.Close()
	}
	return nil
}

func (o *Outbox) persistLocked() error {
	state := &outboxState{
		Items:  append([]OutboxItem(nil), o.items...),
		Failed: append([]FailedItem(nil), o.failed...),
	}
	return o.store.Save(o.userID, state)
}
