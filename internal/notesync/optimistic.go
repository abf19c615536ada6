package notesync

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Optimistic mutation surface of a Session. Every call applies to the local
// cache first, then either confirms against the remote store or parks the
// mutation in the outbox. The caller always gets an immediately usable Note.

// CreateNote inserts an optimistic placeholder and persists it remotely.
// When the remote store is unreachable the create is queued and the returned
// Note keeps its temporary id with Pending set.
func (s *Session) CreateNote(ctx context.Context, content, title string) (Note, error) {
	if err := s.checkOpen(); err != nil {
		return Note{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Note{}, ErrInvalidInput
	}
	clientID := uuid.NewString()
	now := time.Now().UTC()
	temp := Note{
		ID:        NewTempID(),
		UserID:    s.userID,
		Content:   content,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Pending:   true,
	}
	s.cache.Prepend(temp)

	enqueue := func() (Note, error) {
		item := OutboxItem{
			Type:   MutationCreate,
			TempID: temp.ID,
			Payload: NotePayload{
				Content:  &content,
				Title:    &title,
				ClientID: clientID,
			},
		}
		if err := s.enqueue(item); err != nil {
			s.cache.Remove(temp.ID)
			return Note{}, err
		}
		return temp, nil
	}

	if !s.online() {
		return enqueue()
	}
	confirmed, err := s.remote.CreateNote(ctx, CreateRequest{
		Content:  content,
		Title:    title,
		ClientID: clientID,
	})
	if err == nil {
		s.cache.ReplaceTemp(temp.ID, confirmed)
		return confirmed, nil
	}
	ce := Classify(err)
	if deferrable(ce) {
		return enqueue()
	}
	s.cache.Remove(temp.ID)
	return Note{}, ce
}

// UpdateNote applies a patch locally, then confirms or queues it. An edit to
// a still-pending note folds into its queued create instead of producing a
// second mutation.
func (s *Session) UpdateNote(ctx context.Context, id string, patch NotePatch) (Note, error) {
	if err := s.checkOpen(); err != nil {
		return Note{}, err
	}
	prev, ok := s.cache.Get(id)
	if !ok {
		return Note{}, ErrNotFound
	}
	updated := prev
	if patch.Content != nil {
		updated.Content = *patch.Content
	}
	if patch.Title != nil {
		updated.Title = *patch.Title
	}
	if patch.IsRescued != nil {
		updated.IsRescued = *patch.IsRescued
	}
	updated.UpdatedAt = time.Now().UTC()
	s.cache.Replace(updated)

	if prev.Pending {
		if _, err := s.outbox.AmendCreate(id, patch); err != nil {
			s.cache.Upsert(prev)
			return Note{}, err
		}
		return updated, nil
	}

	enqueue := func() (Note, error) {
		item := OutboxItem{Type: MutationUpdate, Payload: payloadFromPatch(id, patch)}
		if err := s.enqueue(item); err != nil {
			s.cache.Upsert(prev)
			return Note{}, err
		}
		return updated, nil
	}

	if !s.online() {
		return enqueue()
	}
	confirmed, err := s.remote.UpdateNote(ctx, id, patch)
	if err == nil {
		s.cache.Replace(confirmed)
		return confirmed, nil
	}
	ce := Classify(err)
	if deferrable(ce) {
		return enqueue()
	}
	s.cache.Upsert(prev)
	return Note{}, ce
}

// DeleteNote removes a note locally, then confirms or queues the delete.
// Deleting a still-pending note just cancels its queued create.
func (s *Session) DeleteNote(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	prev, ok := s.cache.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.cache.Remove(id)

	if prev.Pending {
		_, err := s.outbox.RemoveCreate(id)
		return err
	}

	enqueue := func() error {
		item := OutboxItem{Type: MutationDelete, Payload: NotePayload{NoteID: id}}
		if err := s.enqueue(item); err != nil {
			s.cache.Upsert(prev)
			return err
		}
		return nil
	}

	if !s.online() {
		return enqueue()
	}
	if err := s.remote.DeleteNote(ctx, id); err != nil {
		ce := Classify(err)
		if deferrable(ce) {
			return enqueue()
		}
		s.cache.Upsert(prev)
		return ce
	}
	return nil
}

// RescueNote brings a note back to the top of the list. Rescues are plain
// updates; the bumped UpdatedAt moves the note, IsRescued records why.
func (s *Session) RescueNote(ctx context.Context, id string) (Note, error) {
	rescued := true
	return s.UpdateNote(ctx, id, NotePatch{IsRescued: &rescued})
}

func payloadFromPatch(noteID string, patch NotePatch) NotePayload {
	return NotePayload{
		NoteID:    noteID,
		Content:   patch.Content,
		Title:     patch.Title,
		IsRescued: patch.IsRescued,
		ClientID:  patch.ClientID,
	}
}

// deferrable reports whether a failed direct mutation should wait in the
// outbox instead of surfacing. Auth failures are deferrable because a fresh
// sign-in makes the queued mutation viable again.
func deferrable(ce *ClassifiedError) bool {
	if ce == nil {
		return false
	}
	return ce.Retryable || ce.Type == NetworkAuthentication
}

// enqueue parks a mutation and nudges the sync engine.
func (s *Session) enqueue(item OutboxItem) error {
	if _, err := s.outbox.Enqueue(item); err != nil {
		return err
	}
	if s.engine != nil {
		s.engine.TriggerFlush()
	}
	return nil
}
