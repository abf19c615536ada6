package notesync

import (
	"testing"
	"time"
)

func noteAt(id string, updated time.Time) Note {
	return Note{ID: id, UserID: "user_1", Content: "body of " + id, UpdatedAt: updated}
}

func strptr(s string) *string {
	return &s
}

func cacheIDs(c *NoteCache) []string {
	var ids []string
	for _, note := range c.Snapshot() {
		ids = append(ids, note.ID)
	}
	return ids
}

func TestTempIDs(t *testing.T) {
	id := NewTempID()
	if !IsTempID(id) {
		t.Fatalf("expected %q to be a temp id", id)
	}
	if IsTempID("note_123") {
		t.Fatalf("server ids must not look temporary")
	}
	if second := NewTempID(); second == id {
		t.Fatalf("temp ids must be unique")
	}
}

func TestNoteCacheInsertDedupes(t *testing.T) {
	cache := NewNoteCache()
	now := time.Now()
	if !cache.Insert(noteAt("n1", now)) {
		t.Fatalf("expected first insert to succeed")
	}
	if cache.Insert(noteAt("n1", now.Add(time.Hour))) {
		t.Fatalf("duplicate insert must be a no-op")
	}
	if cache.Len() != 1 {
		t.Fatalf("expected a single note, got %d", cache.Len())
	}
}

func TestNoteCacheReplaceResorts(t *testing.T) {
	cache := NewNoteCache()
	base := time.Now()
	cache.Insert(noteAt("old", base.Add(-time.Hour)))
	cache.Insert(noteAt("new", base))

	bumped := noteAt("old", base.Add(time.Hour))
	if !cache.Replace(bumped) {
		t.Fatalf("expected replace to find the note")
	}
	ids := cacheIDs(cache)
	if ids[0] != "old" || ids[1] != "new" {
		t.Fatalf("expected bumped note first, got %v", ids)
	}
	if cache.Replace(noteAt("missing", base)) {
		t.Fatalf("replace of unknown id must report false")
	}
}

func TestNoteCacheUpsert(t *testing.T) {
	cache := NewNoteCache()
	base := time.Now()
	cache.Upsert(noteAt("n1", base))
	if cache.Len() != 1 {
		t.Fatalf("expected upsert to insert")
	}
	cache.Upsert(noteAt("n1", base.Add(time.Hour)))
	if cache.Len() != 1 {
		t.Fatalf("expected upsert to replace, not duplicate")
	}
}

func TestNoteCacheReplaceTemp(t *testing.T) {
	cache := NewNoteCache()
	base := time.Now()
	temp := noteAt(NewTempID(), base)
	temp.Pending = true
	cache.Prepend(temp)
	cache.Insert(noteAt("other", base.Add(-time.Minute)))

	persisted := noteAt("srv_1", base.Add(time.Second))
	if !cache.ReplaceTemp(temp.ID, persisted) {
		t.Fatalf("expected temp note to be replaced")
	}
	if _, ok := cache.Get(temp.ID); ok {
		t.Fatalf("temp note must be gone after reconciliation")
	}
	got, ok := cache.Get("srv_1")
	if !ok {
		t.Fatalf("expected persisted note present")
	}
	if got.Pending {
		t.Fatalf("persisted note must not be pending")
	}
	if cache.Len() != 2 {
		t.Fatalf("one logical note must map to one cache entry, got %d", cache.Len())
	}
	if cache.ReplaceTemp(temp.ID, persisted) {
		t.Fatalf("second reconciliation must report false")
	}
}

func TestNoteCacheReplaceTempDropsEarlierFeedCopy(t *testing.T) {
	cache := NewNoteCache()
	base := time.Now()
	temp := noteAt(NewTempID(), base)
	temp.Pending = true
	cache.Prepend(temp)
	// The change feed delivered the persisted row before the create
	// confirmation came back.
	cache.Insert(noteAt("srv_1", base.Add(time.Second)))

	if !cache.ReplaceTemp(temp.ID, noteAt("srv_1", base.Add(time.Second))) {
		t.Fatalf("expected temp note to be replaced")
	}
	if cache.Len() != 1 {
		t.Fatalf("one logical note must map to one cache entry, got %d", cache.Len())
	}
	if _, ok := cache.Get(temp.ID); ok {
		t.Fatalf("temp note must be gone")
	}
	if _, ok := cache.Get("srv_1"); !ok {
		t.Fatalf("expected persisted note present")
	}
}

func TestNoteCacheSetAllKeepsPending(t *testing.T) {
	cache := NewNoteCache()
	base := time.Now()
	pending := noteAt(NewTempID(), base)
	pending.Pending = true
	cache.Prepend(pending)
	cache.Insert(noteAt("stale", base.Add(-time.Hour)))

	cache.SetAll([]Note{
		noteAt("srv_1", base.Add(-time.Minute)),
		noteAt("srv_2", base.Add(-2*time.Minute)),
	})

	if _, ok := cache.Get("stale"); ok {
		t.Fatalf("authoritative listing must evict stale notes")
	}
	if _, ok := cache.Get(pending.ID); !ok {
		t.Fatalf("pending note must survive a resync")
	}
	ids := cacheIDs(cache)
	if len(ids) != 3 || ids[0] != pending.ID {
		t.Fatalf("expected pending note newest-first, got %v", ids)
	}
}

func TestNoteCacheSortsNewestFirst(t *testing.T) {
	cache := NewNoteCache()
	base := time.Now()
	cache.SetAll([]Note{
		noteAt("b", base.Add(-time.Minute)),
		noteAt("c", base.Add(-time.Hour)),
		noteAt("a", base),
	})
	ids := cacheIDs(cache)
	if ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("expected newest-first order, got %v", ids)
	}
}

func TestNoteCacheSnapshotIsACopy(t *testing.T) {
	cache := NewNoteCache()
	cache.Insert(noteAt("n1", time.Now()))
	snapshot := cache.Snapshot()
	snapshot[0].Content = "mutated"
	got, _ := cache.Get("n1")
	if got.Content == "mutated" {
		t.Fatalf("snapshot must not alias cache state")
	}
}
