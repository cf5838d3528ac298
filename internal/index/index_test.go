package index

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSessionsIndex_UpsertReconciliationPrefersRicherSeal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	idx, err := LoadSessionsIndex(path)
	if err != nil {
		t.Fatal(err)
	}

	thin := Seal{SessionID: "s1", Client: "cli"}
	if _, err := idx.Upsert(thin); err != nil {
		t.Fatal(err)
	}

	rich := Seal{SessionID: "s1", Client: "cli", Title: "Fix bug", ConversationID: "c1"}
	changed, err := idx.Upsert(rich)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("expected a richer seal to replace the thinner one")
	}

	got, ok := idx.Get("s1")
	if !ok || got.Title != "Fix bug" {
		t.Fatalf("expected the richer seal to be stored, got %+v", got)
	}

	// A thinner seal arriving after must not overwrite the richer one.
	changed, err = idx.Upsert(thin)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("expected a thinner seal not to replace a richer stored seal")
	}
	got, _ = idx.Get("s1")
	if got.Title != "Fix bug" {
		t.Error("thinner seal must not have overwritten the richer one")
	}
}

func TestSessionsIndex_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	idx, err := LoadSessionsIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Upsert(Seal{SessionID: "s1", Client: "cli"}); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadSessionsIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reloaded.Get("s1"); !ok {
		t.Fatal("expected session to survive a reload from disk")
	}
}

func TestSessionsIndex_DeleteAndDeleteConversation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	idx, _ := LoadSessionsIndex(path)

	idx.Upsert(Seal{SessionID: "s1", ConversationID: "conv"})
	idx.Upsert(Seal{SessionID: "s2", ConversationID: "conv"})
	idx.Upsert(Seal{SessionID: "s3", ConversationID: "other"})

	removed, err := idx.DeleteConversation("conv")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 sessions removed, got %d", len(removed))
	}
	if _, ok := idx.Get("s3"); !ok {
		t.Error("session from a different conversation should survive")
	}

	if err := idx.Delete("s3"); err != nil {
		t.Fatal(err)
	}
	if len(idx.All()) != 0 {
		t.Error("expected the index to be empty after deleting the last session")
	}
}

func TestMilestonesIndex_AddAndScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "milestones.json")
	idx, err := LoadMilestonesIndex(path)
	if err != nil {
		t.Fatal(err)
	}

	idx.Add(Milestone{ID: "m1", SessionID: "s1", CreatedAt: time.Now()})
	idx.Add(Milestone{ID: "m2", SessionID: "s2", CreatedAt: time.Now()})

	if len(idx.All()) != 2 {
		t.Fatalf("expected 2 milestones, got %d", len(idx.All()))
	}

	if err := idx.DeleteForSession("s1"); err != nil {
		t.Fatal(err)
	}
	remaining := idx.All()
	if len(remaining) != 1 || remaining[0].SessionID != "s2" {
		t.Fatalf("expected only s2's milestone to remain, got %+v", remaining)
	}

	if err := idx.Delete("m2"); err != nil {
		t.Fatal(err)
	}
	if len(idx.All()) != 0 {
		t.Error("expected the index empty after deleting the last milestone")
	}
}

func TestConnectionMap_SetGetMarkSealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connmap.json")
	cm, err := LoadConnectionMap(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := cm.Set("conn1", "sess1"); err != nil {
		t.Fatal(err)
	}
	entry, ok := cm.Get("conn1")
	if !ok || entry.SessionID != "sess1" {
		t.Fatalf("expected conn1 -> sess1, got %+v, ok=%v", entry, ok)
	}
	if entry.Sealed {
		t.Error("a freshly set entry should not be sealed")
	}

	if err := cm.MarkSealed("conn1"); err != nil {
		t.Fatal(err)
	}
	entry, _ = cm.Get("conn1")
	if !entry.Sealed {
		t.Error("expected entry to be marked sealed")
	}
}

func TestConnectionMap_GCOnlyRemovesSealedAndStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connmap.json")
	cm, _ := LoadConnectionMap(path)

	cm.Set("fresh", "s1")
	cm.MarkSealed("fresh") // sealed but touched "now" -- not stale

	cm.Set("stale", "s2")
	cm.mu.Lock()
	e := cm.byID["stale"]
	e.Sealed = true
	e.LastTouch = time.Now().UTC().Add(-40 * 24 * time.Hour)
	cm.byID["stale"] = e
	cm.mu.Unlock()

	cm.Set("open", "s3") // never sealed, should survive regardless of age

	removed, err := cm.GC(30 * 24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected exactly 1 entry removed, got %d", removed)
	}
	if _, ok := cm.Get("stale"); ok {
		t.Error("expected the stale sealed entry to be GC'd")
	}
	if _, ok := cm.Get("fresh"); !ok {
		t.Error("a recently-touched sealed entry must survive GC")
	}
	if _, ok := cm.Get("open"); !ok {
		t.Error("a never-sealed entry must survive GC regardless of age")
	}
}
