package query

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vinayprograms/sessiond/internal/chainstore"
	"github.com/vinayprograms/sessiond/internal/index"
)

func newTestSurface(t *testing.T) (*Surface, *chainstore.Store) {
	t.Helper()
	root := t.TempDir()
	activeDir := filepath.Join(root, "active")
	sealedDir := filepath.Join(root, "sealed")
	if err := os.MkdirAll(activeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(sealedDir, 0o755); err != nil {
		t.Fatal(err)
	}

	sessionsIdx, err := index.LoadSessionsIndex(filepath.Join(root, "sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	milestonesIdx, err := index.LoadMilestonesIndex(filepath.Join(root, "milestones.json"))
	if err != nil {
		t.Fatal(err)
	}
	chains := chainstore.New(activeDir, sealedDir, nil)
	return New(sessionsIdx, milestonesIdx, chains), chains
}

func TestListSessions_Filters(t *testing.T) {
	surface, _ := newTestSurface(t)

	surface.sessions.Upsert(index.Seal{SessionID: "s1", Project: "alpha", Client: "claude-code", EndedAt: time.Now()})
	surface.sessions.Upsert(index.Seal{SessionID: "s2", Project: "beta", Client: "cursor", EndedAt: time.Now()})

	out := surface.ListSessions(ListFilter{Project: "alpha"})
	if len(out) != 1 || out[0].SessionID != "s1" {
		t.Fatalf("expected only s1 for project=alpha, got %+v", out)
	}

	out = surface.ListSessions(ListFilter{})
	if len(out) != 2 {
		t.Fatalf("expected both sessions with no filter, got %d", len(out))
	}
}

func TestDeleteSession_CascadesToMilestonesAndChain(t *testing.T) {
	surface, chains := newTestSurface(t)

	if _, err := chains.AppendRecord("s1", chainstore.TypeSessionStart, nil, chainstore.Genesis); err != nil {
		t.Fatal(err)
	}
	if err := chains.SealAndMove("s1"); err != nil {
		t.Fatal(err)
	}
	surface.sessions.Upsert(index.Seal{SessionID: "s1"})
	surface.milestones.Add(index.Milestone{ID: "m1", SessionID: "s1", CreatedAt: time.Now()})

	if err := surface.DeleteSession("s1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	if _, ok := surface.sessions.Get("s1"); ok {
		t.Error("expected the seal to be removed")
	}
	if len(surface.ListMilestones("s1")) != 0 {
		t.Error("expected milestones for the session to be removed")
	}
	if chains.FileState("s1") != chainstore.Missing {
		t.Error("expected the chain file to be gone after deleting the session")
	}
}

func TestActiveSessionCountAndIsActive(t *testing.T) {
	surface, chains := newTestSurface(t)

	if _, err := chains.AppendRecord("s1", chainstore.TypeSessionStart, nil, chainstore.Genesis); err != nil {
		t.Fatal(err)
	}

	count, err := surface.ActiveSessionCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 active session, got %d", count)
	}
	if !surface.IsActive("s1") {
		t.Error("expected s1 to be reported active")
	}

	if err := chains.SealAndMove("s1"); err != nil {
		t.Fatal(err)
	}
	if surface.IsActive("s1") {
		t.Error("expected s1 to no longer be active once sealed")
	}
}

func TestComputeStats_FoldsDurationAndFiles(t *testing.T) {
	surface, _ := newTestSurface(t)

	now := time.Now()
	surface.sessions.Upsert(index.Seal{
		SessionID: "s1", Client: "claude-code", StartedAt: now, EndedAt: now,
		DurationSeconds: 100, FilesTouched: 3, Languages: []string{"go"},
	})
	surface.sessions.Upsert(index.Seal{
		SessionID: "s2", Client: "claude-code", StartedAt: now, EndedAt: now,
		DurationSeconds: 50, FilesTouched: 2, Languages: []string{"go", "rust"},
	})

	stats := surface.ComputeStats()
	if stats.TotalSessions != 2 {
		t.Errorf("expected 2 sessions, got %d", stats.TotalSessions)
	}
	if stats.TotalSeconds != 150 {
		t.Errorf("expected total duration 150, got %d", stats.TotalSeconds)
	}
	if stats.TotalFiles != 5 {
		t.Errorf("expected 5 files touched, got %d", stats.TotalFiles)
	}
	if stats.LanguageCounts["go"] != 2 {
		t.Errorf("expected go counted twice, got %d", stats.LanguageCounts["go"])
	}
	if stats.ClientCounts["claude-code"] != 2 {
		t.Errorf("expected claude-code counted twice, got %d", stats.ClientCounts["claude-code"])
	}
}
