package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/sessiond/internal/chainstore"
	"github.com/vinayprograms/sessiond/internal/index"
	"github.com/vinayprograms/sessiond/internal/registry"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return buildTestCoordinator(t, t.TempDir(), time.Hour)
}

// buildTestCoordinator wires a fresh Coordinator (and a fresh, empty
// registry) over whatever is already on disk at root. Calling it twice
// with the same root simulates a daemon restart: the second Coordinator
// starts with no in-memory context but sees the first one's chain files
// and indices.
func buildTestCoordinator(t *testing.T, root string, idleTimeout time.Duration) *Coordinator {
	t.Helper()
	activeDir := filepath.Join(root, "active")
	sealedDir := filepath.Join(root, "sealed")
	if err := os.MkdirAll(activeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(sealedDir, 0o755); err != nil {
		t.Fatal(err)
	}

	chains := chainstore.New(activeDir, sealedDir, nil)
	sessions, err := index.LoadSessionsIndex(filepath.Join(root, "sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	milestones, err := index.LoadMilestonesIndex(filepath.Join(root, "milestones.json"))
	if err != nil {
		t.Fatal(err)
	}
	conns, err := index.LoadConnectionMap(filepath.Join(root, "connection_map.json"))
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(idleTimeout, nil)

	return New(Config{
		Chains:      chains,
		Registry:    reg,
		Sessions:    sessions,
		Milestones:  milestones,
		Conns:       conns,
		IdleTimeout: idleTimeout,
	})
}

func TestFullLifecycle_StartHeartbeatEndSeals(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	msg, err := c.SessionStart(ctx, StartRequest{ConnectionID: "conn1", Client: "claude-code", TaskType: "coding"})
	if err != nil {
		t.Fatalf("session_start: %v", err)
	}
	if !strings.Contains(msg, "started") {
		t.Errorf("expected a started confirmation, got %q", msg)
	}
	if c.OpenConnectionCount() != 1 {
		t.Fatalf("expected 1 open connection, got %d", c.OpenConnectionCount())
	}

	if _, err := c.Heartbeat(ctx, "conn1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	msg, err = c.SessionEnd(ctx, EndRequest{ConnectionID: "conn1", FilesTouched: 2, Languages: []string{"go"}})
	if err != nil {
		t.Fatalf("session_end: %v", err)
	}
	if !strings.Contains(msg, "ended") {
		t.Errorf("expected an ended confirmation, got %q", msg)
	}

	if c.OpenConnectionCount() != 0 {
		t.Fatalf("expected 0 open connections after end, got %d", c.OpenConnectionCount())
	}

	seals := c.sessions.All()
	if len(seals) != 1 {
		t.Fatalf("expected exactly 1 sealed session, got %d", len(seals))
	}
	if seals[0].RecordCount < 4 {
		t.Errorf("expected record count to include start/heartbeat/end/seal, got %d", seals[0].RecordCount)
	}
	if seals[0].FilesTouched != 2 {
		t.Errorf("expected files_touched=2, got %d", seals[0].FilesTouched)
	}
}

func TestSessionEnd_ConcurrentCallsSealExactlyOnce(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.SessionStart(ctx, StartRequest{ConnectionID: "conn1", Client: "claude-code", TaskType: "coding"}); err != nil {
		t.Fatalf("session_start: %v", err)
	}

	const n = 8
	results := make([]string, n)
	errs := make([]error, n)
	done := make(chan int, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			results[i], errs[i] = c.SessionEnd(ctx, EndRequest{ConnectionID: "conn1", FilesTouched: 1})
			done <- i
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	// Every caller must get a clean "ended" acknowledgement (organic,
	// already-sealed, or reconciled-after-recovery) and none may error;
	// the chain itself must show exactly one seal with no trace of a
	// second append sequence racing the first.
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("session_end[%d]: %v", i, errs[i])
		}
		if !strings.Contains(results[i], "ended") {
			t.Fatalf("unexpected session_end result: %q", results[i])
		}
	}

	seals := c.sessions.All()
	if len(seals) != 1 {
		t.Fatalf("expected exactly 1 sealed session, got %d", len(seals))
	}
	sessionID := seals[0].SessionID
	if c.chains.FileState(sessionID) != chainstore.Sealed {
		t.Fatalf("expected chain to be sealed, got state %v", c.chains.FileState(sessionID))
	}

	chain, err := c.chains.ReadChain(sessionID)
	if err != nil {
		t.Fatalf("read chain: %v", err)
	}
	sessionEnds, seals2 := 0, 0
	for _, rec := range chain {
		switch rec.Type {
		case chainstore.TypeSessionEnd:
			sessionEnds++
		case chainstore.TypeSessionSeal:
			seals2++
		}
	}
	if sessionEnds != 1 || seals2 != 1 {
		t.Fatalf("expected exactly 1 session_end and 1 session_seal record, got %d and %d", sessionEnds, seals2)
	}
}

func TestSessionStart_AutoSealsPriorOpenSession(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.SessionStart(ctx, StartRequest{ConnectionID: "conn1", Client: "claude-code"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Heartbeat(ctx, "conn1"); err != nil {
		t.Fatal(err)
	}

	// A second session_start on the same connection must seal the first.
	if _, err := c.SessionStart(ctx, StartRequest{ConnectionID: "conn1", Client: "claude-code"}); err != nil {
		t.Fatal(err)
	}

	if len(c.sessions.All()) != 1 {
		t.Fatalf("expected the first session to have been auto-sealed, got %d sealed sessions", len(c.sessions.All()))
	}
	if c.OpenConnectionCount() != 1 {
		t.Fatalf("expected exactly 1 open connection (the new one), got %d", c.OpenConnectionCount())
	}
}

func TestHeartbeat_UnknownConnectionErrors(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.Heartbeat(context.Background(), "does-not-exist"); err != ErrUnknownSession {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestSealAllActive(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.SessionStart(ctx, StartRequest{ConnectionID: "conn1", Client: "claude-code"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SessionStart(ctx, StartRequest{ConnectionID: "conn2", Client: "cursor"}); err != nil {
		t.Fatal(err)
	}

	sealed := c.SealAllActive(ctx)
	if sealed != 2 {
		t.Fatalf("expected 2 sessions sealed, got %d", sealed)
	}
	if c.OpenConnectionCount() != 0 {
		t.Fatalf("expected 0 open connections after seal-active, got %d", c.OpenConnectionCount())
	}
}

// TestSessionEnd_MilestonesIndexGatedByConfig covers §4.4's "session_end"
// clause: milestone chain records are always written, but the separate
// milestones index is only populated when DisableMilestones is false.
func TestSessionEnd_MilestonesIndexGatedByConfig(t *testing.T) {
	c := newTestCoordinator(t)
	c.milestonesOn = false
	ctx := context.Background()

	if _, err := c.SessionStart(ctx, StartRequest{ConnectionID: "conn1", Client: "claude-code"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SessionEnd(ctx, EndRequest{ConnectionID: "conn1", Milestones: []MilestoneInput{
		{Title: "Add search", Category: "feature", Complexity: "medium"},
	}}); err != nil {
		t.Fatal(err)
	}

	if len(c.milestones.All()) != 0 {
		t.Errorf("expected the milestones index to stay empty when disabled, got %d entries", len(c.milestones.All()))
	}

	seals := c.sessions.All()
	if len(seals) != 1 {
		t.Fatalf("expected 1 sealed session, got %d", len(seals))
	}
	chain, err := c.chains.ReadChain(seals[0].SessionID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range chain {
		if r.Type == chainstore.TypeMilestone {
			found = true
		}
	}
	if !found {
		t.Error("expected the milestone chain record to be written regardless of the index gate")
	}
}

// TestOrphanSweep_SealsAbandonedSessionAtLastRecordTime covers seed
// scenario 2: a chain holding only session_start, abandoned across a
// restart, seals with ended_at pinned to the start record's own
// timestamp rather than wall-clock "now". The restarted coordinator's
// idle timeout is one nanosecond, so the chain (still referenced by the
// connection map) already counts as stale when the sweep runs.
func TestOrphanSweep_SealsAbandonedSessionAtLastRecordTime(t *testing.T) {
	root := t.TempDir()
	first := buildTestCoordinator(t, root, time.Hour)
	ctx := context.Background()

	if _, err := first.SessionStart(ctx, StartRequest{ConnectionID: "conn1", Client: "example-ide", TaskType: "coding"}); err != nil {
		t.Fatal(err)
	}

	// Simulate a daemon restart: a brand new Coordinator with an empty
	// registry, over the same on-disk chains/indices.
	second := buildTestCoordinator(t, root, time.Nanosecond)
	if err := second.RunSweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	seals := second.sessions.All()
	if len(seals) != 1 {
		t.Fatalf("expected exactly 1 sealed session after sweep, got %d", len(seals))
	}
	seal := seals[0]
	if !seal.AutoSealed {
		t.Error("expected auto_sealed=true")
	}
	if seal.DurationSeconds != 0 {
		t.Errorf("expected duration_seconds=0 for a start-only chain, got %d", seal.DurationSeconds)
	}
	if !seal.EndedAt.Equal(seal.StartedAt) {
		t.Errorf("expected ended_at == started_at (T0), got ended_at=%v started_at=%v", seal.EndedAt, seal.StartedAt)
	}
	if seal.RecordCount != 3 {
		t.Errorf("expected record_count=3 (start + synthesized end + seal), got %d", seal.RecordCount)
	}
	if second.chains.FileState(seal.SessionID) != chainstore.Sealed {
		t.Error("expected the chain file to have moved to sealed/")
	}
}

// TestOrphanSweep_IsIdempotent covers the "re-running the sweep with no
// new activity changes nothing" round-trip property (§8).
func TestOrphanSweep_IsIdempotent(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.SessionStart(ctx, StartRequest{ConnectionID: "conn1", Client: "claude-code"}); err != nil {
		t.Fatal(err)
	}
	c.SealAllActive(ctx)

	before := c.sessions.All()
	if err := c.RunSweep(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.RunSweep(ctx); err != nil {
		t.Fatal(err)
	}
	after := c.sessions.All()
	if len(before) != len(after) {
		t.Fatalf("sweep changed the number of sealed sessions: %d -> %d", len(before), len(after))
	}
}

// TestRecoverSessionEnd_ActiveChain covers seed scenario 3: a daemon
// restart loses the in-memory context, but the chain is still in
// active/; an explicit session_end from the same connection completes
// the organic path with recovered=true flags instead of going through
// the sweep's synthesized end.
func TestRecoverSessionEnd_ActiveChain(t *testing.T) {
	root := t.TempDir()
	first := buildTestCoordinator(t, root, time.Hour)
	ctx := context.Background()

	if _, err := first.SessionStart(ctx, StartRequest{ConnectionID: "CX", Client: "claude-code", TaskType: "coding"}); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Heartbeat(ctx, "CX"); err != nil {
		t.Fatal(err)
	}

	// Restart: fresh registry, same on-disk state, chain still active/.
	second := buildTestCoordinator(t, root, time.Hour)

	msg, err := second.SessionEnd(ctx, EndRequest{ConnectionID: "CX", Languages: []string{"rust"}})
	if err != nil {
		t.Fatalf("recovered session_end: %v", err)
	}
	if !strings.Contains(msg, "ended") {
		t.Errorf("expected an ended confirmation, got %q", msg)
	}

	seals := second.sessions.All()
	if len(seals) != 1 {
		t.Fatalf("expected exactly 1 sealed session, got %d", len(seals))
	}
	seal := seals[0]
	if len(seal.Languages) != 1 || seal.Languages[0] != "rust" {
		t.Errorf("expected languages=[rust], got %v", seal.Languages)
	}
	if !seal.Recovered {
		t.Error("expected recovered=true on the seal")
	}
}

// TestSessionStart_RecoversStaleConnectionAndSealsOldSession covers seed
// scenario 4: after a restart, a new session_start on the same
// connection seals the old session (auto_sealed) instead of end, mints a
// fresh session id, and repoints the connection map.
func TestSessionStart_RecoversStaleConnectionAndSealsOldSession(t *testing.T) {
	root := t.TempDir()
	first := buildTestCoordinator(t, root, time.Hour)
	ctx := context.Background()

	if _, err := first.SessionStart(ctx, StartRequest{ConnectionID: "CX", Client: "claude-code"}); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Heartbeat(ctx, "CX"); err != nil {
		t.Fatal(err)
	}
	oldEntry, ok := first.conns.Get("CX")
	if !ok {
		t.Fatal("expected a persisted connection map entry")
	}
	oldSessionID := oldEntry.SessionID

	// Restart: fresh registry, same on-disk state.
	second := buildTestCoordinator(t, root, time.Hour)

	if _, err := second.SessionStart(ctx, StartRequest{ConnectionID: "CX", Client: "claude-code"}); err != nil {
		t.Fatalf("recovered session_start: %v", err)
	}

	oldSeal, ok := second.sessions.Get(oldSessionID)
	if !ok {
		t.Fatal("expected the original session to have been sealed")
	}
	if !oldSeal.AutoSealed {
		t.Error("expected the original session's seal to be auto_sealed=true")
	}

	newEntry, ok := second.conns.Get("CX")
	if !ok {
		t.Fatal("expected a connection map entry for CX")
	}
	if newEntry.SessionID == oldSessionID {
		t.Error("expected CX to now map to a fresh session id")
	}
	if second.chains.FileState(oldSessionID) != chainstore.Sealed {
		t.Error("expected the original chain file to be sealed")
	}
}

// TestRecoverHeartbeat_AfterSeal covers seed scenario 6: a stale
// heartbeat replayed on a connection whose session has already been
// sealed is a no-op acknowledgement, not a new chain record.
func TestRecoverHeartbeat_AfterSeal(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.SessionStart(ctx, StartRequest{ConnectionID: "conn1", Client: "claude-code"}); err != nil {
		t.Fatal(err)
	}
	entry, ok := c.conns.Get("conn1")
	if !ok {
		t.Fatal("expected a connection map entry")
	}
	sessionID := entry.SessionID

	if _, err := c.SessionEnd(ctx, EndRequest{ConnectionID: "conn1"}); err != nil {
		t.Fatal(err)
	}

	chainBefore, err := c.chains.ReadChain(sessionID)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := c.Heartbeat(ctx, "conn1")
	if err != nil {
		t.Fatalf("stale heartbeat after seal: %v", err)
	}
	if !strings.Contains(msg, "already ended") {
		t.Errorf("expected an already-ended acknowledgement, got %q", msg)
	}

	chainAfter, err := c.chains.ReadChain(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chainAfter) != len(chainBefore) {
		t.Errorf("expected no new chain record from a stale heartbeat, had %d now %d", len(chainBefore), len(chainAfter))
	}
	last := chainAfter[len(chainAfter)-1]
	if last.Type != chainstore.TypeSessionSeal {
		t.Errorf("expected the chain's last record to still be session_seal, got %s", last.Type)
	}
}
