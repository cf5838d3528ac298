// Package query implements the daemon's read-only reporting surface
// (list sessions, list milestones, aggregate stats, streaks) plus the
// destructive delete operations that the transport exposes over REST
// (SPEC_FULL.md §4.5).
//
// The aggregation logic is a fold over index entries, adapted from the
// teacher's replay.ComputeStats — which folded over a session's in-memory
// event list instead of a persisted seal index.
package query

import (
	"sort"
	"time"

	"github.com/vinayprograms/sessiond/internal/chainstore"
	"github.com/vinayprograms/sessiond/internal/index"
)

// Surface is the read/delete query surface over the daemon's indices.
type Surface struct {
	sessions   *index.SessionsIndex
	milestones *index.MilestonesIndex
	chains     *chainstore.Store
}

// New builds a query Surface.
func New(sessions *index.SessionsIndex, milestones *index.MilestonesIndex, chains *chainstore.Store) *Surface {
	return &Surface{sessions: sessions, milestones: milestones, chains: chains}
}

// ListFilter narrows ListSessions.
type ListFilter struct {
	Project        string
	Client         string
	ConversationID string
	Since          time.Time
}

// ListSessions returns sealed sessions matching filter, most-recent first.
func (s *Surface) ListSessions(filter ListFilter) []index.Seal {
	all := s.sessions.All()
	out := make([]index.Seal, 0, len(all))
	for _, seal := range all {
		if filter.Project != "" && seal.Project != filter.Project {
			continue
		}
		if filter.Client != "" && seal.Client != filter.Client {
			continue
		}
		if filter.ConversationID != "" && seal.ConversationID != filter.ConversationID {
			continue
		}
		if !filter.Since.IsZero() && seal.EndedAt.Before(filter.Since) {
			continue
		}
		out = append(out, seal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	return out
}

// ListMilestones returns milestones for a session, oldest first.
func (s *Surface) ListMilestones(sessionID string) []index.Milestone {
	var out []index.Milestone
	for _, m := range s.milestones.All() {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Tail returns the full chain for a session (active or sealed), for the
// sessionctl "tail" subcommand.
func (s *Surface) Tail(sessionID string) ([]chainstore.Record, error) {
	return s.chains.ReadChain(sessionID)
}

// ActiveFilePath returns the path a session's chain file would have while
// still open, for the sessionctl "tail --follow" pager to watch directly.
func (s *Surface) ActiveFilePath(sessionID string) string {
	return s.chains.ActiveFilePath(sessionID)
}

// IsActive reports whether a session's chain file currently lives in
// active/, for sessionctl's "tail --follow" guard.
func (s *Surface) IsActive(sessionID string) bool {
	return s.chains.FileState(sessionID) == chainstore.Active
}

// ActiveSessionCount reports the number of chain files currently open in
// active/, per GET /health's active_sessions field (SPEC_FULL.md §6).
func (s *Surface) ActiveSessionCount() (int, error) {
	ids, err := s.chains.ListActive()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// AllMilestones returns the entire milestones index, newest first, for
// GET /milestones.
func (s *Surface) AllMilestones() []index.Milestone {
	all := s.milestones.All()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all
}

// DeleteMilestone removes a single milestone from the milestones index
// only, per DELETE /milestones/{id} (SPEC_FULL.md §4.5).
func (s *Surface) DeleteMilestone(milestoneID string) error {
	return s.milestones.Delete(milestoneID)
}

// Stats is the aggregate summary returned by ComputeStats.
type Stats struct {
	TotalSessions    int
	TotalSeconds     int64
	TotalFiles       int
	LanguageCounts   map[string]int
	ClientCounts     map[string]int
	ProjectCounts    map[string]int
	MilestoneCount   int
	FirstSessionAt   time.Time
	LastSessionAt    time.Time
	CurrentStreak    int
	LongestStreak    int
}

// ComputeStats folds over every sealed session (and its milestones) to
// build the aggregate view shown by `sessionctl status`.
func (s *Surface) ComputeStats() Stats {
	stats := Stats{
		LanguageCounts: make(map[string]int),
		ClientCounts:   make(map[string]int),
		ProjectCounts:  make(map[string]int),
	}

	seals := s.sessions.All()
	sort.Slice(seals, func(i, j int) bool { return seals[i].StartedAt.Before(seals[j].StartedAt) })

	for _, seal := range seals {
		stats.TotalSessions++
		stats.TotalSeconds += seal.DurationSeconds
		stats.TotalFiles += seal.FilesTouched
		stats.ClientCounts[seal.Client]++
		if seal.Project != "" {
			stats.ProjectCounts[seal.Project]++
		}
		for _, lang := range seal.Languages {
			stats.LanguageCounts[lang]++
		}
		if stats.FirstSessionAt.IsZero() || seal.StartedAt.Before(stats.FirstSessionAt) {
			stats.FirstSessionAt = seal.StartedAt
		}
		if seal.EndedAt.After(stats.LastSessionAt) {
			stats.LastSessionAt = seal.EndedAt
		}
	}
	stats.MilestoneCount = len(s.milestones.All())
	stats.CurrentStreak, stats.LongestStreak = computeStreaks(seals)
	return stats
}

// computeStreaks derives daily-activity streaks (current and longest) from
// each seal's StartedAt date, in the user's local day boundary.
func computeStreaks(seals []index.Seal) (current, longest int) {
	days := make(map[string]bool)
	for _, seal := range seals {
		days[seal.StartedAt.Local().Format("2006-01-02")] = true
	}
	if len(days) == 0 {
		return 0, 0
	}

	dates := make([]time.Time, 0, len(days))
	for d := range days {
		t, err := time.ParseInLocation("2006-01-02", d, time.Local)
		if err == nil {
			dates = append(dates, t)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	run := 1
	best := 1
	for i := 1; i < len(dates); i++ {
		if dates[i-1].AddDate(0, 0, 1).Equal(dates[i]) {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	longest = best

	today := time.Now().Local().Format("2006-01-02")
	yesterday := time.Now().Local().AddDate(0, 0, -1).Format("2006-01-02")
	last := dates[len(dates)-1].Format("2006-01-02")
	if last != today && last != yesterday {
		current = 0
		return current, longest
	}
	current = 1
	for i := len(dates) - 1; i > 0; i-- {
		if dates[i-1].AddDate(0, 0, 1).Equal(dates[i]) {
			current++
		} else {
			break
		}
	}
	return current, longest
}

// DeleteSession removes a session's seal, its milestones, and its sealed
// chain file, per SPEC_FULL.md §4.5's DELETE /sessions/{id} and §8's
// "its chain file is gone" testable property.
func (s *Surface) DeleteSession(sessionID string) error {
	if err := s.sessions.Delete(sessionID); err != nil {
		return err
	}
	if err := s.milestones.DeleteForSession(sessionID); err != nil {
		return err
	}
	return s.chains.Remove(sessionID)
}

// DeleteConversation cascades DeleteSession across every session sharing
// conversationID.
func (s *Surface) DeleteConversation(conversationID string) error {
	removed, err := s.sessions.DeleteConversation(conversationID)
	if err != nil {
		return err
	}
	for _, id := range removed {
		if err := s.milestones.DeleteForSession(id); err != nil {
			return err
		}
		if err := s.chains.Remove(id); err != nil {
			return err
		}
	}
	return nil
}
