// Package index maintains the daemon's three flat, whole-file JSON
// indices: the sessions index (deduplicated seals), the milestones
// index, and the connection_id -> session_id map (SPEC_FULL.md §3, §6).
//
// All three use the teacher's atomic write idiom (write to a temp file,
// then rename) adapted from session.FileStore.Save, so readers never
// observe a partially written file.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Seal is the persisted sessions-index entry (SPEC_FULL.md §3 SessionSeal).
type Seal struct {
	SessionID        string            `json:"session_id"`
	ConversationID   string            `json:"conversation_id,omitempty"`
	ConversationIdx  int               `json:"conversation_index"`
	Client           string            `json:"client"`
	TaskType         string            `json:"task_type,omitempty"`
	Project          string            `json:"project,omitempty"`
	Title            string            `json:"title,omitempty"`
	PrivateTitle     string            `json:"private_title,omitempty"`
	Model            string            `json:"model,omitempty"`
	Languages        []string          `json:"languages,omitempty"`
	FilesTouched     int               `json:"files_touched"`
	HeartbeatCount   int               `json:"heartbeat_count"`
	RecordCount      int               `json:"record_count"`
	StartedAt        time.Time         `json:"started_at"`
	EndedAt          time.Time         `json:"ended_at"`
	DurationSeconds  int64             `json:"duration_seconds"`
	ChainStartHash   string            `json:"chain_start_hash"`
	ChainEndHash     string            `json:"chain_end_hash"`
	SealSignature    string            `json:"seal_signature"`
	AutoSealed       bool              `json:"auto_sealed,omitempty"`
	Recovered        bool              `json:"recovered,omitempty"`
	Evaluation       map[string]string `json:"evaluation,omitempty"`
}

// score computes the richness score used to reconcile conflicting seals
// for the same session_id (SPEC_FULL.md §4.4.5).
func (s Seal) score() int {
	score := 0
	if s.Title != "" {
		score += 10
	}
	if s.PrivateTitle != "" {
		score += 10
	}
	if s.ConversationID != "" {
		score += 20
	}
	if len(s.Evaluation) > 0 {
		score += 20
	}
	if len(s.Languages) > 0 {
		score += 5
	}
	if s.FilesTouched > 0 {
		score += 5
	}
	switch s.Project {
	case "", "untitled", "mcp", "unknown":
	default:
		score += 5
	}
	return score
}

// richer reports whether candidate should replace existing (candidate
// wins ties, i.e. the later arrival).
func richer(candidate, existing Seal) bool {
	return candidate.score() >= existing.score()
}

// SessionsIndex is the deduplicated, persisted set of seals.
type SessionsIndex struct {
	path string
	mu   sync.Mutex
	byID map[string]Seal
}

// LoadSessionsIndex reads (or initializes) the sessions index, running
// startup deduplication across any pre-existing duplicate entries.
func LoadSessionsIndex(path string) (*SessionsIndex, error) {
	idx := &SessionsIndex{path: path, byID: make(map[string]Seal)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("read sessions index: %w", err)
	}

	var seals []Seal
	if err := json.Unmarshal(data, &seals); err != nil {
		return nil, fmt.Errorf("parse sessions index: %w", err)
	}
	for _, s := range seals {
		idx.upsertLocked(s)
	}
	return idx, nil
}

// Upsert inserts or reconciles a seal by richness score and persists the
// index. Returns true if the stored entry changed.
func (idx *SessionsIndex) Upsert(s Seal) (bool, error) {
	idx.mu.Lock()
	changed := idx.upsertLocked(s)
	err := idx.saveLocked()
	idx.mu.Unlock()
	return changed, err
}

func (idx *SessionsIndex) upsertLocked(s Seal) bool {
	existing, ok := idx.byID[s.SessionID]
	if !ok || richer(s, existing) {
		idx.byID[s.SessionID] = s
		return true
	}
	return false
}

// Get returns the stored seal for a session, if any.
func (idx *SessionsIndex) Get(sessionID string) (Seal, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.byID[sessionID]
	return s, ok
}

// All returns every seal, sorted by StartedAt descending is left to callers.
func (idx *SessionsIndex) All() []Seal {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]Seal, 0, len(idx.byID))
	for _, s := range idx.byID {
		out = append(out, s)
	}
	return out
}

// Delete removes a session's entry.
func (idx *SessionsIndex) Delete(sessionID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.byID, sessionID)
	return idx.saveLocked()
}

// DeleteConversation removes every entry sharing conversationID.
func (idx *SessionsIndex) DeleteConversation(conversationID string) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var removed []string
	for id, s := range idx.byID {
		if s.ConversationID == conversationID {
			removed = append(removed, id)
			delete(idx.byID, id)
		}
	}
	return removed, idx.saveLocked()
}

func (idx *SessionsIndex) saveLocked() error {
	out := make([]Seal, 0, len(idx.byID))
	for _, s := range idx.byID {
		out = append(out, s)
	}
	return atomicWriteJSON(idx.path, out)
}

// Milestone is a persisted milestones-index entry (SPEC_FULL.md §3).
type Milestone struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Category        string    `json:"category"`
	Complexity      string    `json:"complexity"`
	Title           string    `json:"title"`
	PrivateTitle    string    `json:"private_title,omitempty"`
	DurationMinutes int       `json:"duration_minutes"`
	Languages       []string  `json:"languages,omitempty"`
	Client          string    `json:"client"`
	CreatedAt       time.Time `json:"created_at"`
	ChainHash       string    `json:"chain_hash"`
}

// MilestonesIndex is the persisted, append-oriented milestone list.
type MilestonesIndex struct {
	path string
	mu   sync.Mutex
	byID map[string]Milestone
}

// LoadMilestonesIndex reads (or initializes) the milestones index.
func LoadMilestonesIndex(path string) (*MilestonesIndex, error) {
	idx := &MilestonesIndex{path: path, byID: make(map[string]Milestone)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("read milestones index: %w", err)
	}

	var ms []Milestone
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("parse milestones index: %w", err)
	}
	for _, m := range ms {
		idx.byID[m.ID] = m
	}
	return idx, nil
}

// Add appends a milestone and persists the index.
func (idx *MilestonesIndex) Add(m Milestone) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byID[m.ID] = m
	return idx.saveLocked()
}

// All returns every milestone.
func (idx *MilestonesIndex) All() []Milestone {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]Milestone, 0, len(idx.byID))
	for _, m := range idx.byID {
		out = append(out, m)
	}
	return out
}

// DeleteForSession cascade-deletes every milestone belonging to a session.
func (idx *MilestonesIndex) DeleteForSession(sessionID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for id, m := range idx.byID {
		if m.SessionID == sessionID {
			delete(idx.byID, id)
		}
	}
	return idx.saveLocked()
}

// Delete removes a single milestone by id.
func (idx *MilestonesIndex) Delete(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.byID, id)
	return idx.saveLocked()
}

func (idx *MilestonesIndex) saveLocked() error {
	out := make([]Milestone, 0, len(idx.byID))
	for _, m := range idx.byID {
		out = append(out, m)
	}
	return atomicWriteJSON(idx.path, out)
}

// ConnEntry is one connection_id -> session_id mapping with its last-touch
// time, used for the 30-day garbage collection policy (SPEC_FULL.md §9).
type ConnEntry struct {
	SessionID string    `json:"session_id"`
	Sealed    bool      `json:"sealed"`
	LastTouch time.Time `json:"last_touch"`
}

// ConnectionMap is the persisted connection_id -> session_id mapping.
type ConnectionMap struct {
	path string
	mu   sync.Mutex
	byID map[string]ConnEntry
}

// LoadConnectionMap reads (or initializes) the connection map.
func LoadConnectionMap(path string) (*ConnectionMap, error) {
	cm := &ConnectionMap{path: path, byID: make(map[string]ConnEntry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cm, nil
		}
		return nil, fmt.Errorf("read connection map: %w", err)
	}
	if err := json.Unmarshal(data, &cm.byID); err != nil {
		return nil, fmt.Errorf("parse connection map: %w", err)
	}
	return cm, nil
}

// Set records connID -> sessionID, overwriting any prior mapping.
func (cm *ConnectionMap) Set(connID, sessionID string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[connID] = ConnEntry{SessionID: sessionID, LastTouch: time.Now().UTC()}
	return cm.saveLocked()
}

// MarkSealed flags the mapping for connID (if present) as pointing at a
// now-sealed session, which makes it eligible for GC after the TTL.
func (cm *ConnectionMap) MarkSealed(connID string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	entry, ok := cm.byID[connID]
	if !ok {
		return nil
	}
	entry.Sealed = true
	entry.LastTouch = time.Now().UTC()
	cm.byID[connID] = entry
	return cm.saveLocked()
}

// Get returns the mapping for connID, if any.
func (cm *ConnectionMap) Get(connID string) (ConnEntry, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	e, ok := cm.byID[connID]
	return e, ok
}

// GC removes sealed entries whose last touch is older than ttl. Returns
// the number of entries removed.
func (cm *ConnectionMap) GC(ttl time.Duration) (int, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cutoff := time.Now().UTC().Add(-ttl)
	removed := 0
	for id, e := range cm.byID {
		if e.Sealed && e.LastTouch.Before(cutoff) {
			delete(cm.byID, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, cm.saveLocked()
}

func (cm *ConnectionMap) saveLocked() error {
	return atomicWriteJSON(cm.path, cm.byID)
}

func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
