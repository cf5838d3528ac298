// Package registry holds the in-memory map from transport connection id
// to the live SessionContext for that connection (SPEC_FULL.md §4.3).
//
// Adapted from the teacher's session.Manager: a mutex-guarded map plus
// per-entity lifecycle operations, generalized from "workflow session" to
// "assistant connection session" and extended with the idle timer each
// context owns (spec §5).
package registry

import (
	"sync"
	"time"

	"github.com/vinayprograms/sessiond/internal/chainstore"
)

// Context is the live, in-memory state for one open session. It mirrors
// the subset of SessionSeal fields needed while the session is still
// open; the durable record of truth is the chain file itself.
type Context struct {
	SessionID          string
	ConversationID     string
	ConversationIndex  int
	Client             string
	TaskType           string
	Project            string
	Title              string
	PrivateTitle       string
	Model              string
	ChainTipHash       string
	RecordCount        int
	HeartbeatCount     int
	StartedAt          time.Time
	LastActivityAt     time.Time
	PausedMsAcc        int64
	ConnectionID       string
	Sealed             bool

	mu          sync.Mutex
	timer       *time.Timer
	idleTimeout time.Duration
}

// Touch updates last-activity and resets the idle timer if one is armed.
func (c *Context) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastActivityAt = time.Now().UTC()
	if c.timer != nil {
		c.timer.Reset(c.idleTimeout)
	}
}

// Lock serializes all chain mutations for this session onto one writer,
// per SPEC_FULL.md §5 ("all appends are totally ordered... enforced by
// serialising writes on the session's context"). Callers that append a
// sequence of records (e.g. end + seal) must hold the lock across the
// whole sequence, not just a field snapshot, or concurrent callers can
// interleave appends onto the same chain.
func (c *Context) Lock()   { c.mu.Lock() }
func (c *Context) Unlock() { c.mu.Unlock() }

// Registry is the process's live connection_id -> Context map.
type Registry struct {
	mu          sync.RWMutex
	byConn      map[string]*Context
	idleTimeout time.Duration
	onIdle      func(connID string, ctx *Context)
}

// New creates a Registry. onIdle is invoked (in its own goroutine) when a
// context's idle timer fires; the coordinator wires this to its
// auto-seal path.
func New(idleTimeout time.Duration, onIdle func(connID string, ctx *Context)) *Registry {
	return &Registry{
		byConn:      make(map[string]*Context),
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

// Create allocates a fresh Context for connID, replacing any prior one
// (the caller must have already driven a prior Context to Sealed).
func (r *Registry) Create(connID, sessionID string) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	ctx := &Context{
		SessionID:      sessionID,
		ChainTipHash:   chainstore.Genesis,
		StartedAt:      now,
		LastActivityAt: now,
		ConnectionID:   connID,
		idleTimeout:    r.idleTimeout,
	}
	ctx.timer = time.AfterFunc(r.idleTimeout, func() {
		if r.onIdle != nil {
			r.onIdle(connID, ctx)
		}
	})
	r.byConn[connID] = ctx
	return ctx
}

// Get returns the Context for a connection, or nil if none is live.
func (r *Registry) Get(connID string) *Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// GetByID scans for a Context by session id (used by recovery paths that
// only know the session id, not the current connection).
func (r *Registry) GetByID(sessionID string) *Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ctx := range r.byConn {
		if ctx.SessionID == sessionID {
			return ctx
		}
	}
	return nil
}

// Remove clears connID's context, stopping its idle timer first.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx, ok := r.byConn[connID]; ok {
		if ctx.timer != nil {
			ctx.timer.Stop()
		}
		delete(r.byConn, connID)
	}
}

// All returns a snapshot of every live context, for /seal-active and for
// graceful shutdown.
func (r *Registry) All() []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Context, 0, len(r.byConn))
	for _, ctx := range r.byConn {
		out = append(out, ctx)
	}
	return out
}

// Len reports the number of live in-memory sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
