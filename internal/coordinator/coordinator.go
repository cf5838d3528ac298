// Package coordinator implements the session lifecycle state machine:
// session_start / heartbeat / session_end, the idle-timeout and orphan
// sweep auto-seal paths, and stale-connection recovery across daemon
// restarts (SPEC_FULL.md §4.4).
//
// The timeout/select control-flow idiom and the supervisor-as-dispatcher
// shape are adapted from the teacher's supervision.Supervisor, stripped
// of its LLM-prompting specifics and re-targeted at the session state
// machine instead of the four-phase execution verdicts.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/sessiond/internal/chainstore"
	"github.com/vinayprograms/sessiond/internal/index"
	"github.com/vinayprograms/sessiond/internal/logging"
	"github.com/vinayprograms/sessiond/internal/registry"
)

var tracer = otel.Tracer("sessiond/coordinator")

// StartRequest is the session_start payload from the transport.
type StartRequest struct {
	ConnectionID      string
	Client            string
	TaskType          string
	Project           string
	Title             string
	PrivateTitle      string
	Model             string
	ConversationID    string
	ConversationIndex *int // client-supplied; nil means "derive it"
}

// MilestoneInput is one milestone declared at session_end.
type MilestoneInput struct {
	Title           string
	PrivateTitle    string
	Category        string
	Complexity      string
	DurationMinutes int
	Languages       []string
}

// EndRequest is the session_end payload from the transport.
type EndRequest struct {
	ConnectionID string
	Languages    []string
	FilesTouched int
	Model        string
	Evaluation   map[string]string
	Milestones   []MilestoneInput
}

// startPayload / endPayload / sealPayload mirror SPEC_FULL.md §4.2's
// documented chain record shapes.
type startPayload struct {
	Client                  string `json:"client"`
	TaskType                string `json:"task_type"`
	Project                 string `json:"project,omitempty"`
	Title                   string `json:"title,omitempty"`
	PrivateTitle            string `json:"private_title,omitempty"`
	Model                   string `json:"model,omitempty"`
	ConversationID          string `json:"conversation_id"`
	ConversationIndex       int    `json:"conversation_index"`
	DerivedConversationIndex int   `json:"derived_conversation_index"`
	Recovered               bool   `json:"recovered,omitempty"`
}

type heartbeatPayload struct {
	HeartbeatNumber  int   `json:"heartbeat_number"`
	CumulativeSecond int64 `json:"cumulative_seconds"`
	Recovered        bool  `json:"recovered,omitempty"`
}

type milestonePayload struct {
	Title           string   `json:"title"`
	PrivateTitle    string   `json:"private_title,omitempty"`
	Category        string   `json:"category"`
	Complexity      string   `json:"complexity"`
	DurationMinutes int      `json:"duration_minutes"`
	Languages       []string `json:"languages,omitempty"`
}

type endPayload struct {
	DurationSeconds int64             `json:"duration_seconds"`
	TaskType        string            `json:"task_type,omitempty"`
	Languages       []string          `json:"languages,omitempty"`
	FilesTouched    int               `json:"files_touched"`
	HeartbeatCount  int               `json:"heartbeat_count"`
	AutoSealed      bool              `json:"auto_sealed,omitempty"`
	Recovered       bool              `json:"recovered,omitempty"`
	Evaluation      map[string]string `json:"evaluation,omitempty"`
	Model           string            `json:"model,omitempty"`
}

type sealPayload struct {
	Seal          index.Seal `json:"seal"`
	SealSignature string     `json:"seal_signature"`
	AutoSealed    bool       `json:"auto_sealed,omitempty"`
	Recovered     bool       `json:"recovered,omitempty"`
}

// Signer signs a hex digest; satisfied by *keystore.Keystore.
type Signer interface {
	Sign(hashHex string) string
}

// Coordinator is the session lifecycle engine.
type Coordinator struct {
	chains     *chainstore.Store
	registry   *registry.Registry
	sessions   *index.SessionsIndex
	milestones *index.MilestonesIndex
	conns      *index.ConnectionMap
	signer     Signer
	log        *logging.Logger

	idleTimeout    time.Duration
	sweepInterval  time.Duration
	connMapTTL     time.Duration
	milestonesOn   bool
}

// Config bundles the Coordinator's dependencies and tunables.
type Config struct {
	Chains        *chainstore.Store
	Registry      *registry.Registry
	Sessions      *index.SessionsIndex
	Milestones    *index.MilestonesIndex
	Conns         *index.ConnectionMap
	Signer        Signer
	Logger        *logging.Logger
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	ConnMapTTL    time.Duration

	// DisableMilestones mirrors the inverse of local config's
	// milestones.enabled (SPEC_FULL.md §4.4 "session_end": "If milestones
	// were supplied and local configuration enables milestone tracking,
	// also append each milestone to the milestones index"). The zero
	// value keeps milestone tracking on, matching config.New()'s default.
	DisableMilestones bool
}

// New builds a Coordinator. Defaults match SPEC_FULL.md §5.
func New(cfg Config) *Coordinator {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 15 * time.Minute
	}
	if cfg.ConnMapTTL == 0 {
		cfg.ConnMapTTL = 30 * 24 * time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}
	return &Coordinator{
		chains:        cfg.Chains,
		registry:      cfg.Registry,
		sessions:      cfg.Sessions,
		milestones:    cfg.Milestones,
		conns:         cfg.Conns,
		signer:        cfg.Signer,
		log:           log.WithComponent("coordinator"),
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		connMapTTL:    cfg.ConnMapTTL,
		milestonesOn:  !cfg.DisableMilestones,
	}
}

// SessionStart handles the session_start operation (§4.4 "Operations").
func (c *Coordinator) SessionStart(ctx context.Context, req StartRequest) (string, error) {
	_, span := tracer.Start(ctx, "session_start", trace.WithAttributes(
		attribute.String("connection_id", req.ConnectionID),
	))
	defer span.End()

	// If this connection already owns an open, non-empty session, seal it
	// first (§4.4 "session_start" first paragraph).
	recovered := false
	if prev := c.registry.Get(req.ConnectionID); prev != nil {
		prev.Lock()
		recordCount := prev.RecordCount
		prev.Unlock()
		if recordCount > 0 {
			if err := c.autoSeal(req.ConnectionID, prev); err != nil {
				c.log.Warn("auto-seal on new start failed", map[string]interface{}{"error": err.Error()})
			}
		}
		c.registry.Remove(req.ConnectionID)
	} else if entry, ok := c.conns.Get(req.ConnectionID); ok {
		// No in-memory context survived: this connection may be resuming
		// after a daemon restart. If its last-known session is still open
		// on disk, seal it via the orphan path before minting a new one
		// (§4.4.3 "session_start" stale-connection recovery).
		if c.chains.FileState(entry.SessionID) == chainstore.Active {
			if chain, err := c.chains.ReadChain(entry.SessionID); err == nil && len(chain) > 0 {
				if err := c.sweepSeal(entry.SessionID, chain); err != nil {
					c.log.Warn("stale-connection orphan-seal failed", map[string]interface{}{"error": err.Error()})
				} else {
					recovered = true
					if req.Client == "" {
						var start startPayload
						if json.Unmarshal(chain[0].Data, &start) == nil {
							req.Client = start.Client
						}
					}
				}
			}
		}
	}

	sessionID := uuid.NewString()
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	derived := c.deriveConversationIndex(conversationID)
	convIdx := derived
	if req.ConversationIndex != nil {
		convIdx = *req.ConversationIndex
	}

	ctxState := c.registry.Create(req.ConnectionID, sessionID)
	ctxState.ConversationID = conversationID
	ctxState.ConversationIndex = convIdx
	ctxState.Client = req.Client
	ctxState.TaskType = req.TaskType
	ctxState.Project = req.Project
	ctxState.Title = req.Title
	ctxState.PrivateTitle = req.PrivateTitle
	ctxState.Model = req.Model

	payload := startPayload{
		Client:                   req.Client,
		TaskType:                 req.TaskType,
		Project:                  req.Project,
		Title:                    req.Title,
		PrivateTitle:             req.PrivateTitle,
		Model:                    req.Model,
		ConversationID:           conversationID,
		ConversationIndex:        convIdx,
		DerivedConversationIndex: derived,
		Recovered:                recovered,
	}

	rec, err := c.chains.AppendRecord(sessionID, chainstore.TypeSessionStart, payload, chainstore.Genesis)
	if err != nil {
		return "", fmt.Errorf("append session_start: %w", err)
	}

	ctxState.Lock()
	ctxState.ChainTipHash = rec.Hash
	ctxState.RecordCount = 1
	ctxState.Unlock()

	if err := c.conns.Set(req.ConnectionID, sessionID); err != nil {
		c.log.Warn("persist connection map failed", map[string]interface{}{"error": err.Error()})
	}

	return fmt.Sprintf("session %s started", sessionID), nil
}

// deriveConversationIndex returns one past the highest conversation_index
// already recorded in the sessions index for the given conversation (0 for
// a new conversation): the daemon-derived index of §9's open-question
// resolution.
func (c *Coordinator) deriveConversationIndex(conversationID string) int {
	max := -1
	for _, s := range c.sessions.All() {
		if s.ConversationID == conversationID && s.ConversationIdx > max {
			max = s.ConversationIdx
		}
	}
	return max + 1
}

// Heartbeat handles the useai_heartbeat operation.
func (c *Coordinator) Heartbeat(ctx context.Context, connID string) (string, error) {
	_, span := tracer.Start(ctx, "useai_heartbeat", trace.WithAttributes(
		attribute.String("connection_id", connID),
	))
	defer span.End()

	ctxState := c.registry.Get(connID)
	if ctxState == nil {
		return c.recoverHeartbeat(connID)
	}

	ctxState.Touch()
	ctxState.Lock()
	defer ctxState.Unlock()

	ctxState.HeartbeatCount++
	elapsed := int64(time.Since(ctxState.StartedAt).Seconds()) - ctxState.PausedMsAcc/1000
	payload := heartbeatPayload{
		HeartbeatNumber:  ctxState.HeartbeatCount,
		CumulativeSecond: elapsed,
	}

	rec, err := c.chains.AppendRecord(ctxState.SessionID, chainstore.TypeHeartbeat, payload, ctxState.ChainTipHash)
	if err != nil {
		return "", fmt.Errorf("append heartbeat: %w", err)
	}
	ctxState.ChainTipHash = rec.Hash
	ctxState.RecordCount++

	return humanizeDuration(elapsed), nil
}

// recoverHeartbeat implements §4.4.3's heartbeat recovery branch.
func (c *Coordinator) recoverHeartbeat(connID string) (string, error) {
	entry, ok := c.conns.Get(connID)
	if !ok {
		return "", ErrUnknownSession
	}
	if c.chains.FileState(entry.SessionID) == chainstore.Sealed {
		return "session already ended", nil
	}

	chain, err := c.chains.ReadChain(entry.SessionID)
	if err != nil || len(chain) == 0 {
		return "", ErrUnknownSession
	}
	last := chain[len(chain)-1]

	heartbeatNum := 0
	for _, r := range chain {
		if r.Type == chainstore.TypeHeartbeat {
			heartbeatNum++
		}
	}
	heartbeatNum++

	payload := heartbeatPayload{
		HeartbeatNumber:  heartbeatNum,
		CumulativeSecond: int64(time.Since(chain[0].Timestamp).Seconds()),
		Recovered:        true,
	}
	rec, err := c.chains.AppendRecord(entry.SessionID, chainstore.TypeHeartbeat, payload, last.Hash)
	if err != nil {
		return "", fmt.Errorf("append recovered heartbeat: %w", err)
	}
	_ = rec
	return humanizeDuration(payload.CumulativeSecond), nil
}

// SessionEnd handles the session_end operation, including its milestone
// sub-records and the terminal seal (§4.4 "Operations").
func (c *Coordinator) SessionEnd(ctx context.Context, req EndRequest) (string, error) {
	_, span := tracer.Start(ctx, "session_end", trace.WithAttributes(
		attribute.String("connection_id", req.ConnectionID),
	))
	defer span.End()

	ctxState := c.registry.Get(req.ConnectionID)
	if ctxState == nil {
		return c.recoverSessionEnd(req)
	}

	// Held across the entire milestone/end/seal append sequence: the
	// chain append is this context's serialised side-effect (§5/§9), and
	// the Sealed check below is what makes a second concurrent
	// session_end for the same connection a no-op instead of a double
	// append (§8 "exactly one reaches Sealed").
	ctxState.Lock()
	defer ctxState.Unlock()

	if ctxState.Sealed {
		return "session already ended", nil
	}

	sessionID := ctxState.SessionID
	tip := ctxState.ChainTipHash
	startedAt := ctxState.StartedAt
	heartbeats := ctxState.HeartbeatCount
	recordCount := ctxState.RecordCount

	for _, m := range req.Milestones {
		rec, err := c.chains.AppendRecord(sessionID, chainstore.TypeMilestone, milestonePayload{
			Title: m.Title, PrivateTitle: m.PrivateTitle, Category: m.Category,
			Complexity: m.Complexity, DurationMinutes: m.DurationMinutes, Languages: m.Languages,
		}, tip)
		if err != nil {
			return "", fmt.Errorf("append milestone: %w", err)
		}
		tip = rec.Hash
		recordCount++
	}

	duration := int64(time.Since(startedAt).Seconds())
	endRec, err := c.chains.AppendRecord(sessionID, chainstore.TypeSessionEnd, endPayload{
		DurationSeconds: duration,
		TaskType:        ctxState.TaskType,
		Languages:       req.Languages,
		FilesTouched:    req.FilesTouched,
		HeartbeatCount:  heartbeats,
		Evaluation:      req.Evaluation,
		Model:           req.Model,
	}, tip)
	if err != nil {
		return "", fmt.Errorf("append session_end: %w", err)
	}
	tip = endRec.Hash
	recordCount++

	seal := index.Seal{
		SessionID:       sessionID,
		ConversationID:  ctxState.ConversationID,
		ConversationIdx: ctxState.ConversationIndex,
		Client:          ctxState.Client,
		TaskType:        ctxState.TaskType,
		Project:         ctxState.Project,
		Title:           ctxState.Title,
		PrivateTitle:    ctxState.PrivateTitle,
		Model:           req.Model,
		Languages:       req.Languages,
		FilesTouched:    req.FilesTouched,
		HeartbeatCount:  heartbeats,
		RecordCount:     recordCount + 1, // including the seal record itself
		StartedAt:       startedAt,
		EndedAt:         time.Now().UTC(),
		DurationSeconds: duration,
		ChainStartHash:  chainstore.Genesis,
		Evaluation:      req.Evaluation,
	}

	if err := c.finalizeSeal(sessionID, tip, seal, req.Milestones, ctxState.Client); err != nil {
		return "", err
	}
	ctxState.Sealed = true

	c.registry.Remove(req.ConnectionID)
	if err := c.conns.MarkSealed(req.ConnectionID); err != nil {
		c.log.Warn("mark connection sealed failed", map[string]interface{}{"error": err.Error()})
	}

	return fmt.Sprintf("session %s ended", sessionID), nil
}

// recoverSessionEnd implements §4.4.3's session_end recovery branch.
func (c *Coordinator) recoverSessionEnd(req EndRequest) (string, error) {
	entry, ok := c.conns.Get(req.ConnectionID)
	if !ok {
		return "", ErrUnknownSession
	}
	sessionID := entry.SessionID

	if c.chains.FileState(sessionID) == chainstore.Sealed {
		existing, ok := c.sessions.Get(sessionID)
		if !ok {
			return "", ErrUnknownSession
		}
		existing.Languages = req.Languages
		existing.FilesTouched = req.FilesTouched
		existing.Evaluation = req.Evaluation
		existing.Recovered = true
		if _, err := c.sessions.Upsert(existing); err != nil {
			return "", err
		}
		for _, m := range req.Milestones {
			if err := c.addMilestone(sessionID, m, existing.Client, ""); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("session %s ended (recovered)", sessionID), nil
	}

	chain, err := c.chains.ReadChain(sessionID)
	if err != nil || len(chain) == 0 {
		return "", ErrUnknownSession
	}
	last := chain[len(chain)-1]
	tip := last.Hash

	var start startPayload
	_ = json.Unmarshal(chain[0].Data, &start)

	heartbeats := 0
	for _, r := range chain {
		if r.Type == chainstore.TypeHeartbeat {
			heartbeats++
		}
	}

	for _, m := range req.Milestones {
		rec, err := c.chains.AppendRecord(sessionID, chainstore.TypeMilestone, milestonePayload{
			Title: m.Title, PrivateTitle: m.PrivateTitle, Category: m.Category,
			Complexity: m.Complexity, DurationMinutes: m.DurationMinutes, Languages: m.Languages,
		}, tip)
		if err != nil {
			return "", err
		}
		tip = rec.Hash
	}

	duration := int64(time.Since(chain[0].Timestamp).Seconds())
	endRec, err := c.chains.AppendRecord(sessionID, chainstore.TypeSessionEnd, endPayload{
		DurationSeconds: duration,
		TaskType:        start.TaskType,
		Languages:       req.Languages,
		FilesTouched:    req.FilesTouched,
		HeartbeatCount:  heartbeats,
		Recovered:       true,
		Evaluation:      req.Evaluation,
	}, tip)
	if err != nil {
		return "", err
	}
	tip = endRec.Hash

	seal := index.Seal{
		SessionID:       sessionID,
		ConversationID:  start.ConversationID,
		ConversationIdx: start.ConversationIndex,
		Client:          start.Client,
		TaskType:        start.TaskType,
		Project:         start.Project,
		Title:           start.Title,
		PrivateTitle:    start.PrivateTitle,
		Languages:       req.Languages,
		FilesTouched:    req.FilesTouched,
		HeartbeatCount:  heartbeats,
		RecordCount:     len(chain) + len(req.Milestones) + 2, // milestones + end + seal
		StartedAt:       chain[0].Timestamp,
		EndedAt:         time.Now().UTC(),
		DurationSeconds: duration,
		ChainStartHash:  chainstore.Genesis,
		Recovered:       true,
		Evaluation:      req.Evaluation,
	}

	if err := c.finalizeSeal(sessionID, tip, seal, req.Milestones, start.Client); err != nil {
		return "", err
	}
	return fmt.Sprintf("session %s ended (recovered)", sessionID), nil
}

// finalizeSeal appends the session_seal record, moves the chain file to
// sealed/, and upserts the index — shared by the organic, auto-seal, and
// recovery paths.
func (c *Coordinator) finalizeSeal(sessionID, tip string, seal index.Seal, milestones []MilestoneInput, client string) error {
	seal.ChainEndHash = tip

	sealBytes, err := json.Marshal(seal)
	if err != nil {
		return fmt.Errorf("marshal seal: %w", err)
	}
	sig := ""
	if c.signer != nil {
		sealSum := sha256.Sum256(sealBytes)
		sig = c.signer.Sign(hex.EncodeToString(sealSum[:]))
	}
	seal.SealSignature = sig

	sealRec, err := c.chains.AppendRecord(sessionID, chainstore.TypeSessionSeal, sealPayload{
		Seal:          seal,
		SealSignature: sig,
		AutoSealed:    seal.AutoSealed,
		Recovered:     seal.Recovered,
	}, tip)
	if err != nil {
		return fmt.Errorf("append session_seal: %w", err)
	}
	_ = sealRec

	if err := c.chains.SealAndMove(sessionID); err != nil {
		return fmt.Errorf("seal chain: %w", err)
	}

	if _, err := c.sessions.Upsert(seal); err != nil {
		return fmt.Errorf("upsert sessions index: %w", err)
	}

	for _, m := range milestones {
		if err := c.addMilestone(sessionID, m, client, sealRec.Hash); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) addMilestone(sessionID string, m MilestoneInput, client, chainHash string) error {
	if !c.milestonesOn {
		// Milestone chain records are always written (above); only the
		// separate milestones index is gated by local config.
		return nil
	}
	return c.milestones.Add(index.Milestone{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Category:        m.Category,
		Complexity:      m.Complexity,
		Title:           m.Title,
		PrivateTitle:    m.PrivateTitle,
		DurationMinutes: m.DurationMinutes,
		Languages:       m.Languages,
		Client:          client,
		CreatedAt:       time.Now().UTC(),
		ChainHash:       chainHash,
	})
}

// autoSeal drives a context to Sealed without client input: used by idle
// timeout, a new session_start on the same connection, and graceful
// shutdown of unmapped sessions (§4.4 "auto-seal (internal)").
func (c *Coordinator) autoSeal(connID string, ctxState *registry.Context) error {
	// Held across the whole append+seal sequence, same as SessionEnd: an
	// idle timeout racing an in-flight session_end (or another autoSeal,
	// e.g. from /seal-active) must not double-seal the chain.
	ctxState.Lock()
	defer ctxState.Unlock()

	if ctxState.Sealed {
		return nil
	}

	sessionID := ctxState.SessionID
	tip := ctxState.ChainTipHash
	startedAt := ctxState.StartedAt
	heartbeats := ctxState.HeartbeatCount
	recordCount := ctxState.RecordCount
	client := ctxState.Client

	if c.chains.FileState(sessionID) != chainstore.Active {
		return nil
	}

	duration := int64(time.Since(startedAt).Seconds())
	endRec, err := c.chains.AppendRecord(sessionID, chainstore.TypeSessionEnd, endPayload{
		DurationSeconds: duration,
		TaskType:        ctxState.TaskType,
		FilesTouched:    0,
		HeartbeatCount:  heartbeats,
		AutoSealed:      true,
	}, tip)
	if err != nil {
		return fmt.Errorf("append auto session_end: %w", err)
	}

	seal := index.Seal{
		SessionID:       sessionID,
		ConversationID:  ctxState.ConversationID,
		ConversationIdx: ctxState.ConversationIndex,
		Client:          client,
		TaskType:        ctxState.TaskType,
		Project:         ctxState.Project,
		Title:           ctxState.Title,
		PrivateTitle:    ctxState.PrivateTitle,
		HeartbeatCount:  heartbeats,
		RecordCount:     recordCount + 2,
		StartedAt:       startedAt,
		EndedAt:         time.Now().UTC(),
		DurationSeconds: duration,
		ChainStartHash:  chainstore.Genesis,
		AutoSealed:      true,
	}

	if err := c.finalizeSeal(sessionID, endRec.Hash, seal, nil, client); err != nil {
		return err
	}
	ctxState.Sealed = true
	if err := c.conns.MarkSealed(connID); err != nil {
		c.log.Warn("mark connection sealed failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// OnIdleTimeout is wired as registry.New's onIdle callback.
func (c *Coordinator) OnIdleTimeout(connID string, ctxState *registry.Context) {
	if err := c.autoSeal(connID, ctxState); err != nil {
		c.log.Warn("idle auto-seal failed", map[string]interface{}{"connection_id": connID, "error": err.Error()})
		return
	}
	c.registry.Remove(connID)
}

// OpenConnectionCount reports the number of connections with a live
// in-memory session context, for GET /health's open_connections field.
func (c *Coordinator) OpenConnectionCount() int {
	return c.registry.Len()
}

// SealAllActive synchronously auto-seals every in-memory session with a
// non-empty chain (the POST /seal-active operation, §6).
func (c *Coordinator) SealAllActive(ctx context.Context) int {
	sealed := 0
	for _, ctxState := range c.registry.All() {
		ctxState.Lock()
		recordCount := ctxState.RecordCount
		connID := ctxState.ConnectionID
		ctxState.Unlock()
		if recordCount == 0 {
			continue
		}
		if err := c.autoSeal(connID, ctxState); err != nil {
			c.log.Warn("seal-active failed", map[string]interface{}{"connection_id": connID, "error": err.Error()})
			continue
		}
		c.registry.Remove(connID)
		sealed++
	}
	return sealed
}

// Shutdown implements the graceful-shutdown distinction from §5: contexts
// with a persisted connection mapping and a non-empty chain are left
// active for post-restart recovery; contexts without a mapping are sealed.
func (c *Coordinator) Shutdown(ctx context.Context) {
	for _, ctxState := range c.registry.All() {
		ctxState.Lock()
		connID := ctxState.ConnectionID
		recordCount := ctxState.RecordCount
		ctxState.Unlock()

		if _, mapped := c.conns.Get(connID); mapped && recordCount > 0 {
			continue
		}
		if err := c.autoSeal(connID, ctxState); err != nil {
			c.log.Warn("shutdown seal failed", map[string]interface{}{"connection_id": connID, "error": err.Error()})
		}
	}
}

// RunSweep performs one orphan sweep pass (§4.4 "orphan sweep (internal)").
// It is safe to call at startup and then on SweepInterval thereafter.
// A chain in active/ is sealed when no in-memory context holds it and its
// last record is older than the idle timeout. The ConnectionMap is not
// consulted: a chain that no connection references is likewise left in
// active/ until that timeout has passed.
func (c *Coordinator) RunSweep(ctx context.Context) error {
	_, span := tracer.Start(ctx, "orphan_sweep")
	defer span.End()

	active, err := c.chains.ListActive()
	if err != nil {
		return fmt.Errorf("list active chains: %w", err)
	}

	for _, sessionID := range active {
		if c.registry.GetByID(sessionID) != nil {
			continue // still live in memory; not an orphan
		}

		chain, err := c.chains.ReadChain(sessionID)
		if err != nil || len(chain) == 0 {
			c.log.Warn("sweep: unreadable chain", map[string]interface{}{"session_id": sessionID})
			continue
		}
		last := chain[len(chain)-1]

		if last.Type == chainstore.TypeSessionEnd || last.Type == chainstore.TypeSessionSeal {
			if err := c.chains.SealAndMove(sessionID); err != nil {
				c.log.Warn("sweep: seal-move failed", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
			}
			continue
		}

		if time.Since(last.Timestamp) < c.idleTimeout {
			continue // recently active; within grace window
		}

		if err := c.sweepSeal(sessionID, chain); err != nil {
			c.log.Warn("sweep: seal failed", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		}
	}

	removed, err := c.conns.GC(c.connMapTTL)
	if err != nil {
		c.log.Warn("sweep: connection map GC failed", map[string]interface{}{"error": err.Error()})
	} else if removed > 0 {
		c.log.Info("sweep: garbage-collected connection map entries", map[string]interface{}{"count": removed})
	}
	return nil
}

// sweepSeal synthesizes session_end + session_seal for an orphaned chain,
// using the last record's timestamp (never now()) as the effective end
// time (§9 "Orphan sweep timestamping").
func (c *Coordinator) sweepSeal(sessionID string, chain []chainstore.Record) error {
	first, last := chain[0], chain[len(chain)-1]

	var start startPayload
	_ = json.Unmarshal(first.Data, &start)

	heartbeats := 0
	for _, r := range chain {
		if r.Type == chainstore.TypeHeartbeat {
			heartbeats++
		}
	}

	duration := int64(last.Timestamp.Sub(first.Timestamp).Seconds())
	if duration < 0 {
		duration = 0
	}

	endRec, err := c.chains.AppendRecord(sessionID, chainstore.TypeSessionEnd, endPayload{
		DurationSeconds: duration,
		TaskType:        start.TaskType,
		HeartbeatCount:  heartbeats,
		AutoSealed:      true,
	}, last.Hash)
	if err != nil {
		return err
	}

	seal := index.Seal{
		SessionID:       sessionID,
		ConversationID:  start.ConversationID,
		ConversationIdx: start.ConversationIndex,
		Client:          start.Client,
		TaskType:        start.TaskType,
		Project:         start.Project,
		Title:           start.Title,
		PrivateTitle:    start.PrivateTitle,
		HeartbeatCount:  heartbeats,
		RecordCount:     len(chain) + 2,
		StartedAt:       first.Timestamp,
		EndedAt:         last.Timestamp,
		DurationSeconds: duration,
		ChainStartHash:  chainstore.Genesis,
		AutoSealed:      true,
	}
	return c.finalizeSeal(sessionID, endRec.Hash, seal, nil, start.Client)
}

// RunPeriodicSweep blocks until ctx is cancelled, running the sweep once
// immediately and then every SweepInterval — the teacher's
// select{case <-time.After(...): case <-ctx.Done():} idiom, adapted from
// supervision.Supervisor.Supervise's human-input wait.
func (c *Coordinator) RunPeriodicSweep(ctx context.Context) {
	if err := c.RunSweep(ctx); err != nil {
		c.log.Warn("startup sweep failed", map[string]interface{}{"error": err.Error()})
	}

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.RunSweep(ctx); err != nil {
				c.log.Warn("periodic sweep failed", map[string]interface{}{"error": err.Error()})
			}
		case <-ctx.Done():
			return
		}
	}
}

func humanizeDuration(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	return d.String()
}

// ErrUnknownSession is the JSON-RPC -32000 "Session not found" error (§7).
var ErrUnknownSession = fmt.Errorf("session not found")
